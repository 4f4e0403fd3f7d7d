package relay

// Values are read and modified atomically, but not consistently with each
// other: Accepted may already count a connection whose Registered update
// has not landed yet.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Accepted   expvar.Int
	Registered expvar.Int
	Telemetry  expvar.Int
	Broadcasts expvar.Int
	SendErrors expvar.Int
	Malformed  expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"accepted":%d,"registered":%d,"telemetry":%d,"broadcasts":%d,"send_errors":%d,"malformed":%d}`,
		s.Accepted.Value(), s.Registered.Value(), s.Telemetry.Value(),
		s.Broadcasts.Value(), s.SendErrors.Value(), s.Malformed.Value())
}
