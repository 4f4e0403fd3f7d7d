package upstream

import (
	"context"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

// CommandFunc delivers one cloud-to-device command for local fan-out.
// Runs on the transport's goroutine; must not block on slow peers.
type CommandFunc func(name, parameters string)

// Transport contract:
// - Init fails only with invalid config; an unreachable broker is not an
//   error, delivery starts when the connection comes up
// - Send* report delivery within the network timeout as bool; telemetry
//   models current state, a lost sample is replaced by the next one
// - Close blocks until the network session is torn down
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config Config, onCommand CommandFunc) error
	SendTelemetry(payload []byte) bool
	SendState(payload []byte) bool
	Close()
}
