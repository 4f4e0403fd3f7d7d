package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const defaultMockTimeout = 100 * time.Millisecond

// transportMock delivers into channels for tests to assert on. A full
// channel models an unreachable broker: Send* time out and return false.
type transportMock struct {
	t              testing.TB
	onCommand      CommandFunc
	networkTimeout time.Duration
	outBuffer      int
	outTelemetry   chan []byte
	outState       chan []byte
	closed         bool
}

func (m *transportMock) Init(ctx context.Context, log *log2.Log, config Config, onCommand CommandFunc) error {
	m.onCommand = func(name, parameters string) {
		m.t.Logf("mock command name=%s parameters=%s", name, parameters)
		onCommand(name, parameters)
	}
	if m.networkTimeout == 0 {
		m.networkTimeout = defaultMockTimeout
	}
	m.outTelemetry = make(chan []byte, m.outBuffer)
	m.outState = make(chan []byte, m.outBuffer)
	return nil
}

func (m *transportMock) SendTelemetry(payload []byte) bool {
	select {
	case m.outTelemetry <- payload:
		m.t.Logf("mock delivered telemetry=%s", payload)
	case <-time.After(m.networkTimeout):
		m.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (m *transportMock) SendState(payload []byte) bool {
	select {
	case m.outState <- payload:
		m.t.Logf("mock delivered state=%s", payload)
	case <-time.After(m.networkTimeout):
		m.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (m *transportMock) Close() { m.closed = true }
