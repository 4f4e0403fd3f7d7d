package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

func testPipeStream(t testing.TB) (*Stream, net.Conn) {
	local, remote := net.Pipe()
	st := NewStream(local, StreamOptions{Log: log2.NewTest(t, log2.LDebug)})
	t.Cleanup(func() {
		_ = st.Close()
		_ = remote.Close()
	})
	return st, remote
}

// Chunk-boundary independence: the same byte sequence split arbitrarily
// across reads decodes to the same message sequence.
func TestReceiveChunked(t *testing.T) {
	t.Parallel()

	st, remote := testPipeStream(t)
	wire := []byte(`{"type":"register","client_id":"a"}` + "\n" +
		`{"type":"telemetry","client_id":"a","data":{"x":1}}` + "\n" +
		`{"type":"command","command_name":"c","parameters":"p"}` + "\n")

	for _, chunkSize := range []int{1, 2, 7, len(wire)} {
		chunkSize := chunkSize
		go func() {
			for i := 0; i < len(wire); i += chunkSize {
				end := i + chunkSize
				if end > len(wire) {
					end = len(wire)
				}
				if _, err := remote.Write(wire[i:end]); err != nil {
					return
				}
			}
		}()

		types := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			m, err := st.Receive()
			require.NoError(t, err, "chunkSize=%d", chunkSize)
			types = append(types, m.Type)
		}
		assert.Equal(t, []string{TypeRegister, TypeTelemetry, TypeCommand}, types, "chunkSize=%d", chunkSize)
	}
}

func TestReceiveMalformedKeepsStream(t *testing.T) {
	t.Parallel()

	st, remote := testPipeStream(t)
	go func() {
		_, _ = remote.Write([]byte("not json\n"))
		_, _ = remote.Write([]byte(`{"type":"register","client_id":"b"}` + "\n"))
	}()

	_, err := st.Receive()
	assert.Equal(t, ErrMalformed, err)

	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b", m.ClientID)
}

func TestReceiveAfterClose(t *testing.T) {
	t.Parallel()

	st, _ := testPipeStream(t)
	require.NoError(t, st.Close())
	assert.True(t, st.Closed())
	_, err := st.Receive()
	assert.Error(t, err)
	assert.Error(t, st.Send(NewRegister("x")))
}

func TestReceivePeerClose(t *testing.T) {
	t.Parallel()

	st, remote := testPipeStream(t)
	go func() {
		// final write completes a line right before close
		_, _ = remote.Write([]byte(`{"type":"register","client_id":"c"}` + "\n"))
		_ = remote.Close()
	}()

	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, "c", m.ClientID)

	_, err = st.Receive()
	require.Error(t, err)
	assert.True(t, st.Closed())
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	defer remote.Close()
	st := NewStream(local, StreamOptions{
		Log:         log2.NewTest(t, log2.LDebug),
		IdleTimeout: 10 * time.Millisecond,
	})
	defer st.Close()

	_, err := st.Receive()
	assert.Equal(t, ErrIdleTimeout, err)
}
