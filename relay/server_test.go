package relay

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

func testServer(t testing.TB, config Config) (*Server, string) {
	if config.SocketPath == "" {
		config.SocketPath = filepath.Join(t.TempDir(), "relay.sock")
	}
	s := NewServer(config, log2.NewTest(t, log2.LDebug))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, config.SocketPath
}

func testDial(t testing.TB, socketPath string) *Stream {
	netConn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	st := NewStream(netConn, StreamOptions{Log: log2.NewTest(t, log2.LDebug)})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testRegister(t testing.TB, st *Stream, clientID string) {
	require.NoError(t, st.Send(NewRegister(clientID)))
	m, err := st.Receive()
	require.NoError(t, err)
	require.Equal(t, StatusOK, m.Status)
}

func TestServerRegisterTelemetry(t *testing.T) {
	t.Parallel()

	s, socketPath := testServer(t, Config{})
	st := testDial(t, socketPath)

	require.NoError(t, st.Send(NewRegister("sensor-1")))
	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, m.Status)
	assert.Equal(t, "sensor-1", m.ClientID)
	assert.Equal(t, 1, s.ClientCount())

	require.NoError(t, st.Send(NewTelemetry("sensor-1", map[string]interface{}{"temp": 21.5})))
	m, err = st.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, m.Status)

	combined := s.CombinedTelemetry()
	require.NotNil(t, combined)
	assert.Equal(t, 21.5, combined["temp"])
	assert.Nil(t, s.CombinedTelemetry())
}

func TestServerUnregisteredTelemetry(t *testing.T) {
	t.Parallel()

	s, socketPath := testServer(t, Config{})
	st := testDial(t, socketPath)

	// telemetry without prior register is keyed under "unknown"
	require.NoError(t, st.Send(&Message{Type: TypeTelemetry, Data: map[string]interface{}{"v": 1.0}}))
	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, m.Status)

	combined := s.CombinedTelemetry()
	require.NotNil(t, combined)
	assert.Equal(t, 1.0, combined["v"])
}

func TestServerMalformedLine(t *testing.T) {
	t.Parallel()

	s, socketPath := testServer(t, Config{})
	netConn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	_, err = netConn.Write([]byte("not json\n"))
	require.NoError(t, err)
	st := NewStream(netConn, StreamOptions{Log: log2.NewTest(t, log2.LDebug)})
	defer st.Close()

	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusError, m.Status)

	// the connection survives a garbage line
	testRegister(t, st, "sensor-2")
	assert.EqualValues(t, 1, s.Stat().Malformed.Value())
}

func TestServerUnknownType(t *testing.T) {
	t.Parallel()

	_, socketPath := testServer(t, Config{})
	st := testDial(t, socketPath)

	require.NoError(t, st.Send(&Message{Type: "bogus"}))
	m, err := st.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusError, m.Status)
}

func TestServerBroadcast(t *testing.T) {
	t.Parallel()

	s, socketPath := testServer(t, Config{})
	st1 := testDial(t, socketPath)
	st2 := testDial(t, socketPath)
	testRegister(t, st1, "a")
	testRegister(t, st2, "b")

	sent := s.BroadcastCommand("set_color", "green")
	assert.Equal(t, 2, sent)

	for _, st := range []*Stream{st1, st2} {
		m, err := st.Receive()
		require.NoError(t, err)
		assert.Equal(t, TypeCommand, m.Type)
		assert.Equal(t, "set_color", m.CommandName)
		assert.Equal(t, "green", m.Parameters)
	}
}

func TestServerOvertake(t *testing.T) {
	t.Parallel()

	s, socketPath := testServer(t, Config{})
	st1 := testDial(t, socketPath)
	testRegister(t, st1, "dup")
	st2 := testDial(t, socketPath)
	testRegister(t, st2, "dup")

	// the first connection is closed by the server
	_, err := st1.Receive()
	assert.Error(t, err)
	assert.Equal(t, 1, s.ClientCount())

	sent := s.BroadcastCommand("ping", "")
	assert.Equal(t, 1, sent)
	m, err := st2.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", m.CommandName)
}

func TestServerStopRemovesSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	s := NewServer(Config{SocketPath: socketPath}, log2.NewTest(t, log2.LDebug))
	require.NoError(t, s.Start())
	_, err := os.Stat(socketPath)
	require.NoError(t, err)

	st := testDial(t, socketPath)
	testRegister(t, st, "short-lived")

	s.Stop()
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServerReclaimsStaleSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0644))

	s, _ := testServer(t, Config{SocketPath: socketPath})
	st := testDial(t, socketPath)
	testRegister(t, st, "c")
	assert.Equal(t, 1, s.ClientCount())
}

func TestServerTCPBindFailureDegrades(t *testing.T) {
	t.Parallel()

	// occupy a port so the tcp bind fails
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	s, socketPath := testServer(t, Config{TCPBind: "127.0.0.1", TCPPort: port})
	assert.Len(t, s.Addrs(), 1)

	// local clients keep working
	st := testDial(t, socketPath)
	testRegister(t, st, "local")
}

func TestServerTCPClient(t *testing.T) {
	t.Parallel()

	// grab a free port, then release it for the server
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	s, _ := testServer(t, Config{TCPBind: "127.0.0.1", TCPPort: port})
	require.Len(t, s.Addrs(), 2)

	netConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	st := NewStream(netConn, StreamOptions{Log: log2.NewTest(t, log2.LDebug)})
	defer st.Close()
	testRegister(t, st, "remote")
}
