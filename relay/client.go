package relay

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown!"
}

// CommandFunc handles one upstream-originated command. Invoked
// synchronously on the receive goroutine; panics are recovered and
// logged, they never break the receive loop.
type CommandFunc func(name, parameters string)

type ClientOptions struct {
	Log *log2.Log

	// Addr is "unix:///path", "tcp://host:port" or a bare filesystem
	// path (unix socket).
	Addr      string
	ClientID  string
	OnCommand CommandFunc

	ReconnectDelay time.Duration
	DialTimeout    time.Duration
}

// Client is the producer side: connect, register, submit telemetry,
// receive commands. Transient connectivity errors never escape as
// failures of the client as a whole; the background reconnect task is
// the only connector and retries on a fixed interval.
type Client struct { //nolint:maligned
	mu     sync.Mutex // guards stream swap vs send/close
	alive  *alive.Alive
	opt    ClientOptions
	stream *Stream
	state  int32
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.ClientID == "" {
		return nil, errors.NotValidf("client_id empty")
	}
	if _, _, err := parseAddr(opt.Addr); err != nil {
		return nil, errors.Annotatef(err, "relay addr=%s", opt.Addr)
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	return &Client{
		alive: alive.NewAlive(),
		opt:   opt,
	}, nil
}

// Start attempts one immediate connection and, regardless of outcome,
// launches the background reconnect task.
func (c *Client) Start() {
	if err := c.Connect(); err != nil {
		c.opt.Log.Infof("initial connection failed, retrying in background: %v", err)
	} else {
		c.opt.Log.Infof("connected to relay at %s", c.opt.Addr)
	}
	c.alive.Add(1)
	go c.reconnectLoop()
}

// Stop disconnects and waits for the background tasks to observe the
// stop flag; no reconnection attempt happens after Stop returns.
func (c *Client) Stop() {
	c.alive.Stop()
	helpers.WithLock(&c.mu, func() {
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
	c.alive.Wait()
	c.setState(StateDisconnected)
}

func (c *Client) IsConnected() bool { return c.State() == StateConnected }

func (c *Client) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Client) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Client) casState(old, new State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(old), int32(new))
}

// Connect dials the relay, registers and starts the receive task.
// Failure is expected and recoverable: the client stays Disconnected and
// the error is informational only.
func (c *Client) Connect() error {
	if !c.casState(StateDisconnected, StateConnecting) {
		return nil // connected, or another attempt in flight
	}
	err := c.connect()
	if err != nil {
		c.setState(StateDisconnected)
	}
	return err
}

func (c *Client) connect() error {
	network, addr, _ := parseAddr(c.opt.Addr)
	netConn, err := net.DialTimeout(network, addr, c.opt.DialTimeout)
	if err != nil {
		return errors.Annotatef(err, "connect %s", c.opt.Addr)
	}
	st := NewStream(netConn, StreamOptions{Log: c.opt.Log})
	if err = st.Send(NewRegister(c.opt.ClientID)); err != nil {
		_ = st.Close()
		return errors.Annotate(err, "register")
	}

	helpers.WithLock(&c.mu, func() {
		if old := c.stream; old != nil {
			_ = old.Close()
		}
		c.stream = st
	})
	c.setState(StateConnected)

	if !c.alive.Add(1) {
		_ = st.Close()
		return ErrClosing
	}
	go c.receiveLoop(st)
	return nil
}

// SendTelemetry submits one sample; false when not connected or the send
// failed. Telemetry that cannot be sent immediately is dropped, there is
// no local buffering.
func (c *Client) SendTelemetry(data map[string]interface{}) bool {
	var st *Stream
	helpers.WithLock(&c.mu, func() { st = c.stream })
	if st == nil || c.State() != StateConnected {
		return false
	}
	if err := st.Send(NewTelemetry(c.opt.ClientID, data)); err != nil {
		c.opt.Log.Debugf("send telemetry err=%v", err)
		c.markDisconnected(st)
		return false
	}
	return true
}

func (c *Client) reconnectLoop() {
	defer c.alive.Done()
	for c.alive.IsRunning() {
		if c.sleep(c.opt.ReconnectDelay) != nil {
			return
		}
		if c.State() == StateConnected {
			continue
		}
		if err := c.Connect(); err != nil {
			c.opt.Log.Debugf("reconnect err=%v", err)
		} else if c.alive.IsRunning() {
			c.opt.Log.Infof("reconnected to relay at %s", c.opt.Addr)
		}
	}
}

func (c *Client) receiveLoop(st *Stream) {
	defer c.alive.Done()
	defer c.markDisconnected(st)
	for {
		m, err := st.Receive()
		switch err {
		case nil:
			c.handleMessage(m)

		case ErrMalformed:
			c.opt.Log.Errorf("invalid json from relay")

		default:
			c.opt.Log.Debugf("receive loop ended err=%v", err)
			return
		}
	}
}

func (c *Client) handleMessage(m *Message) {
	switch {
	case m.Type == TypeCommand:
		if c.opt.OnCommand == nil {
			c.opt.Log.Debugf("command dropped, no handler: %s", m.CommandName)
			return
		}
		c.invokeCommand(m.CommandName, m.Parameters)

	case m.IsResponse():
		if m.Status == StatusError {
			c.opt.Log.Infof("relay error response: %s", m.Text)
		} else {
			c.opt.Log.Debugf("relay ack: %s", m.Text)
		}

	default:
		c.opt.Log.Infof("unknown message type from relay: %s", m.Type)
	}
}

func (c *Client) invokeCommand(name, parameters string) {
	defer func() {
		if r := recover(); r != nil {
			c.opt.Log.Errorf("command handler panic name=%s: %v", name, r)
		}
	}()
	c.opt.OnCommand(name, parameters)
}

// markDisconnected flips the state back only when st is still the
// current stream, so a stale receive loop cannot clobber a fresh
// connection.
func (c *Client) markDisconnected(st *Stream) {
	_ = st.Close()
	helpers.WithLock(&c.mu, func() {
		if c.stream == st {
			c.casState(StateConnected, StateDisconnected)
		}
	})
}

func (c *Client) sleep(d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-c.alive.StopChan():
		return ErrClosing
	}
}

func parseAddr(s string) (network, addr string, err error) {
	switch {
	case s == "":
		return "", "", errors.NotValidf("empty address")
	case strings.HasPrefix(s, "unix://"):
		return "unix", strings.TrimPrefix(s, "unix://"), nil
	case strings.HasPrefix(s, "tcp://"):
		return "tcp", strings.TrimPrefix(s, "tcp://"), nil
	case strings.Contains(s, "://"):
		return "", "", errors.NotSupportedf("address scheme in %s", s)
	default:
		// bare filesystem path
		return "unix", s, nil
	}
}
