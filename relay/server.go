package relay

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const DefaultIdleTimeout = 60 * time.Second

// Server owns the listeners, the registry and the telemetry aggregator.
// The unix socket listener is mandatory; the TCP listener is optional and
// its bind failure only degrades the server (remote clients lose access,
// local ones keep working).
type Server struct {
	alive   *alive.Alive
	log     *log2.Log
	config  Config
	listens struct {
		sync.Mutex
		m map[string]net.Listener
	}
	registry  *Registry
	telemetry *Aggregator
	stat      Stat
}

func NewServer(config Config, log *log2.Log) *Server {
	if config.SocketPath == "" {
		config.SocketPath = DefaultSocketPath
	}
	if config.TCPBind == "" {
		config.TCPBind = DefaultTCPBind
	}
	s := &Server{
		alive:     alive.NewAlive(),
		log:       log,
		config:    config,
		registry:  NewRegistry(),
		telemetry: NewAggregator(),
	}
	if config.LogDebug {
		s.log.SetLevel(log2.LDebug)
	}
	s.listens.m = make(map[string]net.Listener)
	return s
}

// Start binds the listeners and launches the accept loops. The unix
// socket path is owned by this server: a stale file from a previous run
// is reclaimed before bind and removed again on Stop.
func (s *Server) Start() error {
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "reclaim socket path=%s", s.config.SocketPath)
	}
	lnUnix, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return errors.Annotatef(err, "listen unix path=%s", s.config.SocketPath)
	}
	s.addListener("unix", lnUnix)
	s.log.Infof("relay listening on %s", s.config.SocketPath)

	if s.config.TCPPort > 0 {
		addr := net.JoinHostPort(s.config.TCPBind, strconv.Itoa(s.config.TCPPort))
		lnTCP, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Errorf("tcp listener failed, continuing with unix socket only: %v", err)
		} else {
			s.addListener("tcp", lnTCP)
			s.log.Infof("relay listening on tcp %s", addr)
		}
	}
	return nil
}

func (s *Server) addListener(label string, ln net.Listener) {
	helpers.WithLock(&s.listens, func() { s.listens.m[label] = ln })
	s.alive.Add(1)
	go s.acceptLoop(ln, label)
}

// Stop closes listeners and all client connections, waits for handlers
// to exit and removes the unix socket file.
func (s *Server) Stop() {
	s.alive.Stop()
	closeErr := helpers.WithLockError(&s.listens, func() error {
		errs := make([]error, 0, len(s.listens.m))
		for _, ln := range s.listens.m {
			errs = append(errs, ln.Close())
		}
		s.listens.m = make(map[string]net.Listener)
		return helpers.FoldErrors(errs)
	})
	if closeErr != nil {
		s.log.Errorf("close listeners: %v", closeErr)
	}
	s.registry.CloseAll()
	s.alive.Wait()
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		s.log.Errorf("remove socket path=%s err=%v", s.config.SocketPath, err)
	}
	s.log.Infof("relay stopped stat=%s", s.stat.String())
}

// Addrs reports bound listener addresses, mostly for tests and logs.
func (s *Server) Addrs() []string {
	s.listens.Lock()
	defer s.listens.Unlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, ln := range s.listens.m {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

func (s *Server) ClientCount() int { return s.registry.Count() }

// CombinedTelemetry consumes the aggregator snapshot; see
// Aggregator.Combined for merge and clearing semantics.
func (s *Server) CombinedTelemetry() map[string]interface{} { return s.telemetry.Combined() }

// BroadcastCommand fans one command out to all live connections and
// returns how many received it. Unreachable targets are pruned.
func (s *Server) BroadcastCommand(name, parameters string) int {
	sent, pruned := s.registry.Broadcast(NewCommand(name, parameters))
	s.stat.Broadcasts.Add(1)
	if pruned > 0 {
		s.stat.SendErrors.Add(int64(pruned))
	}
	s.log.Infof("broadcast command=%s sent=%d pruned=%d", name, sent, pruned)
	return sent
}

func (s *Server) Stat() *Stat { return &s.stat }

func (s *Server) acceptLoop(ln net.Listener, label string) {
	defer s.alive.Done() // one alive subtask per listener
	for {
		netConn, err := ln.Accept()
		if !s.alive.IsRunning() {
			if netConn != nil {
				_ = netConn.Close()
			}
			return
		}
		if err != nil {
			s.log.Errorf("accept %s err=%v", label, err)
			continue
		}
		if creds := peerCreds(netConn); creds != "" {
			s.log.Infof("client connected via %s %s", label, creds)
		} else {
			s.log.Infof("client connected via %s from %s", label, addrString(netConn.RemoteAddr()))
		}
		if !s.alive.Add(1) { // and one per connection
			_ = netConn.Close()
			return
		}
		s.stat.Accepted.Add(1)
		go s.handleConn(netConn)
	}
}

// handleConn owns the connection: provisional registry entry at accept,
// promotion on register, cleanup of both on exit.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.alive.Done()

	st := NewStream(netConn, StreamOptions{
		Log:         s.log,
		IdleTimeout: helpers.IntSecondDefault(s.config.IdleTimeoutSec, DefaultIdleTimeout),
		ReadLimit:   s.config.ReadLimit,
	})
	key := s.registry.Attach(st)
	defer func() {
		clientID := s.registry.ClientID(key)
		s.registry.Detach(key)
		_ = st.Close()
		if clientID == "" {
			clientID = "unknown"
		}
		s.log.Infof("client disconnected: %s", clientID)
	}()

	for {
		m, err := st.Receive()
		switch err {
		case nil:
			s.processMessage(st, key, m)

		case ErrMalformed:
			s.stat.Malformed.Add(1)
			if serr := st.Send(ResponseError("Invalid JSON")); serr != nil {
				return
			}

		default:
			s.log.Debugf("handler exit key=%s err=%v", key, err)
			return
		}
	}
}

func (s *Server) processMessage(st *Stream, key string, m *Message) {
	switch m.Type {
	case TypeTelemetry:
		// Accepted regardless of registration book-keeping, keyed by the
		// declared client_id.
		clientID := m.ClientID
		if clientID == "" {
			clientID = "unknown"
		}
		s.telemetry.Update(clientID, m.Data)
		s.stat.Telemetry.Add(1)
		_ = st.Send(ResponseOK("Telemetry received"))

	case TypeRegister:
		clientID := m.ClientID
		if clientID == "" {
			clientID = "unknown"
		}
		if displaced := s.registry.Identify(key, clientID); displaced != nil {
			s.log.Infof("client overtake id=%s ex=%s new=%s",
				clientID, addrString(displaced.RemoteAddr()), addrString(st.RemoteAddr()))
			_ = displaced.Close()
		}
		s.stat.Registered.Add(1)
		s.log.Infof("client registered as: %s", clientID)
		resp := ResponseOK("Registered successfully")
		resp.ClientID = clientID
		_ = st.Send(resp)

	default:
		_ = st.Send(ResponseError("Unknown message type"))
	}
}
