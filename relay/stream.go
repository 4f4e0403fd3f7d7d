package relay

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const (
	DefaultReadLimit    = 64 << 10
	DefaultWriteTimeout = 30 * time.Second

	// Read poll deadline. Deadline expiry is "no data yet", not an error:
	// it bounds how long a receive loop waits before rechecking liveness.
	readPollInterval = 1 * time.Second
)

var (
	ErrClosing     = fmt.Errorf("closing")
	ErrMalformed   = fmt.Errorf("malformed message")
	ErrIdleTimeout = fmt.Errorf("idle timeout")
	ErrLineTooLong = fmt.Errorf("line exceeds read limit")
)

type StreamOptions struct {
	Log *log2.Log

	// IdleTimeout closes the stream when no bytes arrived for this long.
	// Zero disables the check (clients wait for commands indefinitely).
	IdleTimeout time.Duration

	// ReadLimit caps the encoded size of one message. A peer exceeding it
	// is broken or hostile; the stream dies, there is no way to resync.
	ReadLimit int

	WriteTimeout time.Duration
}

// Stream frames Messages over a byte stream: newline-delimited JSON both
// ways. Send is safe for concurrent use; Receive is owned by a single
// reader goroutine.
type Stream struct {
	sendMu sync.Mutex
	err    helpers.AtomicError
	last   atomic_clock.Clock
	net    net.Conn
	opt    StreamOptions

	buf   bytes.Buffer
	chunk [4 << 10]byte
}

func NewStream(netConn net.Conn, opt StreamOptions) *Stream {
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	s := &Stream{net: netConn, opt: opt}
	s.last.SetNow()
	return s
}

func (s *Stream) Close() error {
	return s.die(ErrClosing)
}

func (s *Stream) Closed() bool {
	_, ok := s.err.Load()
	return ok
}

func (s *Stream) RemoteAddr() net.Addr { return s.net.RemoteAddr() }

func (s *Stream) SinceLastRecv() time.Duration { return atomic_clock.Since(&s.last) }

// Send writes one framed message with a single Write call under the send
// lock, so concurrent senders never interleave partial messages.
func (s *Stream) Send(m *Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.Closed() {
		return ErrClosing
	}
	if err = s.net.SetWriteDeadline(time.Now().Add(s.opt.WriteTimeout)); err != nil {
		return s.die(errors.Annotate(err, "set write deadline"))
	}
	if _, err = s.net.Write(b); err != nil {
		return s.die(errors.Annotate(err, "send"))
	}
	return nil
}

// Receive blocks until the next complete line and returns the decoded
// message. A line that fails to decode returns ErrMalformed and leaves
// the stream usable; any other error is terminal.
func (s *Stream) Receive() (*Message, error) {
	for {
		if line, ok := s.takeLine(); ok {
			if len(line) == 0 {
				continue // bare newline keepalive, ignore
			}
			m, err := Decode(line)
			if err != nil {
				s.opt.Log.Debugf("stream %s malformed line=%q err=%v", addrString(s.RemoteAddr()), line, err)
				return nil, ErrMalformed
			}
			return m, nil
		}
		if s.Closed() {
			return nil, ErrClosing
		}
		if s.buf.Len() > s.opt.ReadLimit {
			return nil, s.die(ErrLineTooLong)
		}
		if s.opt.IdleTimeout > 0 && atomic_clock.Since(&s.last) > s.opt.IdleTimeout {
			return nil, s.die(ErrIdleTimeout)
		}

		if err := s.net.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, s.die(errors.Annotate(err, "set read deadline"))
		}
		n, err := s.net.Read(s.chunk[:])
		if n > 0 {
			s.buf.Write(s.chunk[:n])
			s.last.SetNow()
		}
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue // no data yet
			}
			if n > 0 {
				// deliver lines completed by the final read; the error
				// repeats on the next empty read
				continue
			}
			return nil, s.die(errors.Annotate(err, "receive"))
		}
	}
}

func (s *Stream) takeLine() ([]byte, bool) {
	idx := bytes.IndexByte(s.buf.Bytes(), '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, s.buf.Bytes()[:idx])
	s.buf.Next(idx + 1)
	return line, true
}

func (s *Stream) die(e error) error {
	if err, found := s.err.StoreOnce(e); found {
		return err
	}
	_ = s.net.Close()

	// reformat well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	s.opt.Log.Debugf("stream close local=%s remote=%s e=%s",
		addrString(s.net.LocalAddr()), addrString(s.net.RemoteAddr()), estr)
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
