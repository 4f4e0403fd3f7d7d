// Package log2 is a thin leveled wrapper around stdlib log.
// Goals:
// - log level filtering with safe concurrent level change
// - nil *Log is valid and silent, so subsystems never check for it
// - route test logs into t.Logf to keep parallel tests readable
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	// int type helps against accidentally passing levels as flags
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type FmtFunc func(format string, args ...interface{})

type Log struct {
	l      *log.Logger
	w      io.Writer
	level  Level
	fatalf FmtFunc
}

func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		w:     w,
		level: level,
	}
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

type fmtWriter struct{ f FmtFunc }

func (fw fmtWriter) Write(b []byte) (int, error) {
	fw.f(string(b))
	return len(b), nil
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(fmtWriter{f}, level) }

// NewTest writes through t.Logf and redirects Fatal* to t.Fatalf.
func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	l.SetFlags(LTestFlags)
	return l
}

func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	n := NewWriter(l.w, level)
	n.l.SetFlags(l.l.Flags())
	n.l.SetPrefix(l.l.Prefix())
	n.fatalf = l.fatalf
	return n
}

func (l *Log) SetLevel(level Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(level))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Log(level Level, s string) {
	if l.Enabled(level) {
		_ = l.l.Output(3, s)
	}
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		_ = l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) { l.Log(LError, "error: "+fmt.Sprint(args...)) }
func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}
func (l *Log) Info(args ...interface{})                  { l.Log(LInfo, fmt.Sprint(args...)) }
func (l *Log) Infof(format string, args ...interface{})  { l.Logf(LInfo, format, args...) }
func (l *Log) Debug(args ...interface{})                 { l.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (l *Log) Debugf(format string, args ...interface{}) { l.Logf(LDebug, "debug: "+format, args...) }

// Printf/Println satisfy foreign logger interfaces (e.g. paho mqtt).
func (l *Log) Printf(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }
func (l *Log) Println(args ...interface{})               { l.Log(LInfo, fmt.Sprint(args...)) }

func (l *Log) Fatal(args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf("%s", fmt.Sprint(args...))
		return
	}
	l.Log(LError, "fatal: "+fmt.Sprint(args...))
	os.Exit(1)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
