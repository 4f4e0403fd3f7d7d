package log2

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LInfo)
	l.SetFlags(0)
	l.Debugf("hidden var=%d", 1)
	l.Infof("visible state=%s", "ok")
	l.Errorf("problem")
	assert.Equal(t, "visible state=ok\nerror: problem\n", buf.String())

	buf.Reset()
	l.SetLevel(LDebug)
	l.Debug("now visible")
	assert.Equal(t, "debug: now visible\n", buf.String())
}

func TestNilSafe(t *testing.T) {
	t.Parallel()

	var l *Log
	assert.False(t, l.Enabled(LError))
	l.Errorf("must not panic")
	l.SetLevel(LAll)
	l.SetFlags(log.Lshortfile)
	assert.Nil(t, l.Clone(LDebug))
}

func TestClone(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.SetFlags(0)
	l.SetPrefix("sub: ")
	c := l.Clone(LDebug)
	c.Debugf("cloned level=%s", "debug")
	assert.Equal(t, "sub: debug: cloned level=debug\n", buf.String())
}
