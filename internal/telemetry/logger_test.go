package telemetry

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventFormatsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(log.New(&buf, "", 0), false)

	l.Event("command.forwarded", "verb", "GETINFO", "session", "abc123")
	assert.Equal(t, "event=command.forwarded verb=GETINFO session=abc123\n", buf.String())
}

func TestEventHandlesOddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(log.New(&buf, "", 0), false)

	l.Event("dangling", "key")
	assert.Equal(t, "event=dangling key=\n", buf.String())
}

func TestDebugfNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(log.New(&buf, "", 0), false)

	l.Debugf("body=%s", "secret")
	assert.Empty(t, buf.String())
}

func TestDebugfWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(log.New(&buf, "", 0), true)

	l.Debugf("body=%s", "secret")
	assert.Equal(t, "body=secret\n", buf.String())
}

func TestNilLoggerMethodsAreNoops(t *testing.T) {
	var l *Logger
	assert.False(t, l.Debug())
	l.Event("whatever")
	l.Debugf("whatever")
}

func TestDebugReflectsConstructorArg(t *testing.T) {
	l := NewLogger(log.New(bytes.NewBuffer(nil), "", 0), true)
	assert.True(t, l.Debug())
}
