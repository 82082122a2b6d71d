package controller

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReplyBlockSingleLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("250 OK\r\n"))
	block, code, err := readReplyBlock(r)
	require.NoError(t, err)
	assert.Equal(t, "250 OK\r\n", block)
	assert.Equal(t, "250", code)
}

func TestReadReplyBlockMultiLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("250-PROTOCOLINFO 1\r\n250-AUTH METHODS=NULL\r\n250 OK\r\n"))
	block, code, err := readReplyBlock(r)
	require.NoError(t, err)
	assert.Equal(t, "250-PROTOCOLINFO 1\r\n250-AUTH METHODS=NULL\r\n250 OK\r\n", block)
	assert.Equal(t, "250", code)
}

func TestReadReplyBlockWithDataSegment(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("250+circuit-status=\r\nline one\r\nline two\r\n.\r\n250 OK\r\n"))
	block, code, err := readReplyBlock(r)
	require.NoError(t, err)
	assert.Equal(t, "250+circuit-status=\r\nline one\r\nline two\r\n.\r\n250 OK\r\n", block)
	assert.Equal(t, "250", code)
}

func TestReadReplyBlockDetectsEventCode(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("650 STREAM 1 NEW 0 example.com:80\r\n"))
	_, code, err := readReplyBlock(r)
	require.NoError(t, err)
	assert.Equal(t, "650", code)
}

func TestFourthAttemptBackoff(t *testing.T) {
	b := &fourthAttemptBackoff{}
	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Duration(0), b.NextBackOff())
	}
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Duration(0), b.NextBackOff())
}

func TestDispatchEventDeliversToMatchingSink(t *testing.T) {
	l := New("127.0.0.1:0", "")
	var got string
	l.subscribed["STREAM"] = EventSinkFunc(func(name, payload string) { got = payload })

	l.dispatchEvent("650 STREAM 1 NEW 0 example.com:80\r\n")
	assert.Equal(t, "650 STREAM 1 NEW 0 example.com:80\r\n", got)
}

func TestDispatchEventDropsUnsubscribed(t *testing.T) {
	l := New("127.0.0.1:0", "")
	l.dispatchEvent("650 STREAM 1 NEW 0 example.com:80\r\n")
	// no panic, no sink registered: nothing to assert beyond survival
}
