//go:build linux

package identity

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeAddrIPv4(t *testing.T) {
	addr := net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9051}
	// 127.0.0.1 little-endian word-swapped is 0100007F; port 9051 = 0x235B.
	assert.Equal(t, "0100007F:235B", encodeAddr(addr))
}

func TestEncodeAddrIPv6(t *testing.T) {
	addr := net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}
	got := encodeAddr(addr)
	assert.Contains(t, got, ":0050")
}

func TestApparmorProfileLineMatch(t *testing.T) {
	m := apparmorProfileLine.FindStringSubmatch("/usr/bin/tor (enforce)")
	assert.Equal(t, []string{"/usr/bin/tor (enforce)", "/usr/bin/tor"}, m)

	m = apparmorProfileLine.FindStringSubmatch("unconfined")
	assert.Nil(t, m)
}
