package identity

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	net.Conn
	local, remote net.Addr
}

func (c fakeConn) LocalAddr() net.Addr  { return c.local }
func (c fakeConn) RemoteAddr() net.Addr { return c.remote }

func TestResolveRemoteUsesBareIP(t *testing.T) {
	r := NewResolver()
	conn := fakeConn{
		local:  &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 951},
		remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000},
	}

	id, err := r.Resolve(conn)
	require.NoError(t, err)
	assert.False(t, id.IsLoopback)
	assert.Equal(t, "203.0.113.9", id.Host)
}

func TestResolveLoopbackUsesProcLookup(t *testing.T) {
	r := NewResolver()
	r.procLookup = func(addr net.TCPAddr) (int, error) { return 1234, nil }

	origApparmor, origUsername := apparmorLookup, usernameLookup
	defer func() { apparmorLookup, usernameLookup = origApparmor, origUsername }()
	apparmorLookup = func(pid int) (string, error) { return "/usr/bin/tor", nil }
	usernameLookup = func(pid int) (string, error) { return "debian-tor", nil }

	conn := fakeConn{
		local:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 951},
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321},
	}

	id, err := r.Resolve(conn)
	require.NoError(t, err)
	assert.True(t, id.IsLoopback)
	assert.Equal(t, 1234, id.PID)
	assert.Equal(t, "/usr/bin/tor", id.ApparmorProfile)
	assert.Equal(t, "debian-tor", id.Username)
}

func TestResolveLoopbackClientGone(t *testing.T) {
	r := NewResolver()
	r.procLookup = func(addr net.TCPAddr) (int, error) { return 0, fmt.Errorf("not found") }

	conn := fakeConn{
		local:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 951},
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321},
	}

	_, err := r.Resolve(conn)
	assert.ErrorIs(t, err, ErrClientGone)
}

func TestResolveLocalVethClassification(t *testing.T) {
	r := NewResolver()
	conn := fakeConn{
		local:  &net.TCPAddr{IP: net.ParseIP("10.200.1.1"), Port: 951},
		remote: &net.TCPAddr{IP: net.ParseIP("10.200.1.50"), Port: 4000},
	}
	id, err := r.Resolve(conn)
	require.NoError(t, err)
	assert.True(t, id.LocalVeth)
	assert.False(t, id.IsLoopback)
}
