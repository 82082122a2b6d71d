// Package identity resolves a freshly accepted connection's client identity:
// for loopback peers, the owning process's AppArmor profile and username;
// for everyone else, the bare remote IP (spec §4.2).
package identity

import (
	"fmt"
	"net"
)

// Identity is the per-connection attribute set consumed by the policy
// matcher (spec §3 ClientIdentity).
type Identity struct {
	IsLoopback bool

	// Populated when IsLoopback is true.
	PID             int
	ApparmorProfile string
	Username        string

	// Populated when IsLoopback is false.
	Host string

	// LocalVeth is true when the connection's source address lies in the
	// configured local-veth network; such connections are remote for
	// identification purposes but keep stream scoping honored (spec §4.2).
	LocalVeth bool

	LocalAddr  net.TCPAddr
	RemoteAddr net.TCPAddr
}

// Resolver identifies connections against the host's process table.
type Resolver struct {
	// LocalVethNet is the IPv4 network whose members are treated as
	// local-veth. Defaults to 10.200.1.0/24 per spec §4.2 when nil.
	LocalVethNet *net.IPNet

	// procLookup is overridable in tests; production wiring uses
	// lookupProcessByLocalAddr (proc_linux.go).
	procLookup func(addr net.TCPAddr) (pid int, err error)
}

// NewResolver returns a Resolver with the default local-veth network.
func NewResolver() *Resolver {
	_, defaultNet, _ := net.ParseCIDR("10.200.1.0/24")
	return &Resolver{
		LocalVethNet: defaultNet,
		procLookup:   lookupProcessByLocalAddr,
	}
}

// apparmorLookup and usernameLookup are indirections over the platform
// implementations (proc_linux.go / proc_other.go), overridable in tests.
var (
	apparmorLookup = readApparmorProfile
	usernameLookup = readUsername
)

// ErrClientGone is returned when a loopback connection's owning process
// could not be located, meaning the client already disconnected mid
// handshake. Per spec §4.2 this aborts the session silently (no error
// surfaces to the client).
var ErrClientGone = fmt.Errorf("identity: client process not found, connection died during handshake")

// Resolve determines the identity of a freshly accepted connection.
func (r *Resolver) Resolve(conn net.Conn) (*Identity, error) {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("identity: connection has no TCP local address")
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("identity: connection has no TCP remote address")
	}

	id := &Identity{
		LocalAddr:  *local,
		RemoteAddr: *remote,
	}

	if r.LocalVethNet != nil && r.LocalVethNet.Contains(remote.IP) {
		id.LocalVeth = true
	}

	if !remote.IP.IsLoopback() {
		id.IsLoopback = false
		id.Host = remote.IP.String()
		return id, nil
	}

	id.IsLoopback = true
	lookup := r.procLookup
	if lookup == nil {
		lookup = lookupProcessByLocalAddr
	}
	pid, err := lookup(*remote)
	if err != nil {
		return nil, ErrClientGone
	}

	profile, err := apparmorLookup(pid)
	if err != nil {
		return nil, fmt.Errorf("identity: read apparmor profile for pid %d: %w", pid, err)
	}
	username, err := usernameLookup(pid)
	if err != nil {
		return nil, fmt.Errorf("identity: read username for pid %d: %w", pid, err)
	}

	id.PID = pid
	id.ApparmorProfile = profile
	id.Username = username
	return id, nil
}
