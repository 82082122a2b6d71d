//go:build !linux

package identity

import (
	"fmt"
	"net"
)

// lookupProcessByLocalAddr has no portable implementation outside Linux's
// /proc filesystem; non-Linux builds always report the owning process as
// not found, which per spec §4.2 aborts the session silently rather than
// misidentifying the client.
func lookupProcessByLocalAddr(addr net.TCPAddr) (int, error) {
	return 0, fmt.Errorf("identity: loopback process lookup is not supported on this platform")
}

func readApparmorProfile(pid int) (string, error) {
	return "", fmt.Errorf("identity: apparmor profiles are not available on this platform")
}

func readUsername(pid int) (string, error) {
	return "", fmt.Errorf("identity: username lookup is not available on this platform")
}
