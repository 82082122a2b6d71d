//go:build linux

package identity

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// lookupProcessByLocalAddr scans /proc/net/tcp and /proc/net/tcp6 for the
// socket whose local endpoint is addr, then walks /proc/<pid>/fd to find
// the process holding that socket's inode open (spec §4.2: "locate the OS
// process whose local socket endpoint equals R").
func lookupProcessByLocalAddr(addr net.TCPAddr) (int, error) {
	inode, err := findSocketInode(addr)
	if err != nil {
		return 0, err
	}
	return findProcessByInode(inode)
}

func findSocketInode(addr net.TCPAddr) (string, error) {
	files := []string{"/proc/net/tcp", "/proc/net/tcp6"}
	target := encodeAddr(addr)
	for _, path := range files {
		inode, err := scanProcNetTCP(path, target)
		if err == nil {
			return inode, nil
		}
	}
	return "", fmt.Errorf("no socket found for local address %s", addr.String())
}

// encodeAddr renders addr the way /proc/net/tcp{,6} does: big-endian hex IP
// (little-endian word order for IPv4, per the kernel's native int layout)
// and hex port, colon-joined, upper-cased.
func encodeAddr(addr net.TCPAddr) string {
	ip4 := addr.IP.To4()
	var ipHex string
	if ip4 != nil {
		ipHex = fmt.Sprintf("%02X%02X%02X%02X", ip4[3], ip4[2], ip4[1], ip4[0])
	} else {
		ip16 := addr.IP.To16()
		var words [4]uint32
		for w := 0; w < 4; w++ {
			words[w] = uint32(ip16[w*4+3])<<24 | uint32(ip16[w*4+2])<<16 | uint32(ip16[w*4+1])<<8 | uint32(ip16[w*4])
		}
		ipHex = fmt.Sprintf("%08X%08X%08X%08X", words[0], words[1], words[2], words[3])
	}
	return fmt.Sprintf("%s:%04X", ipHex, addr.Port)
}

func scanProcNetTCP(path, target string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localField := fields[1]
		inode := fields[9]
		if strings.EqualFold(localField, target) {
			return inode, nil
		}
	}
	return "", fmt.Errorf("socket %s not found in %s", target, path)
}

func findProcessByInode(inode string) (int, error) {
	wanted := "socket:[" + inode + "]"
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("read /proc: %w", err)
	}

	for _, entry := range procEntries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == wanted {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no process holds socket inode %s", inode)
}

var apparmorProfileLine = regexp.MustCompile(`^(.+) \((?:complain|enforce)\)$`)

// readApparmorProfile reads the kernel's per-process attribute; on a match
// of "<profile> (enforce|complain)" the captured profile name is used,
// otherwise the executable path is the fallback (spec §4.2).
func readApparmorProfile(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/attr/current", pid))
	if err != nil {
		return executablePath(pid)
	}
	line := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if m := apparmorProfileLine.FindStringSubmatch(line); m != nil {
		return m[1], nil
	}
	return executablePath(pid)
}

func executablePath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", fmt.Errorf("read executable path: %w", err)
	}
	return path, nil
}

func readUsername(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return "", fmt.Errorf("read process status: %w", err)
	}
	var uid string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				uid = fields[1]
			}
			break
		}
	}
	if uid == "" {
		return "", fmt.Errorf("Uid field not found for pid %d", pid)
	}
	u, err := user.LookupId(uid)
	if err != nil {
		return "", fmt.Errorf("lookup uid %s: %w", uid, err)
	}
	return u.Username, nil
}
