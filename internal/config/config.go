// Package config parses the daemon's CLI flags into an immutable handle
// threaded by reference from the launcher through the server to every
// session (spec §9 design note: no process-global flag state).
package config

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config is the daemon's fully resolved configuration (spec §6).
type Config struct {
	ListenAddress     string
	ListenPort        int
	ControlCookiePath string
	ControllerAddress string
	PolicyDir         string
	Complain          bool
	Debug             bool
}

const (
	defaultListenAddress  = "localhost"
	defaultListenPort     = 951
	defaultCookiePath     = "/run/tor/control.authcookie"
	defaultControllerAddr = "127.0.0.1:9052"
	defaultPolicyDir      = "/etc/onion-grater.d"
)

// Parse parses args (excluding the program name, i.e. os.Args[1:]) into a
// Config. A bare "debug" token on /proc/cmdline seeds --debug's default the
// way a kernel command-line toggle would (spec SPEC_FULL §1).
func Parse(progName string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	listenAddress := fs.String("listen-address", defaultListenAddress, "bind host")
	listenPort := fs.Int("listen-port", defaultListenPort, "bind port")
	listenInterface := fs.String("listen-interface", "", "if set, bind to this interface's primary IPv4 address instead of --listen-address")
	cookiePath := fs.String("control-cookie-path", defaultCookiePath, "cookie file for upstream controller authentication")
	controllerAddr := fs.String("controller-address", defaultControllerAddr, "upstream controller TCP address")
	policyDir := fs.String("policy-dir", defaultPolicyDir, "directory of *.yml policy files")
	complain := fs.Bool("complain", false, "disable filtering globally; requests are logged but always forwarded")
	debug := fs.Bool("debug", cmdlineHasDebugToken(), "verbose request+response logging")
	version := fs.Bool("version", false, "print the daemon version and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags]\n\nFlags:\n", progName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *version {
		return nil, flag.ErrHelp
	}
	if len(fs.Args()) > 0 {
		return nil, fmt.Errorf("unexpected extra arguments: %v", fs.Args())
	}

	address := *listenAddress
	if strings.TrimSpace(*listenInterface) != "" {
		ip, err := interfaceIPv4(*listenInterface)
		if err != nil {
			return nil, err
		}
		address = ip
	}

	if *listenPort < 1 || *listenPort > 65535 {
		return nil, fmt.Errorf("invalid --listen-port %d", *listenPort)
	}

	return &Config{
		ListenAddress:     address,
		ListenPort:        *listenPort,
		ControlCookiePath: *cookiePath,
		ControllerAddress: *controllerAddr,
		PolicyDir:         *policyDir,
		Complain:          *complain,
		Debug:             *debug,
	}, nil
}

// ListenAddr renders the resolved bind address for net.Listen.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

func interfaceIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("resolve --listen-interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("list addresses for interface %q: %w", name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("interface %q has no IPv4 address", name)
}

// cmdlineHasDebugToken scans /proc/cmdline for a bare "debug" token, used
// to seed --debug's default when the flag is not explicitly given.
func cmdlineHasDebugToken() bool {
	f, err := os.Open("/proc/cmdline")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		if scanner.Text() == "debug" {
			return true
		}
	}
	return false
}
