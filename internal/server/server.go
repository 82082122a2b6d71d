// Package server runs the accept loop: it binds the listening socket,
// resolves each accepted connection's client identity, matches it to a
// policy, opens a controller link, and hands the connection to a Session
// (spec §2 Server, §6 External Interfaces).
package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nabijaczleweli/onion-grater/internal/config"
	"github.com/nabijaczleweli/onion-grater/internal/controller"
	"github.com/nabijaczleweli/onion-grater/internal/identity"
	"github.com/nabijaczleweli/onion-grater/internal/match"
	"github.com/nabijaczleweli/onion-grater/internal/policy"
	"github.com/nabijaczleweli/onion-grater/internal/session"
	"github.com/nabijaczleweli/onion-grater/internal/telemetry"
)

// Server accepts TCP connections on the configured listen address and
// binds one Session per connection, run concurrently (spec §5: one OS
// thread per client session).
type Server struct {
	cfg      *config.Config
	store    *policy.Store
	resolver *identity.Resolver
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// New builds a Server over an already-loaded policy store.
func New(cfg *config.Config, store *policy.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		resolver: identity.NewResolver(),
		logger:   logger,
		metrics:  metrics,
	}
}

// listenConfig sets SO_REUSEADDR explicitly on the listening socket so
// restarts across TIME_WAIT succeed (spec §6), even though Go's default
// listener already does this on most platforms — made explicit here the
// way the teacher marks its own outgoing sockets via a Control callback
// (internal/proxy.createMarkedDialer).
var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	},
}

// Run binds the listen address and accepts connections until Accept fails,
// then returns that error. The listener is private to Run; on SIGINT/SIGTERM
// the launcher exits the process without Run returning.
func (s *Server) Run() error {
	ln, err := listenConfig.Listen(bgCtx, "tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	defer ln.Close()

	s.logger.Event("server.listening",
		"address", s.cfg.ListenAddr(),
		"controller", s.cfg.ControllerAddress,
		"policies", fmt.Sprintf("%d", len(s.store.Policies())),
		"complain", fmt.Sprintf("%t", s.cfg.Complain),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handle(conn)
	}
}

// handle identifies, matches, and binds a single accepted connection to a
// Session. Any failure before the Session loop starts closes the connection
// without a client-visible response (spec §4.2, §4.3, §7 ConfigError); every
// such failure is logged except identity.ErrClientGone, which is dropped
// silently.
func (s *Server) handle(conn net.Conn) {
	id, err := s.resolver.Resolve(conn)
	if err != nil {
		if err != identity.ErrClientGone {
			s.logger.Event("connection.identify_error", "err", err.Error())
		}
		conn.Close()
		return
	}

	pol, err := match.Match(s.store, id)
	if err != nil {
		s.logger.Event("connection.config_error", "err", err.Error())
		conn.Close()
		return
	}

	honorStreamRestriction := id.IsLoopback || id.LocalVeth
	rules := policy.Compile(pol, honorStreamRestriction)

	link := controller.New(s.cfg.ControllerAddress, s.cfg.ControlCookiePath)
	if err := link.Connect(); err != nil {
		s.logger.Event("controller.connect_error", "err", err.Error())
		conn.Close()
		return
	}

	sess := session.New(conn, rules, link, id, s.logger, s.metrics, s.cfg.Complain)
	link.OnReconnect = func() {
		s.metrics.Reconnect(bgCtx)
		s.logger.Event("controller.reconnected")
	}
	sess.Run()
}

var bgCtx = context.Background()
