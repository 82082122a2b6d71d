// Package session drives the per-client protocol state machine: reading
// one request at a time, filtering and rewriting it against the matched
// policy's compiled rules, proxying to the controller, and fanning in
// permitted events (spec §4.4, §5).
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nabijaczleweli/onion-grater/internal/controller"
	"github.com/nabijaczleweli/onion-grater/internal/identity"
	"github.com/nabijaczleweli/onion-grater/internal/policy"
	"github.com/nabijaczleweli/onion-grater/internal/telemetry"
)

const (
	// maxLineSize bounds a single client request line (spec §4.4: "bounded
	// by a maximum size (10 KiB)").
	maxLineSize = 10 * 1024

	// livenessInterval is TOR_CONTROLLER_PING_INTERVAL (spec §4.5):
	// realised as the client read's own timeout, looping back to check
	// controller liveness.
	livenessInterval = 1 * time.Second
)

var (
	errReadTimeout = errors.New("session: client read timed out")
	errLineTooLong = errors.New("session: client line exceeds maximum size")
)

// Session is the per-client protocol driver. It owns the client socket,
// the compiled rule table (by value/reference), and a ControllerLink
// handle, for the lifetime of one connection (spec §9 design note).
type Session struct {
	id       string
	conn     net.Conn
	rules    *policy.CompiledRules
	link     *controller.Link
	identity *identity.Identity
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	complain bool

	placeholders policy.Placeholders

	// clientAddr is the client's full "ip:port" remote address, matched
	// against a STREAM event's SOURCE_ADDR= verbatim (spec §4.4.3,
	// Invariant 5 keys ownership on client.remote_address, not bare IP:
	// two loopback clients from different ephemeral ports must not see
	// each other's streams).
	clientAddr string

	writeMu sync.Mutex

	mu                   sync.Mutex
	subscribedEvents     map[string]struct{}
	controllerRegistered map[string]struct{}
	ownedStreamIDs       map[string]struct{}
	streamCircuit        map[string]string
	circuitStatus        map[string]string
}

// New builds a Session bound to conn, using rules as its compiled rule
// table and link as its authenticated controller connection. Both are
// owned by the returned Session for its lifetime.
func New(conn net.Conn, rules *policy.CompiledRules, link *controller.Link, id *identity.Identity, logger *telemetry.Logger, metrics *telemetry.Metrics, complain bool) *Session {
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)

	ph := policy.Placeholders{}
	clientAddr := ""
	if remote != nil {
		ph.ClientAddress = remote.IP.String()
		ph.ClientPort = fmt.Sprintf("%d", remote.Port)
		clientAddr = remote.String()
	}
	if local != nil {
		ph.ServerAddress = local.IP.String()
		ph.ServerPort = fmt.Sprintf("%d", local.Port)
	}

	return &Session{
		id:                   uuid.NewString(),
		conn:                 conn,
		rules:                rules,
		link:                 link,
		identity:             id,
		logger:               logger,
		metrics:              metrics,
		complain:             complain,
		placeholders:         ph,
		clientAddr:           clientAddr,
		subscribedEvents:     make(map[string]struct{}),
		controllerRegistered: make(map[string]struct{}),
		ownedStreamIDs:       make(map[string]struct{}),
		streamCircuit:        make(map[string]string),
		circuitStatus:        make(map[string]string),
	}
}

// Run drives the session to completion: it blocks until the client
// disconnects, an unrecoverable transport error occurs, or QUIT is
// received, then tears down cleanly.
func (s *Session) Run() {
	defer s.teardown()

	if s.rules.RestrictStreamEvents {
		var eg errgroup.Group
		eg.Go(func() error { return s.registerAtController("CIRC") })
		eg.Go(func() error { return s.registerAtController("STREAM") })
		if err := eg.Wait(); err != nil {
			s.log("session.start_error", "err", err.Error())
			return
		}
	}

	reader := bufio.NewReaderSize(s.conn, maxLineSize)
	for {
		line, err := s.readClientLine(reader)
		if err != nil {
			switch {
			case errors.Is(err, errReadTimeout):
				if !s.link.IsAlive() {
					s.log("controller.unreachable")
					return
				}
				continue
			case errors.Is(err, errLineTooLong):
				s.log("client.oversize_line")
				continue
			default:
				return
			}
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}

		verb, sep, argStr, ok := splitCommand(trimmed)
		if !ok {
			s.log("client.malformed_line")
			continue
		}

		quit, err := s.dispatch(strings.ToUpper(verb), sep, argStr, trimmed+"\r\n")
		if err != nil {
			s.log("session.error", "err", err.Error())
			return
		}
		if quit {
			return
		}
	}
}

// readClientLine reads up to and including the first newline, bounded by
// maxLineSize (spec §4.4: "the socket is peeked and only the bytes up to
// and including the first newline are consumed"). A periodic read timeout
// surfaces as errReadTimeout so the caller can run the liveness check.
func (s *Session) readClientLine(reader *bufio.Reader) (string, error) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(livenessInterval))
		line, err := reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.discardRestOfLine(reader)
				return "", errLineTooLong
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", errReadTimeout
			}
			return "", err
		}
		return string(line), nil
	}
}

// discardRestOfLine resynchronizes the reader after an oversize line by
// reading until the next newline, ignoring further buffer-full errors.
func (s *Session) discardRestOfLine(reader *bufio.Reader) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(livenessInterval))
		_, err := reader.ReadSlice('\n')
		if err == nil || !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

func splitCommand(line string) (verb, sep, argStr string, ok bool) {
	i := 0
	for i < len(line) && !isSpace(line[i]) {
		i++
	}
	if i == 0 {
		return "", "", "", false
	}
	verb = line[:i]
	j := i
	for j < len(line) && isSpace(line[j]) {
		j++
	}
	return verb, line[i:j], line[j:], true
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func (s *Session) teardown() {
	s.mu.Lock()
	names := make([]string, 0, len(s.controllerRegistered))
	for n := range s.controllerRegistered {
		names = append(names, n)
	}
	s.mu.Unlock()

	var eg errgroup.Group
	for _, name := range names {
		name := name
		eg.Go(func() error { return s.deregisterAtController(name) })
	}
	eg.Wait()

	s.link.Close()
	s.conn.Close()
	s.log("session.closed")
}

func (s *Session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write([]byte(line))
	return err
}

func (s *Session) log(event string, fields ...string) {
	all := append([]string{"session", s.id}, fields...)
	s.logger.Event(event, all...)
}

var bgCtx = context.Background()
