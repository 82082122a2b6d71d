// Package controller maintains the resilient authenticated connection to
// the real Tor-style controller on behalf of a single session: connect,
// cookie authentication, request/response, and event listener registration,
// transparently reconnecting on transport failure (spec §4.5).
package controller

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EventSink receives the raw multi-line payload of a single controller
// event (spec §9 design note: "a small interface EventSink whose one
// method receives a raw event payload; each subscription owns its sink").
type EventSink interface {
	HandleEvent(name, payload string)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(name, payload string)

// HandleEvent implements EventSink.
func (f EventSinkFunc) HandleEvent(name, payload string) { f(name, payload) }

// Link owns one authenticated TCP connection to the controller. Concurrent
// Request calls (such as a session's errgroup subscription fan-out) are
// serialized by sendMu and run one after another; event dispatch runs
// concurrently with Request on the read-loop goroutine.
type Link struct {
	addr       string
	cookiePath string

	// OnReconnect, if set, is invoked synchronously after a successful
	// recovery reconnect (event subscriptions already re-installed) and
	// before the triggering operation is retried. Sessions use it purely
	// for observability (metrics, logging): subscription replay is the
	// Link's own responsibility, since l.subscribed survives a reconnect.
	OnReconnect func()

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	version string

	// subMu guards subscribed independently of pendingMu: building and
	// issuing a SETEVENTS line calls Request, which takes pendingMu of
	// its own accord, so the two must never be held as one critical
	// section (that was the old deadlock: AddListener held pendingMu
	// across a Request that tried to take it again).
	subMu      sync.Mutex
	subscribed map[string]EventSink

	pendingMu    sync.Mutex
	pendingReply *pendingReply

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns an unconnected Link. Call Connect before issuing requests.
func New(addr, cookiePath string) *Link {
	return &Link{
		addr:       addr,
		cookiePath: cookiePath,
		subscribed: make(map[string]EventSink),
		closed:     make(chan struct{}),
	}
}

// fourthAttemptBackoff waits zero for the first three connection attempts
// and a flat one second thereafter, per spec §4.5: "retry until success,
// with a one-second backoff starting at the fourth attempt."
type fourthAttemptBackoff struct {
	attempt int
}

func (b *fourthAttemptBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt < 4 {
		return 0
	}
	return time.Second
}

func (b *fourthAttemptBackoff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*fourthAttemptBackoff)(nil)

// Connect dials the controller, retrying indefinitely per fourthAttemptBackoff,
// then authenticates with the cookie file and caches the controller's
// reported version. This is the daemon's initial bring-up path, where
// there is no session yet to give up on.
func (l *Link) Connect() error {
	return l.connect(true)
}

// connect performs the dial/authenticate/fetch-version sequence shared by
// Connect and recover. retryIndefinitely selects fourthAttemptBackoff's
// unbounded retry for initial bring-up; recover instead asks for exactly
// one dial attempt, since spec §4.5/§7 call for a single recovery attempt
// whose failure propagates rather than blocking the session forever.
func (l *Link) connect(retryIndefinitely bool) error {
	var conn net.Conn
	dial := func() error {
		c, err := net.Dial("tcp", l.addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var bo backoff.BackOff = &fourthAttemptBackoff{}
	if !retryIndefinitely {
		bo = backoff.WithMaxRetries(bo, 0)
	}
	if err := backoff.Retry(dial, bo); err != nil {
		return fmt.Errorf("controller: connect to %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.reader = bufio.NewReader(conn)
	l.mu.Unlock()

	go l.readLoop()

	if err := l.authenticate(); err != nil {
		return err
	}

	version, err := l.fetchVersion()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.version = version
	l.mu.Unlock()
	return nil
}

// Version returns the controller's reported Tor version, cached at
// Connect time (spec §4.4 PROTOCOLINFO: "<V> is whatever the controller
// reports").
func (l *Link) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *Link) authenticate() error {
	cookie, err := os.ReadFile(l.cookiePath)
	if err != nil {
		return fmt.Errorf("controller: read cookie %s: %w", l.cookiePath, err)
	}
	line := "AUTHENTICATE " + hex.EncodeToString(cookie) + "\r\n"
	reply, err := l.send(line)
	if err != nil {
		return fmt.Errorf("controller: authenticate: %w", err)
	}
	if !strings.HasPrefix(reply, "250") {
		return fmt.Errorf("controller: authentication rejected: %s", strings.TrimSpace(reply))
	}
	return nil
}

func (l *Link) fetchVersion() (string, error) {
	reply, err := l.send("GETINFO version\r\n")
	if err != nil {
		return "", fmt.Errorf("controller: fetch version: %w", err)
	}
	for _, line := range strings.Split(reply, "\r\n") {
		if strings.HasPrefix(line, "250-version=") {
			return strings.TrimPrefix(line, "250-version="), nil
		}
	}
	return "unknown", nil
}

// Request issues line to the controller and returns its raw multi-line
// reply. On a transport failure it performs exactly one recovery attempt
// (reconnect + reauthenticate, invoking OnReconnect, then retry); a second
// failure propagates (spec §4.5, §7 TransportError).
func (l *Link) Request(line string) (string, error) {
	reply, err := l.send(line)
	if err == nil {
		return reply, nil
	}
	if !isTransportError(err) {
		return "", err
	}

	if recErr := l.recover(); recErr != nil {
		return "", fmt.Errorf("controller: recovery failed after transport error (%v): %w", err, recErr)
	}
	reply, err = l.send(line)
	if err != nil {
		return "", fmt.Errorf("controller: request failed after recovery: %w", err)
	}
	return reply, nil
}

// IsAlive performs the liveness probe backing the session's periodic
// liveness ping (spec §4.5 TOR_CONTROLLER_PING_INTERVAL), and triggers the
// same single recovery attempt as Request when the connection is stale.
func (l *Link) IsAlive() bool {
	if _, err := l.send("GETINFO version\r\n"); err == nil {
		return true
	}
	return l.recover() == nil
}

func (l *Link) recover() error {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()

	if err := l.connect(false); err != nil {
		return err
	}

	if _, err := l.send(l.setEventsLine()); err != nil {
		return fmt.Errorf("controller: resubscribe after reconnect: %w", err)
	}

	if l.OnReconnect != nil {
		l.OnReconnect()
	}
	return nil
}

// AddListener registers sink to receive events named name. The full set of
// currently registered names is re-subscribed with the controller via
// SETEVENTS (idempotent: registering the same name twice keeps one
// registration, P4).
func (l *Link) AddListener(name string, sink EventSink) error {
	l.subMu.Lock()
	l.subscribed[name] = sink
	line := l.setEventsLineLocked()
	l.subMu.Unlock()

	_, err := l.Request(line)
	return err
}

// RemoveListener deregisters name. Deregistration is idempotent: removing
// an unregistered name is a no-op.
func (l *Link) RemoveListener(name string) error {
	l.subMu.Lock()
	if _, ok := l.subscribed[name]; !ok {
		l.subMu.Unlock()
		return nil
	}
	delete(l.subscribed, name)
	line := l.setEventsLineLocked()
	l.subMu.Unlock()

	_, err := l.Request(line)
	return err
}

// setEventsLine builds the current SETEVENTS line under subMu. It never
// holds subMu across the Request it precedes: Request ends up taking
// pendingMu itself (via send), so the two locks must never nest.
func (l *Link) setEventsLine() string {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return l.setEventsLineLocked()
}

func (l *Link) setEventsLineLocked() string {
	names := make([]string, 0, len(l.subscribed))
	for n := range l.subscribed {
		names = append(names, n)
	}
	line := "SETEVENTS"
	if len(names) > 0 {
		line += " " + strings.Join(names, " ")
	}
	return line + "\r\n"
}

// Close tears down the underlying connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.conn != nil {
			err = l.conn.Close()
		}
	})
	return err
}

func isTransportError(err error) bool {
	return err != nil
}
