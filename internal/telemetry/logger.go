// Package telemetry provides the daemon's structured logging and metrics:
// an append-only key=value line logger for per-request decisions, and a set
// of OpenTelemetry counters recorded into an in-process manual reader.
package telemetry

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logger writes append-only key=value diagnostic lines (filtered commands
// and events, reconnects, session and connection errors; dropped stream
// events through Debugf). It is safe for concurrent use by every session
// goroutine.
type Logger struct {
	mutex  sync.Mutex
	debug  bool
	stdlib *log.Logger
}

// NewLogger returns a Logger writing through the standard library's log
// package (process-level diagnostics share its timestamp/prefix handling,
// same as the daemon's own startup and fatal-error logging). debug gates
// Debugf output; Event always writes its line.
func NewLogger(stdlib *log.Logger, debug bool) *Logger {
	return &Logger{stdlib: stdlib, debug: debug}
}

// Debug reports whether verbose per-request logging is enabled.
func (l *Logger) Debug() bool {
	if l == nil {
		return false
	}
	return l.debug
}

// Event writes one key=value line built from the ordered pairs in fields
// (an odd-length list keeps its trailing key with an empty value).
func (l *Logger) Event(event string, fields ...string) {
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(event)
	for i := 0; i < len(fields); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fields[i])
		b.WriteByte('=')
		if i+1 < len(fields) {
			b.WriteString(fields[i+1])
		}
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stdlib.Println(b.String())
}

// Debugf logs a free-form message only when debug logging is enabled,
// matching the --debug flag's "verbose request+response log" contract.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.debug {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stdlib.Println(fmt.Sprintf(format, args...))
}
