package controller

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// sendMu serializes the write+wait-for-reply cycle, so concurrent callers
// (a session registers and deregisters event names concurrently) never
// interleave requests. It is package-level: the cycle is serialized across
// every Link in the process, not per connection.
var sendMu sync.Mutex

func (l *Link) send(line string) (string, error) {
	sendMu.Lock()
	defer sendMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("controller: not connected")
	}

	replyCh := make(chan string, 1)
	errCh := make(chan error, 1)
	l.setPending(replyCh, errCh)
	defer l.clearPending()

	if _, err := io.WriteString(conn, line); err != nil {
		return "", fmt.Errorf("controller: write: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case err := <-errCh:
		return "", err
	case <-l.closed:
		return "", fmt.Errorf("controller: connection closed")
	}
}

type pendingReply struct {
	reply chan string
	err   chan error
}

func (l *Link) setPending(reply chan string, err chan error) {
	l.pendingMu.Lock()
	l.pendingReply = &pendingReply{reply: reply, err: err}
	l.pendingMu.Unlock()
}

func (l *Link) clearPending() {
	l.pendingMu.Lock()
	l.pendingReply = nil
	l.pendingMu.Unlock()
}

// readLoop owns all reads from the controller connection: it demultiplexes
// asynchronous events (status 650) from the reply to whatever request is
// currently pending, and runs as the session's background event-delivery
// thread (spec §5).
func (l *Link) readLoop() {
	l.mu.Lock()
	reader := l.reader
	l.mu.Unlock()

	for {
		block, code, err := readReplyBlock(reader)
		if err != nil {
			l.failPending(err)
			return
		}

		if code == "650" {
			l.dispatchEvent(block)
			continue
		}
		l.deliverReply(block)
	}
}

func (l *Link) deliverReply(block string) {
	l.pendingMu.Lock()
	p := l.pendingReply
	l.pendingMu.Unlock()
	if p == nil {
		// No request is waiting for this reply; drop it rather than block
		// forever, since there is nowhere to deliver it.
		return
	}
	select {
	case p.reply <- block:
	default:
	}
}

func (l *Link) failPending(err error) {
	l.pendingMu.Lock()
	p := l.pendingReply
	l.pendingMu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.err <- err:
	default:
	}
}

func (l *Link) dispatchEvent(block string) {
	firstLine := block
	if idx := strings.Index(block, "\r\n"); idx >= 0 {
		firstLine = block[:idx]
	}
	fields := strings.Fields(firstLine)
	if len(fields) < 2 {
		return
	}
	name := strings.ToUpper(fields[1])

	l.subMu.Lock()
	sink := l.subscribed[name]
	l.subMu.Unlock()
	if sink == nil {
		return
	}
	sink.HandleEvent(name, block)
}

// readReplyBlock reads one complete reply (possibly multi-line, possibly
// containing "+"-introduced data segments terminated by a lone "."),
// returning its full CRLF-joined text and the three-digit status code of
// its first line.
func readReplyBlock(reader *bufio.Reader) (string, string, error) {
	var lines []string
	var code string

	for {
		line, err := readLine(reader)
		if err != nil {
			return "", "", err
		}
		if len(line) < 4 {
			return "", "", fmt.Errorf("controller: malformed reply line %q", line)
		}
		if code == "" {
			code = line[:3]
		}
		lines = append(lines, line)
		sep := line[3]

		switch sep {
		case ' ':
			return strings.Join(lines, "\r\n") + "\r\n", code, nil
		case '-':
			continue
		case '+':
			for {
				dataLine, err := readLine(reader)
				if err != nil {
					return "", "", err
				}
				lines = append(lines, dataLine)
				if dataLine == "." {
					break
				}
			}
			continue
		default:
			return "", "", fmt.Errorf("controller: malformed reply separator in %q", line)
		}
	}
}

func readLine(reader *bufio.Reader) (string, error) {
	raw, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}
