package session

import (
	"sort"
	"strings"
)

// HandleEvent implements controller.EventSink. It runs on the
// ControllerLink's background event-delivery goroutine (spec §5): one
// shared sink per session handles every subscribed event name, dispatching
// internally on name.
func (s *Session) HandleEvent(name, payload string) {
	streamForward := true
	switch name {
	case "CIRC":
		s.trackCirc(payload)
	case "STREAM":
		if s.rules.RestrictStreamEvents {
			streamForward = s.trackStream(payload)
			if !streamForward {
				s.logger.Debugf("session=%s event=stream.dropped reason=not_owned payload=%q", s.id, strings.TrimSpace(payload))
			}
		}
	}

	s.mu.Lock()
	_, subscribed := s.subscribedEvents[name]
	s.mu.Unlock()
	if !subscribed || (name == "STREAM" && s.rules.RestrictStreamEvents && !streamForward) {
		return
	}

	rule := s.rules.AllowedEvents[name]
	if rule.Suppress && !s.complain {
		s.metrics.EventSuppressed(bgCtx)
		return
	}

	out := payload
	if len(rule.Response) > 0 {
		rewritten, err := s.rewriteMultiline(rule.Response, payload)
		if err != nil {
			s.log("event.rewrite_error", "name", name, "err", err.Error())
			return
		}
		out = rewritten
	}
	if strings.TrimSpace(out) == "" {
		return
	}
	if err := s.writeLine(out); err != nil {
		s.log("event.write_error", "name", name, "err", err.Error())
	}
}

// trackStream implements spec §4.4.3's stream-ownership filter. It
// returns whether the event should be considered for client forwarding
// (subject to further subscription/suppress checks).
func (s *Session) trackStream(payload string) bool {
	id, status, circID, sourceAddr, ok := parseStreamEvent(payload)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, owned := s.ownedStreamIDs[id]; owned {
		if circID != "" {
			s.streamCircuit[id] = circID
		}
		if status == "FAILED" || status == "CLOSED" {
			delete(s.ownedStreamIDs, id)
			delete(s.streamCircuit, id)
		}
		return true
	}

	if (status == "NEW" || status == "NEWRESOLVE") && sourceAddr != "" && sourceAddr == s.clientAddr {
		s.ownedStreamIDs[id] = struct{}{}
		if circID != "" {
			s.streamCircuit[id] = circID
		}
		return true
	}

	return false
}

// trackCirc caches the most recent CIRC line for its circuit ID, run
// unconditionally so GETINFO circuit-status can be synthesized regardless
// of whether the client itself subscribed to CIRC (spec §4.4.1).
func (s *Session) trackCirc(payload string) {
	line := firstLineOf(payload)
	const prefix = "650 CIRC "
	if !strings.HasPrefix(line, prefix) {
		return
	}
	rest := strings.TrimPrefix(line, prefix)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	circID := fields[0]

	s.mu.Lock()
	s.circuitStatus[circID] = rest
	s.mu.Unlock()
}

// synthesizeCircuitStatus renders the circuit-status lines for every
// circuit referenced by a currently owned stream (spec §4.4.1 special
// case).
func (s *Session) synthesizeCircuitStatus() string {
	s.mu.Lock()
	circuitIDs := make(map[string]struct{}, len(s.streamCircuit))
	for _, circID := range s.streamCircuit {
		circuitIDs[circID] = struct{}{}
	}
	ids := make([]string, 0, len(circuitIDs))
	for id := range circuitIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		if line, ok := s.circuitStatus[id]; ok {
			lines = append(lines, line)
		}
	}
	s.mu.Unlock()

	if len(lines) == 0 {
		return "250 OK\r\n"
	}
	return strings.Join(lines, "\r\n") + "\r\n.\r\n250 OK\r\n"
}

// parseStreamEvent extracts the fields of a "650 STREAM ..." line needed
// for ownership tracking: stream ID, status, owning circuit ID, and the
// SOURCE_ADDR= keyword argument (present on NEW/NEWRESOLVE events), per
// spec §4.4.3. sourceAddr is kept as the full "ip:port" the controller
// reports, matched verbatim against Session.clientAddr (Invariant 5 keys
// ownership on client.remote_address, port included, not the bare host:
// two loopback clients share an IP and are told apart only by port).
func parseStreamEvent(payload string) (id, status, circID, sourceAddr string, ok bool) {
	fields := strings.Fields(firstLineOf(payload))
	if len(fields) < 5 || fields[0] != "650" || fields[1] != "STREAM" {
		return "", "", "", "", false
	}
	id, status, circID = fields[2], fields[3], fields[4]
	for _, f := range fields[5:] {
		if addr, found := strings.CutPrefix(f, "SOURCE_ADDR="); found {
			sourceAddr = addr
			break
		}
	}
	return id, status, circID, sourceAddr, true
}

func firstLineOf(block string) string {
	if idx := strings.Index(block, "\r\n"); idx >= 0 {
		return block[:idx]
	}
	return block
}
