package session

import (
	"fmt"
	"strings"
)

// dispatch routes one parsed client line to its handler (spec §4.4,
// dispatch table). It returns quit=true when the session should end.
func (s *Session) dispatch(verb, sep, argStr, rawLine string) (bool, error) {
	switch verb {
	case "PROTOCOLINFO":
		return false, s.handleProtocolInfo(argStr)
	case "AUTHENTICATE":
		return false, s.writeLine("250 OK\r\n")
	case "TAKEOWNERSHIP", "RESETCONF":
		return false, s.writeLine("250 OK\r\n")
	case "QUIT":
		if err := s.writeLine("250 closing connection\r\n"); err != nil {
			return true, wrapErr(ClientDisconnect, err)
		}
		return true, nil
	case "SETEVENTS":
		return false, s.setEvents(argStr)
	default:
		return false, s.ruleLookup(verb, sep, argStr, rawLine)
	}
}

// handleProtocolInfo synthesizes the canned multi-line PROTOCOLINFO reply
// (spec §4.4 dispatch table, scenario 1): the controller is never
// consulted.
func (s *Session) handleProtocolInfo(argStr string) error {
	ver := strings.TrimSpace(argStr)
	if ver == "" {
		ver = "1"
	}
	reply := fmt.Sprintf(
		"250-PROTOCOLINFO %s\r\n250-AUTH METHODS=NULL\r\n250-VERSION Tor=%q\r\n250 OK\r\n",
		ver, s.link.Version(),
	)
	return s.writeLine(reply)
}

// setEvents implements SETEVENTS (spec §4.4 dispatch table, §4.4.2): every
// token must name an allowed event unless filtering is globally disabled,
// then the subscription set is reconciled against the controller.
func (s *Session) setEvents(argStr string) error {
	tokens := strings.Fields(argStr)
	wanted := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		name := strings.ToUpper(t)
		if _, allowed := s.rules.AllowedEvents[name]; !allowed && !s.complain {
			s.metrics.CommandFiltered(bgCtx)
			s.log("event.filtered", "name", name)
			return s.writeLine("510 Command filtered\r\n")
		}
		wanted[name] = struct{}{}
	}

	s.mu.Lock()
	old := s.subscribedEvents
	s.subscribedEvents = wanted
	s.mu.Unlock()

	if err := s.reconcileSubscriptions(old, wanted); err != nil {
		return wrapErr(TransportError, err)
	}
	return s.writeLine("250 OK\r\n")
}

func (s *Session) alwaysTracked(name string) bool {
	return s.rules.RestrictStreamEvents && (name == "STREAM" || name == "CIRC")
}
