package session

import (
	"strings"

	"github.com/nabijaczleweli/onion-grater/internal/policy"
)

// ruleLookup implements spec §4.4.1: scan allowed_commands[verb] in order
// for the first ArgRule whose pattern matches argStr, rewrite the
// argument line and response as that rule specifies, and forward to the
// controller (or synthesize, for GETINFO circuit-status under stream
// scoping).
func (s *Session) ruleLookup(verb, sep, argStr, rawLine string) error {
	rules := s.rules.AllowedCommands[verb]
	var matched *policy.ArgRule
	for i := range rules {
		re, err := rules[i].Compiled()
		if err != nil {
			return wrapErr(InternalError, err)
		}
		if re.MatchString(argStr) {
			matched = &rules[i]
			break
		}
	}

	if matched == nil {
		if s.complain {
			s.metrics.CommandForwarded(bgCtx)
			reply, err := s.link.Request(rawLine)
			if err != nil {
				return wrapErr(TransportError, err)
			}
			return s.writeLine(reply)
		}
		s.metrics.CommandFiltered(bgCtx)
		s.log("command.filtered", "verb", verb)
		return s.writeLine("510 Command filtered\r\n")
	}

	if verb == "GETINFO" && s.rules.RestrictStreamEvents && isCircuitStatusArg(argStr) {
		reply := s.synthesizeCircuitStatus()
		if len(matched.Response) > 0 {
			rewritten, err := s.rewriteMultiline(matched.Response, reply)
			if err != nil {
				return wrapErr(InternalError, err)
			}
			reply = rewritten
		}
		s.metrics.CommandForwarded(bgCtx)
		return s.writeLine(reply)
	}

	outLine := rawLine
	if matched.Replacement != "" {
		rewritten, err := policy.RewriteArgLine(matched, verb, sep, rawLine, s.placeholders)
		if err != nil {
			return wrapErr(InternalError, err)
		}
		outLine = rewritten
	}

	reply, err := s.link.Request(outLine)
	if err != nil {
		return wrapErr(TransportError, err)
	}
	s.metrics.CommandForwarded(bgCtx)

	if len(matched.Response) > 0 {
		rewritten, err := s.rewriteMultiline(matched.Response, reply)
		if err != nil {
			return wrapErr(InternalError, err)
		}
		reply = rewritten
	}
	return s.writeLine(reply)
}

func isCircuitStatusArg(argStr string) bool {
	return strings.EqualFold(strings.TrimSpace(argStr), "circuit-status")
}

// rewriteMultiline applies rules to every CRLF-terminated line of block in
// turn, first-match-wins per line (spec §4.4.1, P3), passing non-matching
// lines through verbatim.
func (s *Session) rewriteMultiline(rules []policy.RewriteRule, block string) (string, error) {
	trimmed := strings.TrimSuffix(block, "\r\n")
	if trimmed == "" {
		return block, nil
	}
	lines := strings.Split(trimmed, "\r\n")
	for i, line := range lines {
		rewritten, _, err := policy.RewriteLine(rules, line, s.placeholders)
		if err != nil {
			return "", err
		}
		lines[i] = rewritten
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}
