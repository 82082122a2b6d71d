package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// compileAnchored compiles a policy-authored regex pattern. Every pattern
// is anchored at the start, mirroring the source implementation's use of a
// match-at-start regex primitive. anchorEnd additionally requires the
// pattern to consume the whole string, per spec §4.4.1: "the first ArgRule
// whose pattern$-anchored regex matches A". Response/event rewrite rules
// are not required to consume the whole line, since a rule such as
// {pattern: "250-address=.*"} is customarily written to do that itself.
func compileAnchored(pattern string, anchorEnd bool) (*regexp.Regexp, error) {
	anchored := "^(?:" + pattern + ")"
	if anchorEnd {
		anchored += "$"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

// compilePattern is the full-match (start- and end-anchored) compilation
// used for ArgRule patterns and their joined-line reconstruction.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return compileAnchored(pattern, true)
}

// Compiled returns the rule's anchored regexp, compiling it lazily and
// caching the result. Callers must treat the returned value as read-only.
func (r *ArgRule) Compiled() (*regexp.Regexp, error) {
	if r.compiled == nil {
		compiled, err := compileAnchored(r.Pattern, true)
		if err != nil {
			return nil, err
		}
		r.compiled = compiled
	}
	return r.compiled, nil
}

// Compiled returns the rewrite rule's start-anchored regexp.
func (r *RewriteRule) Compiled() (*regexp.Regexp, error) {
	if r.compiled == nil {
		compiled, err := compileAnchored(r.Pattern, false)
		if err != nil {
			return nil, err
		}
		r.compiled = compiled
	}
	return r.compiled, nil
}

// Placeholders carries the per-session substitution values available to
// every template expansion in addition to positional regex captures
// (spec §4.4.1: "{client-address}, {client-port}, {server-address},
// {server-port}").
type Placeholders struct {
	ClientAddress string
	ClientPort    string
	ServerAddress string
	ServerPort    string
}

var namedPlaceholder = regexp.MustCompile(`\{(client-address|client-port|server-address|server-port)\}`)

func (p Placeholders) expand(template string) string {
	return namedPlaceholder.ReplaceAllStringFunc(template, func(tok string) string {
		switch tok {
		case "{client-address}":
			return p.ClientAddress
		case "{client-port}":
			return p.ClientPort
		case "{server-address}":
			return p.ServerAddress
		case "{server-port}":
			return p.ServerPort
		default:
			return tok
		}
	})
}

// RewriteLine applies the first matching rule of rules to line, returning
// the rewritten line and true on the first match (P3: "at most one rule
// rewrites a given line, and it is the earliest-listed matching one").
// Non-matching input is returned unchanged with ok=false so callers can
// pass it through verbatim.
func RewriteLine(rules []RewriteRule, line string, ph Placeholders) (string, bool, error) {
	for i := range rules {
		re, err := rules[i].Compiled()
		if err != nil {
			return "", false, err
		}
		if !re.MatchString(line) {
			continue
		}
		expanded := ph.expand(rules[i].Replacement)
		return re.ReplaceAllString(line, expanded), true, nil
	}
	return line, false, nil
}

// RewriteArgLine reconstructs the full rewritten client line for a matched
// ArgRule, per spec §4.4.1: a full-line rule {pattern: V+SEP+rule.Pattern,
// replacement: V+SEP+rule.Replacement} applied to the original line. sep is
// the original separator whitespace between verb and argument, preserved so
// unchanged lines round-trip byte-exact.
func RewriteArgLine(rule *ArgRule, verb, sep, line string, ph Placeholders) (string, error) {
	trailer := ""
	body := line
	if strings.HasSuffix(body, "\r\n") {
		trailer = "\r\n"
		body = strings.TrimSuffix(body, "\r\n")
	}

	joinedPattern := regexp.QuoteMeta(verb) + regexp.QuoteMeta(sep) + rule.Pattern
	re, err := compilePattern(joinedPattern)
	if err != nil {
		return "", fmt.Errorf("internal error: joined pattern %q does not compile: %w", joinedPattern, err)
	}
	if !re.MatchString(body) {
		return "", fmt.Errorf("internal error: arg rule matched %q in isolation but the joined form %q did not match %q", rule.Pattern, joinedPattern, body)
	}
	replacement := verb + sep + ph.expand(rule.Replacement)
	return re.ReplaceAllString(body, replacement) + trailer, nil
}
