package policy

import (
	"regexp"
	"sort"
	"strings"
)

// CompiledRules is the per-session rule table derived from the matched
// Policy (spec §3, §4.1). It is produced once per session by Compile and
// never mutated afterward.
type CompiledRules struct {
	AllowedCommands      map[string][]ArgRule
	AllowedEvents        map[string]EventRule
	RestrictStreamEvents bool
}

// Compile expands pol into a flat rule table, synthesizing GETCONF and
// SETCONF entries from pol.Confs (spec §4.1). A nil pol produces the empty
// rule table used when no policy matched a client (spec Invariant 1).
// honorStreamRestriction must be false for clients that are neither
// loopback nor local-veth (spec Invariant 2); the caller supplies that
// determination since it depends on client identity, not policy content.
func Compile(pol *Policy, honorStreamRestriction bool) *CompiledRules {
	if pol == nil {
		return &CompiledRules{
			AllowedCommands: map[string][]ArgRule{},
			AllowedEvents:   map[string]EventRule{},
		}
	}

	commands := make(map[string][]ArgRule, len(pol.Commands)+2)
	for verb, rules := range pol.Commands {
		cp := make([]ArgRule, len(rules))
		copy(cp, rules)
		commands[verb] = cp
	}

	if getconf := synthesizeGetconf(pol.Confs); getconf != nil {
		commands["GETCONF"] = []ArgRule{*getconf}
	}
	if setconf := synthesizeSetconf(pol.Confs); setconf != nil {
		commands["SETCONF"] = []ArgRule{*setconf}
	}

	events := make(map[string]EventRule, len(pol.Events))
	for name, rule := range pol.Events {
		events[name] = rule
	}

	return &CompiledRules{
		AllowedCommands:      commands,
		AllowedEvents:        events,
		RestrictStreamEvents: pol.RestrictStreamEvents && honorStreamRestriction,
	}
}

// synthesizeGetconf builds the single ArgRule admitting any one configured
// key, case-insensitively (spec §4.1: "a single rule whose pattern is a
// case-insensitive alternation over all keys in confs").
func synthesizeGetconf(confs map[string][]string) *ArgRule {
	if len(confs) == 0 {
		return nil
	}
	keys := sortedKeys(confs)
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	pattern := "(?i:" + strings.Join(quoted, "|") + ")"
	compiled, err := compilePattern(pattern)
	if err != nil {
		return nil
	}
	return &ArgRule{Pattern: pattern, compiled: compiled}
}

// synthesizeSetconf builds the single ArgRule admitting a whitespace
// separated sequence of bare keys (reset, only where the confs value list
// contains the empty string) and/or key=value assignments (where value is
// restricted to the policy-permitted alternation), per spec §4.1. Returns
// nil when no key in confs permits either reset or assignment.
func synthesizeSetconf(confs map[string][]string) *ArgRule {
	keys := sortedKeys(confs)
	var alternatives []string
	for _, key := range keys {
		values := confs[key]
		quotedKey := regexp.QuoteMeta(key)

		canReset := false
		var assignable []string
		for _, v := range values {
			if v == "" {
				canReset = true
				continue
			}
			assignable = append(assignable, regexp.QuoteMeta(v))
		}

		if canReset {
			alternatives = append(alternatives, "(?i:"+quotedKey+")")
		}
		if len(assignable) > 0 {
			alternatives = append(alternatives, "(?i:"+quotedKey+")=(?:"+strings.Join(assignable, "|")+")")
		}
	}

	if len(alternatives) == 0 {
		return nil
	}

	one := "(?:" + strings.Join(alternatives, "|") + ")"
	pattern := one + `(?:\s+` + one + `)*`
	compiled, err := compilePattern(pattern)
	if err != nil {
		return nil
	}
	return &ArgRule{Pattern: pattern, compiled: compiled}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
