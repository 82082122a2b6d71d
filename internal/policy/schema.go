package policy

import (
	"fmt"
)

// rawDocument is the on-disk YAML shape of a single policy file, matching
// spec §3 verbatim. Parsing (out of core scope per spec §1) is delegated to
// gopkg.in/yaml.v2 by the caller; this file only normalizes the decoded
// structure into the immutable Policy the rest of the system consumes.
type rawDocument struct {
	Name                 string                  `yaml:"name"`
	ApparmorProfiles     []string                `yaml:"apparmor_profiles"`
	Users                []string                `yaml:"users"`
	Hosts                []string                `yaml:"hosts"`
	Commands             map[string][]rawArgRule `yaml:"commands"`
	Confs                map[string][]string     `yaml:"confs"`
	Events               map[string]rawEventRule `yaml:"events"`
	RestrictStreamEvents bool                    `yaml:"restrict_stream_events"`
}

// rawArgRule accepts either a bare pattern string or a full mapping, per
// spec §3: "When provided as a bare string in source form, it is equivalent
// to {pattern: that_string}."
type rawArgRule struct {
	Pattern     string           `yaml:"pattern"`
	Replacement string           `yaml:"replacement"`
	Response    []rawRewriteRule `yaml:"response"`
}

func (r *rawArgRule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var asString string
	if err := unmarshal(&asString); err == nil {
		r.Pattern = asString
		return nil
	}

	type plain rawArgRule
	var p plain
	if err := unmarshal(&p); err != nil {
		return fmt.Errorf("arg rule must be a string or a mapping: %w", err)
	}
	*r = rawArgRule(p)
	return nil
}

type rawRewriteRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type rawEventRule struct {
	Suppress bool             `yaml:"suppress"`
	Response []rawRewriteRule `yaml:"response"`
}

func normalizeRewriteRules(in []rawRewriteRule) ([]RewriteRule, error) {
	out := make([]RewriteRule, 0, len(in))
	for _, rr := range in {
		compiled, err := compileAnchored(rr.Pattern, false)
		if err != nil {
			return nil, fmt.Errorf("response rewrite rule %q: %w", rr.Pattern, err)
		}
		out = append(out, RewriteRule{
			Pattern:     rr.Pattern,
			Replacement: rr.Replacement,
			compiled:    compiled,
		})
	}
	return out, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
