package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"gopkg.in/yaml.v2"
)

// Store is an immutable, in-memory collection of policies loaded once at
// startup (spec §4.1). It is safe for concurrent read access by every
// session goroutine.
type Store struct {
	policies []*Policy
}

// Policies returns the loaded policy set in load order. Callers must not
// mutate the returned slice or its elements.
func (s *Store) Policies() []*Policy {
	return s.policies
}

// NewStore wraps an already-built policy slice in a Store, bypassing disk
// loading. Used by tests and by callers that construct policies
// programmatically rather than from YAML files.
func NewStore(policies []*Policy) *Store {
	return &Store{policies: policies}
}

// Load reads every *.yml file directly under dir, parses and normalizes it
// into a Policy, and returns the resulting immutable Store. Per spec §6/§7,
// a parse error on one file is logged and that file is skipped; the rest of
// the directory still loads. onSkip, if non-nil, receives a human-readable
// reason for each skipped file (the caller is expected to log it - parsing
// and logging policy is external to this package per spec §1).
func Load(dir string, onSkip func(path string, err error)) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy directory %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	store := &Store{}
	for _, name := range names {
		path, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			if onSkip != nil {
				onSkip(filepath.Join(dir, name), fmt.Errorf("resolve path: %w", err))
			}
			continue
		}

		pol, err := parseFile(path)
		if err != nil {
			if onSkip != nil {
				onSkip(path, err)
			}
			continue
		}
		store.policies = append(store.policies, pol)
	}
	return store, nil
}

func parseFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return normalize(path, &raw)
}

// normalize applies spec §4.1's promotions: default name from the file's
// base name, string->{pattern} command promotion (handled already by
// rawArgRule.UnmarshalYAML), and upper-casing of verb and event keys.
func normalize(path string, raw *rawDocument) (*Policy, error) {
	name := raw.Name
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	pol := &Policy{
		Name:                 name,
		ApparmorProfiles:     toSet(raw.ApparmorProfiles),
		Users:                toSet(raw.Users),
		Hosts:                toSet(raw.Hosts),
		Commands:             make(map[string][]ArgRule),
		Confs:                make(map[string][]string),
		Events:               make(map[string]EventRule),
		RestrictStreamEvents: raw.RestrictStreamEvents,
		SourcePath:           path,
	}

	for verb, rawRules := range raw.Commands {
		verb = strings.ToUpper(verb)
		rules := make([]ArgRule, 0, len(rawRules))
		for _, rr := range rawRules {
			compiled, err := compilePattern(rr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%s: command %s: %w", path, verb, err)
			}
			response, err := normalizeRewriteRules(rr.Response)
			if err != nil {
				return nil, fmt.Errorf("%s: command %s: %w", path, verb, err)
			}
			rules = append(rules, ArgRule{
				Pattern:     rr.Pattern,
				Replacement: rr.Replacement,
				Response:    response,
				compiled:    compiled,
			})
		}
		pol.Commands[verb] = rules
	}

	for key, values := range raw.Confs {
		pol.Confs[strings.ToLower(key)] = values
	}

	for event, rawRule := range raw.Events {
		response, err := normalizeRewriteRules(rawRule.Response)
		if err != nil {
			return nil, fmt.Errorf("%s: event %s: %w", path, event, err)
		}
		pol.Events[strings.ToUpper(event)] = EventRule{
			Suppress: rawRule.Suppress,
			Response: response,
		}
	}

	return pol, nil
}
