// Package match selects at most one Policy from a Store for a given client
// identity (spec §4.3).
package match

import (
	"fmt"

	"github.com/nabijaczleweli/onion-grater/internal/identity"
	"github.com/nabijaczleweli/onion-grater/internal/policy"
)

// ErrAmbiguous is returned when more than one policy matches a client
// identity. Per spec Invariant 1 and §9 ("Open questions"), this is a fatal
// configuration error for the session: the caller must abort the session
// silently (operator-visible log, no client-visible response) rather than
// invent a response.
type ErrAmbiguous struct {
	Matched []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("policy: identity matched more than one policy: %v", e.Matched)
}

// Match returns the single Policy matching id, nil if none match (an empty
// rule table results, per Invariant 1), or *ErrAmbiguous if more than one
// matches.
func Match(store *policy.Store, id *identity.Identity) (*policy.Policy, error) {
	var matched []*policy.Policy
	for _, pol := range store.Policies() {
		if matches(pol, id) {
			matched = append(matched, pol)
		}
	}

	switch len(matched) {
	case 0:
		return nil, nil
	case 1:
		return matched[0], nil
	default:
		names := make([]string, len(matched))
		for i, m := range matched {
			names[i] = m.Name
		}
		return nil, &ErrAmbiguous{Matched: names}
	}
}

// matches implements spec §4.3: for every relevant qualifier (apparmor
// profiles + users for loopback; hosts for remote) at least one listed
// value must equal the identity's value or be "*".
func matches(pol *policy.Policy, id *identity.Identity) bool {
	if id.IsLoopback {
		return setMatches(pol.ApparmorProfiles, id.ApparmorProfile) &&
			setMatches(pol.Users, id.Username)
	}
	return setMatches(pol.Hosts, id.Host)
}

func setMatches(set map[string]struct{}, value string) bool {
	if len(set) == 0 {
		return false
	}
	if _, ok := set["*"]; ok {
		return true
	}
	_, ok := set[value]
	return ok
}
