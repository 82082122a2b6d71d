package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabijaczleweli/onion-grater/internal/identity"
	"github.com/nabijaczleweli/onion-grater/internal/policy"
)

func TestMatchZeroResultsInNilPolicy(t *testing.T) {
	store := policy.NewStore([]*policy.Policy{
		{Name: "other", Users: setOf("alice")},
	})
	id := &identity.Identity{IsLoopback: true, Username: "bob", ApparmorProfile: "unconfined"}

	pol, err := Match(store, id)
	require.NoError(t, err)
	assert.Nil(t, pol)
}

func TestMatchSingleResult(t *testing.T) {
	store := policy.NewStore([]*policy.Policy{
		{Name: "mine", ApparmorProfiles: setOf("*"), Users: setOf("alice")},
	})
	id := &identity.Identity{IsLoopback: true, Username: "alice", ApparmorProfile: "unconfined"}

	pol, err := Match(store, id)
	require.NoError(t, err)
	require.NotNil(t, pol)
	assert.Equal(t, "mine", pol.Name)
}

func TestMatchAmbiguous(t *testing.T) {
	store := policy.NewStore([]*policy.Policy{
		{Name: "a", ApparmorProfiles: setOf("*"), Users: setOf("*")},
		{Name: "b", ApparmorProfiles: setOf("*"), Users: setOf("*")},
	})
	id := &identity.Identity{IsLoopback: true, Username: "alice", ApparmorProfile: "unconfined"}

	pol, err := Match(store, id)
	assert.Nil(t, pol)
	var ambiguous *ErrAmbiguous
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"a", "b"}, ambiguous.Matched)
}

func TestMatchRemoteUsesHosts(t *testing.T) {
	store := policy.NewStore([]*policy.Policy{
		{Name: "remote", Hosts: setOf("203.0.113.5")},
	})
	id := &identity.Identity{IsLoopback: false, Host: "203.0.113.5"}

	pol, err := Match(store, id)
	require.NoError(t, err)
	require.NotNil(t, pol)
	assert.Equal(t, "remote", pol.Name)
}

func TestMatchWildcardHost(t *testing.T) {
	store := policy.NewStore([]*policy.Policy{
		{Name: "any", Hosts: setOf("*")},
	})
	id := &identity.Identity{IsLoopback: false, Host: "198.51.100.9"}

	pol, err := Match(store, id)
	require.NoError(t, err)
	require.NotNil(t, pol)
}

func setOf(values ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}
