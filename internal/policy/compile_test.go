package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileNilPolicyYieldsEmptyTables(t *testing.T) {
	rules := Compile(nil, true)
	assert.Empty(t, rules.AllowedCommands)
	assert.Empty(t, rules.AllowedEvents)
	assert.False(t, rules.RestrictStreamEvents)
}

func TestCompileForcesStreamRestrictionOff(t *testing.T) {
	pol := &Policy{RestrictStreamEvents: true}
	rules := Compile(pol, false)
	assert.False(t, rules.RestrictStreamEvents, "remote clients must never honor restrict_stream_events")
}

func TestSynthesizeGetconf(t *testing.T) {
	pol := &Policy{
		Confs: map[string][]string{
			"socksport":            {"9050"},
			"maxcircuitdirtiness": {""},
		},
	}
	rules := Compile(pol, true)
	getconf, ok := rules.AllowedCommands["GETCONF"]
	require.True(t, ok)
	require.Len(t, getconf, 1)

	re, err := getconf[0].Compiled()
	require.NoError(t, err)
	assert.True(t, re.MatchString("SocksPort"))
	assert.True(t, re.MatchString("MAXCIRCUITDIRTINESS"))
	assert.False(t, re.MatchString("ControlPort"))
}

func TestSynthesizeSetconfResetAndAssign(t *testing.T) {
	pol := &Policy{
		Confs: map[string][]string{
			"MaxCircuitDirtiness": {""},
			"SocksPort":           {"9050"},
		},
	}
	rules := Compile(pol, true)
	setconf, ok := rules.AllowedCommands["SETCONF"]
	require.True(t, ok)
	require.Len(t, setconf, 1)

	re, err := setconf[0].Compiled()
	require.NoError(t, err)

	assert.True(t, re.MatchString("MaxCircuitDirtiness SocksPort=9050"))
	assert.False(t, re.MatchString("SocksPort=9999"))
	assert.False(t, re.MatchString("SocksPort"), "SocksPort has no reset-permitting empty string in its value list")
}

func TestSynthesizeSetconfPresentForAssignOnlyKey(t *testing.T) {
	pol := &Policy{Confs: map[string][]string{"SocksPort": {"9050"}}}
	rules := Compile(pol, true)
	getconf, ok := rules.AllowedCommands["GETCONF"]
	require.True(t, ok)
	require.Len(t, getconf, 1)

	_, hasSetconf := rules.AllowedCommands["SETCONF"]
	assert.True(t, hasSetconf, "assignment is permitted so SETCONF must be present")
}

func TestSynthesizeSetconfOmittedEntirely(t *testing.T) {
	rules := Compile(&Policy{Confs: map[string][]string{}}, true)
	_, hasGetconf := rules.AllowedCommands["GETCONF"]
	_, hasSetconf := rules.AllowedCommands["SETCONF"]
	assert.False(t, hasGetconf)
	assert.False(t, hasSetconf)
}
