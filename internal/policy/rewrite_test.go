package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgRuleFullMatchRequired(t *testing.T) {
	rule := ArgRule{Pattern: "NEWNYM"}
	re, err := rule.Compiled()
	require.NoError(t, err)
	assert.True(t, re.MatchString("NEWNYM"))
	assert.False(t, re.MatchString("NEWNYM extra"), "ArgRule patterns must consume the whole argument string")
}

func TestRewriteRuleIsStartAnchoredOnly(t *testing.T) {
	rule := RewriteRule{Pattern: "250-address=.*", Replacement: "250-address={client-address}"}
	re, err := rule.Compiled()
	require.NoError(t, err)
	assert.True(t, re.MatchString("250-address=127.0.0.1"))
	assert.False(t, re.MatchString("650 250-address=127.0.0.1"), "rewrite rules are anchored at the start of the line")

	prefixOnly := RewriteRule{Pattern: "250-address="}
	re, err = prefixOnly.Compiled()
	require.NoError(t, err)
	assert.True(t, re.MatchString("250-address=127.0.0.1"), "rewrite rules need not consume the whole line")
}

func TestRewriteLineFirstMatchWins(t *testing.T) {
	rules := []RewriteRule{
		{Pattern: "250-address=.*", Replacement: "250-address=FIRST"},
		{Pattern: "250-address=.*", Replacement: "250-address=SECOND"},
	}
	out, matched, err := RewriteLine(rules, "250-address=1.2.3.4", Placeholders{})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "250-address=FIRST", out)
}

func TestRewriteLineNoMatchPassesThrough(t *testing.T) {
	rules := []RewriteRule{{Pattern: "250-address=.*", Replacement: "x"}}
	out, matched, err := RewriteLine(rules, "250 OK", Placeholders{})
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, "250 OK", out)
}

func TestRewriteArgLinePreservesSeparatorAndExpandsPlaceholders(t *testing.T) {
	rule := &ArgRule{Pattern: "address", Replacement: "address"}
	ph := Placeholders{ClientAddress: "127.0.0.1"}
	out, err := RewriteArgLine(rule, "GETINFO", " ", "GETINFO address\r\n", ph)
	require.NoError(t, err)
	assert.Equal(t, "GETINFO address\r\n", out)

	rule = &ArgRule{Pattern: `(\w+)`, Replacement: "{client-address}"}
	out, err = RewriteArgLine(rule, "GETINFO", "\t", "GETINFO\taddress\r\n", ph)
	require.NoError(t, err)
	assert.Equal(t, "GETINFO\t127.0.0.1\r\n", out)
}

func TestRewriteArgLineInternalErrorOnJoinedMismatch(t *testing.T) {
	// The pattern requires digits but the line's argument is "abc", so the
	// joined pattern cannot match the line, exercising the internal-error
	// path (spec §4.4.1: fatal programming error).
	rule := &ArgRule{Pattern: `\d+`, Replacement: "x"}
	_, err := RewriteArgLine(rule, "SIGNAL", " ", "SIGNAL abc\r\n", Placeholders{})
	assert.Error(t, err)
}

func TestPlaceholdersExpand(t *testing.T) {
	ph := Placeholders{
		ClientAddress: "127.0.0.1",
		ClientPort:    "54321",
		ServerAddress: "127.0.0.2",
		ServerPort:    "951",
	}
	got := ph.expand("{client-address}:{client-port} -> {server-address}:{server-port}")
	assert.Equal(t, "127.0.0.1:54321 -> 127.0.0.2:951", got)
}
