package config

import (
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("onion-grater", nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.ListenAddress)
	assert.Equal(t, 951, cfg.ListenPort)
	assert.Equal(t, "/run/tor/control.authcookie", cfg.ControlCookiePath)
	assert.Equal(t, "127.0.0.1:9052", cfg.ControllerAddress)
	assert.Equal(t, "/etc/onion-grater.d", cfg.PolicyDir)
	assert.False(t, cfg.Complain)
}

func TestParseOverridesFlags(t *testing.T) {
	cfg, err := Parse("onion-grater", []string{
		"--listen-address", "0.0.0.0",
		"--listen-port", "9999",
		"--complain",
		"--policy-dir", "/tmp/policies",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.ListenAddress)
	assert.Equal(t, 9999, cfg.ListenPort)
	assert.True(t, cfg.Complain)
	assert.Equal(t, "/tmp/policies", cfg.PolicyDir)
}

func TestParseVersionReturnsErrHelp(t *testing.T) {
	_, err := Parse("onion-grater", []string{"--version"})
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestParseRejectsInvalidPort(t *testing.T) {
	_, err := Parse("onion-grater", []string{"--listen-port", "0"})
	assert.Error(t, err)

	_, err = Parse("onion-grater", []string{"--listen-port", "70000"})
	assert.Error(t, err)
}

func TestParseRejectsExtraArguments(t *testing.T) {
	_, err := Parse("onion-grater", []string{"bogus"})
	assert.Error(t, err)
}

func TestListenAddrJoinsHostPort(t *testing.T) {
	cfg := &Config{ListenAddress: "127.0.0.1", ListenPort: 951}
	assert.Equal(t, "127.0.0.1:951", cfg.ListenAddr())
}

func TestParseUnknownInterfaceFails(t *testing.T) {
	_, err := Parse("onion-grater", []string{"--listen-interface", "not-a-real-iface0"})
	assert.Error(t, err)
}
