package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"KUUTAMO_CONSUL_URL":             "http://127.0.0.1:8500",
		"KUUTAMO_NODE_ID":                "node-a",
		"KUUTAMO_EXPORTER_ADDRESS":       "127.0.0.1:9090",
		"KUUTAMO_VALIDATOR_NETWORK_ADDR": "0.0.0.0:24567",
		"KUUTAMO_VOTER_NETWORK_ADDR":     "0.0.0.0:24568",
		"KUUTAMO_VALIDATOR_KEY":          "/keys/validator_key.json",
		"KUUTAMO_VALIDATOR_NODE_KEY":     "/keys/validator_node_key.json",
		"KUUTAMO_VOTER_NODE_KEY":         "/keys/voter_node_key.json",
		"KUUTAMO_NEARD_HOME":             "/var/lib/neard",
		"KUUTAMO_CONTROL_SOCKET":         "/run/kneard.sock",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadSucceedsWithAllRequiredVars(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
}

func TestLoadFailsWhenVarMissing(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("KUUTAMO_NODE_ID")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadConsulURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KUUTAMO_CONSUL_URL", "ftp://example.com")
	_, err := Load()
	require.Error(t, err)
}

func TestConsulTokenStripsTrailingNewline(t *testing.T) {
	setRequiredEnv(t)
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("secret-token\n"), 0o600))
	t.Setenv("KUUTAMO_CONSUL_TOKEN_FILE", tokenPath)

	cfg, err := Load()
	require.NoError(t, err)
	tok, err := cfg.ConsulToken()
	require.NoError(t, err)
	require.Equal(t, "secret-token", tok)
}

func TestConsulTokenEmptyWhenUnset(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	tok, err := cfg.ConsulToken()
	require.NoError(t, err)
	require.Equal(t, "", tok)
}

func TestLockKey(t *testing.T) {
	require.Equal(t, "kuutamo/validator/lock", LockKey("kuutamo"))
	require.Equal(t, "kuutamo/validator/lock", LockKey("kuutamo/"))
	require.Equal(t, "validator/lock", LockKey(""))
}
