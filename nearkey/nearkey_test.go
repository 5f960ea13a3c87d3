package nearkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, dir, name, pub, secret string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := `{"account_id":"","public_key":"` + pub + `","secret_key":"` + secret + `"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadValidKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, "validator_key.json", "ed25519:abc", "ed25519:def")

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ed25519:abc", f.PublicKey)
	require.Equal(t, "ed25519:def", f.SecretKey)
}

func TestLoadRejectsMalformedPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeKeyFile(t, dir, "node_key.json", "abc", "ed25519:def")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestEqualByteForByte(t *testing.T) {
	dir := t.TempDir()
	p1 := writeKeyFile(t, dir, "a.json", "ed25519:abc", "ed25519:def")
	p2 := writeKeyFile(t, dir, "b.json", "ed25519:abc", "ed25519:def")
	p3 := writeKeyFile(t, dir, "c.json", "ed25519:xyz", "ed25519:def")

	a, err := Load(p1)
	require.NoError(t, err)
	b, err := Load(p2)
	require.NoError(t, err)
	c, err := Load(p3)
	require.NoError(t, err)

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestEqualHandlesNil(t *testing.T) {
	dir := t.TempDir()
	p := writeKeyFile(t, dir, "a.json", "ed25519:abc", "ed25519:def")
	a, err := Load(p)
	require.NoError(t, err)

	require.False(t, a.Equal(nil))

	var nilFile *File
	require.True(t, nilFile.Equal(nil))
}
