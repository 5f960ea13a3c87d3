// Package nearkey models the on-disk JSON key files neard reads and
// writes: validator_key.json, node_key.json and voter_node_key.json. All
// three share the same shape; the supervisor only ever treats them as
// opaque byte blobs it stages into place, but it still needs to validate
// that a file on disk is well-formed before trusting it in a spawn, and
// to compare two key files for byte-for-byte equality (the invariant in
// spec.md §3: "while a host is validating, node_key.json ... equals the
// validator node key byte-for-byte").
package nearkey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// keyPrefix is the prefix NEAR uses on every base58-encoded key string.
const keyPrefix = "ed25519:"

// File is the JSON shape of a NEAR key file, as written by neard and by
// this supervisor's staging step. Fields are preserved verbatim rather
// than decoded from base58, since the supervisor never signs anything
// itself — it only moves these files between locations.
type File struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`

	raw []byte // exact bytes read from disk, used for byte-equality checks
}

// Load reads and validates a key file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	f.raw = data
	return &f, nil
}

func (f *File) validate() error {
	if f.PublicKey == "" || !strings.HasPrefix(f.PublicKey, keyPrefix) {
		return fmt.Errorf("public_key must be %q-prefixed", keyPrefix)
	}
	if f.SecretKey == "" || !strings.HasPrefix(f.SecretKey, keyPrefix) {
		return fmt.Errorf("secret_key must be %q-prefixed", keyPrefix)
	}
	return nil
}

// Equal reports whether two key files are byte-for-byte identical on disk.
// Used to verify the node_key.json-equals-validator-node-key invariant.
func (f *File) Equal(other *File) bool {
	if f == nil || other == nil {
		return f == other
	}
	return bytes.Equal(f.raw, other.raw)
}

// Bytes returns the exact bytes this File was loaded from.
func (f *File) Bytes() []byte { return f.raw }
