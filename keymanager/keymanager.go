// Package keymanager stages the key files neard needs into its home
// directory before each spawn, per spec.md §4.2. Every write goes through
// a temp-file-then-rename so a crash mid-write can never leave a partial
// key file behind; github.com/google/renameio/v2 is the same
// atomic-rename primitive the rest of the dependency set already carries
// (joeycumines-go-utilpkg's go.mod lists it), used here in place of a
// hand-rolled os.CreateTemp+os.Rename pair.
package keymanager

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/kuutamo/kneard/kerrors"
	"github.com/kuutamo/kneard/nearkey"
)

// Role selects which key file goes where inside neard's home directory,
// per spec.md §3's Startup/Voting/Validating states.
type Role int

const (
	// RoleVoter stages only the voter node key, for Voting state.
	RoleVoter Role = iota
	// RoleValidator stages the validator key and its node key, for
	// Validating state. node_key.json is set equal to the validator node
	// key, satisfying the byte-for-byte invariant in spec.md §3.
	RoleValidator
)

const (
	validatorKeyFile = "validator_key.json"
	nodeKeyFile      = "node_key.json"
)

// Manager stages key files into a neard home directory.
type Manager struct {
	home                 string
	validatorKeyPath     string
	validatorNodeKeyPath string
	voterNodeKeyPath     string
}

// New builds a Manager rooted at home, sourcing keys from the three paths
// the supervisor was configured with.
func New(home, validatorKeyPath, validatorNodeKeyPath, voterNodeKeyPath string) *Manager {
	return &Manager{
		home:                 home,
		validatorKeyPath:     validatorKeyPath,
		validatorNodeKeyPath: validatorNodeKeyPath,
		voterNodeKeyPath:     voterNodeKeyPath,
	}
}

// Stage atomically writes the key files appropriate for role into the
// neard home directory. Any failure here is fatal to the current
// leadership attempt: the caller should transition to Shutdown rather
// than spawn neard with a half-staged home.
func (m *Manager) Stage(role Role) error {
	switch role {
	case RoleVoter:
		key, err := nearkey.Load(m.voterNodeKeyPath)
		if err != nil {
			return kerrors.NewKeyError(m.voterNodeKeyPath, err)
		}
		if err := m.writeAtomic(nodeKeyFile, key.Bytes()); err != nil {
			return kerrors.NewKeyError(m.voterNodeKeyPath, err)
		}
		// Invariant (spec.md §3, P2): a voting host must not have
		// validator_key.json present, even if this home previously staged
		// a validator key before a demotion.
		if err := os.Remove(filepath.Join(m.home, validatorKeyFile)); err != nil && !os.IsNotExist(err) {
			return kerrors.NewKeyError(m.home, err)
		}
		return nil

	case RoleValidator:
		validator, err := nearkey.Load(m.validatorKeyPath)
		if err != nil {
			return kerrors.NewKeyError(m.validatorKeyPath, err)
		}
		if err := m.writeAtomic(validatorKeyFile, validator.Bytes()); err != nil {
			return kerrors.NewKeyError(m.validatorKeyPath, err)
		}

		nodeKey, err := nearkey.Load(m.validatorNodeKeyPath)
		if err != nil {
			return kerrors.NewKeyError(m.validatorNodeKeyPath, err)
		}
		if err := m.writeAtomic(nodeKeyFile, nodeKey.Bytes()); err != nil {
			return kerrors.NewKeyError(m.validatorNodeKeyPath, err)
		}
		return nil

	default:
		return kerrors.NewKeyError(m.home, errInvalidRole)
	}
}

var errInvalidRole = roleError("unknown key role")

type roleError string

func (e roleError) Error() string { return string(e) }

// writeAtomic renameio-writes data to name inside the home directory with
// 0600 permissions, matching the file mode neard itself uses for keys.
func (m *Manager) writeAtomic(name string, data []byte) error {
	path := filepath.Join(m.home, name)
	return renameio.WriteFile(path, data, 0o600)
}

// CurrentNodeKey loads whatever key is presently staged at node_key.json,
// or (nil, nil) if nothing has been staged yet.
func (m *Manager) CurrentNodeKey() (*nearkey.File, error) {
	path := filepath.Join(m.home, nodeKeyFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return nearkey.Load(path)
}

// MatchesValidatorNodeKey reports whether the currently staged
// node_key.json is byte-identical to the configured validator node key,
// the invariant spec.md §3 requires while Validating.
func (m *Manager) MatchesValidatorNodeKey() (bool, error) {
	current, err := m.CurrentNodeKey()
	if err != nil {
		return false, err
	}
	want, err := nearkey.Load(m.validatorNodeKeyPath)
	if err != nil {
		return false, kerrors.NewKeyError(m.validatorNodeKeyPath, err)
	}
	return current.Equal(want), nil
}
