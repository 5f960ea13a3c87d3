// Package config reads the supervisor's environment-variable configuration
// once at startup and validates it, mirroring the teacher's
// Config.Validate() (required-field and port-range checks) but sourcing
// values from the environment instead of a JSON file, per spec.md §6.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuutamo/kneard/kerrors"
)

// Timing defaults, per spec.md §4 and §5.
const (
	DefaultSessionTTL      = 15 * time.Second
	DefaultLockDelay       = 10 * time.Second
	DefaultCatchUpGrace    = 60 * time.Second
	DefaultVotingPoll      = 3 * time.Second
	DefaultScrapeUnhealthy = 30 * time.Second
	DefaultReadyTimeout    = 180 * time.Second
	DefaultStopGrace       = 30 * time.Second
	DefaultDrainDeadline   = 30 * time.Second
	DefaultMaintenanceWait = 30 * time.Second
	DefaultSearchWindow    = 10_000
)

// Config holds all supervisor configuration, read once from the
// environment at process start.
type Config struct {
	ConsulURL       string
	ConsulTokenFile string

	NodeID string

	ExporterAddress string

	ValidatorNetworkAddr string
	VoterNetworkAddr     string

	ValidatorKeyPath     string
	ValidatorNodeKeyPath string
	VoterNodeKeyPath     string

	NeardHome     string
	NeardBootnodes string

	ControlSocket string

	PublicAddress string // optional

	// Timing, not env-configurable today but centralized here so every
	// component reads the same knobs (spec.md §4/§5 defaults).
	SessionTTL      time.Duration
	LockDelay       time.Duration
	CatchUpGrace    time.Duration
	VotingPoll      time.Duration
	ScrapeUnhealthy time.Duration
	ReadyTimeout    time.Duration
	StopGrace       time.Duration
	DrainDeadline   time.Duration
	MaintenanceWait time.Duration
	SearchWindow    uint64
}

// required env vars and the struct field they populate; used by Load to
// give a precise kerrors.ConfigError when one is missing.
var requiredVars = []string{
	"KUUTAMO_CONSUL_URL",
	"KUUTAMO_NODE_ID",
	"KUUTAMO_EXPORTER_ADDRESS",
	"KUUTAMO_VALIDATOR_NETWORK_ADDR",
	"KUUTAMO_VOTER_NETWORK_ADDR",
	"KUUTAMO_VALIDATOR_KEY",
	"KUUTAMO_VALIDATOR_NODE_KEY",
	"KUUTAMO_VOTER_NODE_KEY",
	"KUUTAMO_NEARD_HOME",
	"KUUTAMO_CONTROL_SOCKET",
}

// Load reads configuration from the process environment and validates it.
func Load() (*Config, error) {
	for _, name := range requiredVars {
		if _, ok := os.LookupEnv(name); !ok {
			return nil, kerrors.NewConfigError(name, fmt.Errorf("required environment variable is not set"))
		}
	}

	cfg := &Config{
		ConsulURL:            os.Getenv("KUUTAMO_CONSUL_URL"),
		ConsulTokenFile:      os.Getenv("KUUTAMO_CONSUL_TOKEN_FILE"),
		NodeID:               os.Getenv("KUUTAMO_NODE_ID"),
		ExporterAddress:      os.Getenv("KUUTAMO_EXPORTER_ADDRESS"),
		ValidatorNetworkAddr: os.Getenv("KUUTAMO_VALIDATOR_NETWORK_ADDR"),
		VoterNetworkAddr:     os.Getenv("KUUTAMO_VOTER_NETWORK_ADDR"),
		ValidatorKeyPath:     os.Getenv("KUUTAMO_VALIDATOR_KEY"),
		ValidatorNodeKeyPath: os.Getenv("KUUTAMO_VALIDATOR_NODE_KEY"),
		VoterNodeKeyPath:     os.Getenv("KUUTAMO_VOTER_NODE_KEY"),
		NeardHome:            os.Getenv("KUUTAMO_NEARD_HOME"),
		NeardBootnodes:       os.Getenv("KUUTAMO_NEARD_BOOTNODES"),
		ControlSocket:        os.Getenv("KUUTAMO_CONTROL_SOCKET"),
		PublicAddress:        os.Getenv("KUUTAMO_PUBLIC_ADDRESS"),

		SessionTTL:      DefaultSessionTTL,
		LockDelay:       DefaultLockDelay,
		CatchUpGrace:    DefaultCatchUpGrace,
		VotingPoll:      DefaultVotingPoll,
		ScrapeUnhealthy: DefaultScrapeUnhealthy,
		ReadyTimeout:    DefaultReadyTimeout,
		StopGrace:       DefaultStopGrace,
		DrainDeadline:   DefaultDrainDeadline,
		MaintenanceWait: DefaultMaintenanceWait,
		SearchWindow:    DefaultSearchWindow,
	}

	if err := cfg.Validate(); err != nil {
		return nil, kerrors.NewConfigError("validate", err)
	}
	return cfg, nil
}

// Validate checks that all fields are well-formed, mirroring the teacher's
// Config.Validate(): required-field checks followed by format checks.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if strings.ContainsAny(c.NodeID, "/\x00") {
		return fmt.Errorf("node_id must not contain path separators")
	}
	if _, _, err := net.SplitHostPort(c.ExporterAddress); err != nil {
		return fmt.Errorf("exporter_address: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.ValidatorNetworkAddr); err != nil {
		return fmt.Errorf("validator_network_addr: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.VoterNetworkAddr); err != nil {
		return fmt.Errorf("voter_network_addr: %w", err)
	}
	if c.NeardHome == "" {
		return fmt.Errorf("neard_home must not be empty")
	}
	if c.ControlSocket == "" {
		return fmt.Errorf("control_socket must not be empty")
	}
	if !strings.HasPrefix(c.ConsulURL, "http://") && !strings.HasPrefix(c.ConsulURL, "https://") {
		return fmt.Errorf("consul_url must start with http:// or https://")
	}
	return nil
}

// ConsulToken reads and returns the ACL token, stripping a trailing
// newline, or "" if no token file is configured — per spec.md §4.1 and
// the supplemented behavior in SPEC_FULL.md §12 (the token is always
// optional).
func (c *Config) ConsulToken() (string, error) {
	if c.ConsulTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.ConsulTokenFile)
	if err != nil {
		return "", fmt.Errorf("read consul token file: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// LockKey returns the coordination-service key path for this cluster's
// validator lock, per spec.md §6: "<prefix>/validator/lock".
func LockKey(prefix string) string {
	if prefix == "" {
		return "validator/lock"
	}
	return strings.TrimRight(prefix, "/") + "/validator/lock"
}

// ParsePort extracts the numeric port from a host:port address.
func ParsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
