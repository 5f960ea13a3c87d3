// Package maintenance drives neard's dynamic-config facility, per
// spec.md §4.6: writing dyn_config.json, sending SIGHUP, and confirming
// the change landed by polling the metrics the health package exposes.
// File writes go through the same renameio atomic-rename primitive
// keymanager uses, since dyn_config.json must never be observed
// half-written by a concurrent reader.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/kuutamo/kneard/health"
	"github.com/kuutamo/kneard/kerrors"
)

// Kind distinguishes a scheduled restart from a scheduled shutdown; both
// share the same dyn_config.json mechanism but the reaper treats the
// resulting child exit differently (spec.md §4.6).
type Kind int

const (
	KindRestart Kind = iota
	KindShutdown
)

func (k Kind) String() string {
	if k == KindShutdown {
		return "shutdown"
	}
	return "restart"
}

// Intent is the single maintenance-intent cell described in spec.md §5:
// written only by the control channel, read by the state machine's reaper
// logic to decide whether an exit should respawn or terminate.
type Intent struct {
	Kind           Kind
	TargetHeight   uint64
	ConfirmTimeout time.Duration
}

// dynConfig is the JSON shape neard reads from dyn_config.json.
type dynConfig struct {
	ExpectedShutdown uint64 `json:"expected_shutdown"`
}

// Scheduler computes target heights and confirms dyn_config.json changes
// against the live scraper.
type Scheduler struct {
	homeDir      string
	searchWindow uint64
	scraper      *health.Scraper
	reload       func() error
}

// New builds a Scheduler. reload is called after each dyn_config.json
// write to signal neard (SIGHUP); it is provided as a function rather
// than a direct dependency on procsupervisor to avoid a package cycle.
func New(homeDir string, searchWindow uint64, scraper *health.Scraper, reload func() error) *Scheduler {
	return &Scheduler{homeDir: homeDir, searchWindow: searchWindow, scraper: scraper, reload: reload}
}

// TargetForWait implements the slot-gap search in spec.md §4.6: starting
// at head+wait, advance past any height that collides with one of the
// validator's own production slots until a free height is found or the
// search window is exhausted.
func (s *Scheduler) TargetForWait(head uint64, wait uint64, slots []uint64) (uint64, error) {
	slotSet := make(map[uint64]bool, len(slots))
	for _, h := range slots {
		slotSet[h] = true
	}

	target := head + wait
	limit := head + s.searchWindow
	for target <= limit {
		if !slotSet[target] {
			return target, nil
		}
		target++
	}
	return 0, kerrors.NewMaintenanceError(kerrors.MaintenanceNoSlot, fmt.Sprintf("no free height found within %d heights of %d", s.searchWindow, head))
}

// Schedule writes dyn_config.json with the target height, signals neard,
// and — if wait is true — blocks until near_block_expected_shutdown
// matches target or ctx expires.
func (s *Scheduler) Schedule(ctx context.Context, target uint64, wait bool) error {
	if err := s.writeDynConfig(target); err != nil {
		return err
	}
	if err := s.reload(); err != nil {
		return fmt.Errorf("signal neard: %w", err)
	}
	if !wait {
		return nil
	}
	return s.confirm(ctx, func(snap *health.Snapshot) bool {
		return snap.ExpectedShutdown == target
	})
}

// Cancel rewrites dyn_config.json with expected_shutdown=0, per
// spec.md §4.6, and confirms via the config-reload counter advancing.
func (s *Scheduler) Cancel(ctx context.Context, wait bool) error {
	before := uint64(0)
	if last := s.scraper.Last(); last != nil {
		before = last.ConfigReloadsTotal
	}

	if err := s.writeDynConfig(0); err != nil {
		return err
	}
	if err := s.reload(); err != nil {
		return fmt.Errorf("signal neard: %w", err)
	}
	if !wait {
		return nil
	}
	return s.confirm(ctx, func(snap *health.Snapshot) bool {
		return snap.ConfigReloadsTotal > before
	})
}

func (s *Scheduler) writeDynConfig(target uint64) error {
	path := filepath.Join(s.homeDir, "dyn_config.json")
	data, err := json.Marshal(dynConfig{ExpectedShutdown: target})
	if err != nil {
		return fmt.Errorf("marshal dyn_config.json: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dyn_config.json: %w", err)
	}
	return nil
}

// confirm polls the scraper's metrics until pred is satisfied or ctx
// expires, per the ≤30s maintenance-confirmation timeout in spec.md §5.
func (s *Scheduler) confirm(ctx context.Context, pred func(*health.Snapshot) bool) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if snap, err := s.scraper.Scrape(ctx); err == nil && pred(snap) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("maintenance confirmation timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
