// Package statemachine implements the leader election state machine
// (C4), per spec.md §4.4: the single component allowed to convert errors
// into state transitions. It runs as one goroutine (T-state) that
// consumes typed, sequenced events from the session renewer (T-session),
// the metrics scraper (T-metrics) and the child reaper (T-reaper), plus a
// maintenance-intent cell written only by the control channel (T-control)
// under a short mutex, per spec.md §5.
//
// The round-robin leader-selection loop in the teacher's consensus
// package (a ticker-driven select over a done channel) is the model for
// the shape of Run here; the state table itself and its transitions are
// this program's own.
package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kuutamo/kneard/coord"
	"github.com/kuutamo/kneard/health"
	"github.com/kuutamo/kneard/keymanager"
	"github.com/kuutamo/kneard/maintenance"
	"github.com/kuutamo/kneard/procsupervisor"
)

// State enumerates the leader-election states from spec.md §4.4.
type State int

const (
	Startup State = iota
	Syncing
	Registering
	Voting
	Validating
	Shutdown
)

func (s State) String() string {
	switch s {
	case Startup:
		return "Startup"
	case Syncing:
		return "Syncing"
	case Registering:
		return "Registering"
	case Voting:
		return "Voting"
	case Validating:
		return "Validating"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// AllStates lists every state in a stable order, for callers that need to
// emit a one-hot gauge per state (exporter's state{type=...} family).
var AllStates = []State{Startup, Syncing, Registering, Voting, Validating, Shutdown}

// Coordinator is the subset of coord.Client the state machine needs.
// Declared here so fakes can satisfy it in tests without a network.
type Coordinator interface {
	CreateSession(ctx context.Context, ttl, lockDelay time.Duration) (string, error)
	Renew(ctx context.Context, sessionID string) error
	DestroySession(ctx context.Context, sessionID string) error
	Acquire(ctx context.Context, key, sessionID, nodeID string) (coord.AcquireResult, error)
	Release(ctx context.Context, key, sessionID string) error
	Read(ctx context.Context, key string) (*coord.Holder, string, error)
}

// KeyStager is the subset of keymanager.Manager the state machine needs.
type KeyStager interface {
	Stage(role keymanager.Role) error
}

// ProcSupervisor is the subset of procsupervisor.Supervisor the state
// machine needs.
type ProcSupervisor interface {
	Spawn(role procsupervisor.Role, bootnodes, networkAddr string) error
	WaitHealthy(ctx context.Context) error
	Stop(grace time.Duration) error
	Kill() error
	PID() int
	Restarts() uint64
	NoteRestart()
	Exited() <-chan struct{}
}

// Scraper is the subset of health.Scraper the state machine needs.
type Scraper interface {
	Scrape(ctx context.Context) (*health.Snapshot, error)
}

// Snapshot is the read-only view T-http and T-control read; published by
// T-state only, per spec.md §5.
type Snapshot struct {
	NodeID                     string
	State                      State
	Restarts                   uint64
	StartedAt                  time.Time
	ConsulSessionRenewFailures uint64
	Maintenance                *maintenance.Intent
}

// Config bundles the timing knobs the machine needs, decoupled from the
// config package to avoid a dependency cycle.
type Config struct {
	NodeID              string
	LockKey             string
	Bootnodes           string
	ValidatorNetworkAddr string
	VoterNetworkAddr    string
	SessionTTL          time.Duration
	LockDelay           time.Duration
	CatchUpGrace        time.Duration
	VotingPoll          time.Duration
	ReadyTimeout        time.Duration
	StopGrace           time.Duration
}

// Machine drives the leader election loop.
type Machine struct {
	cfg   Config
	coord Coordinator
	keys  KeyStager
	proc  ProcSupervisor
	scrp  Scraper

	maintMu sync.Mutex
	maint   *maintenance.Intent
	armShutdown bool // set by control before a scheduled shutdown's child exit, so the reaper terminates instead of respawning

	snapMu sync.Mutex
	snap   Snapshot

	sessionID string
}

// New builds a Machine. All four collaborators are interfaces so tests
// can swap in fakes.
func New(cfg Config, c Coordinator, k KeyStager, p ProcSupervisor, s Scraper) *Machine {
	m := &Machine{cfg: cfg, coord: c, keys: k, proc: p, scrp: s}
	m.snap = Snapshot{NodeID: cfg.NodeID, State: Startup, StartedAt: time.Now()}
	return m
}

// Snapshot returns a copy of the current published state.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

func (m *Machine) publish(mutate func(*Snapshot)) {
	m.snapMu.Lock()
	mutate(&m.snap)
	m.snapMu.Unlock()
}

// SetMaintenance installs a maintenance intent, for use by the control
// channel. Only T-control (or, in tests, its stand-in) should call this.
func (m *Machine) SetMaintenance(intent *maintenance.Intent) {
	m.maintMu.Lock()
	m.maint = intent
	m.maintMu.Unlock()
	m.publish(func(s *Snapshot) { s.Maintenance = intent })
}

// ArmShutdown tells the reaper that the next child exit is an intentional
// shutdown, not a crash to recover from, per spec.md §4.6.
func (m *Machine) ArmShutdown() {
	m.maintMu.Lock()
	m.armShutdown = true
	m.maintMu.Unlock()
}

func (m *Machine) consumeShutdownArm() bool {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	armed := m.armShutdown
	m.armShutdown = false
	return armed
}

// Run drives the state machine until ctx is canceled, then performs an
// orderly shutdown: release the lock if held, stop the child, and return.
func (m *Machine) Run(ctx context.Context) error {
	state := Startup
	var spawnedAt time.Time

	for {
		select {
		case <-ctx.Done():
			m.shutdown(context.Background())
			return ctx.Err()
		default:
		}

		switch state {
		case Startup:
			next, err := m.runStartup(ctx)
			if err != nil {
				log.WithError(err).Error("statemachine: startup failed")
				state = Shutdown
				continue
			}
			state = next
			spawnedAt = time.Now()

		case Syncing:
			state = m.runSyncing(ctx, spawnedAt)

		case Registering:
			state = m.runRegistering(ctx)

		case Voting:
			state = m.runVoting(ctx)

		case Validating:
			state = m.runValidating(ctx)

		case Shutdown:
			m.shutdown(ctx)
			return nil
		}

		restarts := m.proc.Restarts()
		m.publish(func(s *Snapshot) { s.State = state; s.Restarts = restarts })
	}
}

func (m *Machine) runStartup(ctx context.Context) (State, error) {
	var id string
	err := coord.RetryWithBackoff(ctx, time.Second, 30*time.Second, func() error {
		var createErr error
		id, createErr = m.coord.CreateSession(ctx, m.cfg.SessionTTL, m.cfg.LockDelay)
		return createErr
	})
	if err != nil {
		return Shutdown, fmt.Errorf("open session: %w", err)
	}
	m.sessionID = id

	if err := m.keys.Stage(keymanager.RoleVoter); err != nil {
		return Shutdown, fmt.Errorf("stage voter key: %w", err)
	}
	if err := m.proc.Spawn(procsupervisor.RoleVoter, m.cfg.Bootnodes, m.cfg.VoterNetworkAddr); err != nil {
		return Shutdown, fmt.Errorf("spawn voter: %w", err)
	}
	if err := m.waitHealthy(ctx); err != nil {
		return Shutdown, fmt.Errorf("voter failed to become ready: %w", err)
	}
	return Syncing, nil
}

// waitHealthy blocks until the just-spawned child's RPC port answers or
// cfg.ReadyTimeout elapses, per spec.md §4.3's health-wait. A timeout is
// reported as kerrors.ChildFailedToBecomeReady (spec.md §7), which the
// caller treats as fatal to the current spawn attempt.
func (m *Machine) waitHealthy(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	return m.proc.WaitHealthy(wctx)
}

func (m *Machine) runSyncing(ctx context.Context, spawnedAt time.Time) State {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Shutdown
		case <-m.proc.Exited():
			if m.consumeShutdownArm() {
				return Shutdown
			}
			return Startup
		case <-ticker.C:
			snap, err := m.scrp.Scrape(ctx)
			if err != nil {
				continue
			}
			if time.Since(spawnedAt) < m.cfg.CatchUpGrace {
				continue
			}
			if snap.IsSyncing {
				continue
			}
			return Registering
		}
	}
}

func (m *Machine) runRegistering(ctx context.Context) State {
	result, err := m.coord.Acquire(ctx, m.cfg.LockKey, m.sessionID, m.cfg.NodeID)
	if err != nil {
		log.WithError(err).Warn("statemachine: acquire failed")
		return Voting
	}
	if result == coord.AlreadyHeld {
		return Voting
	}

	if err := m.proc.Stop(m.cfg.StopGrace); err != nil {
		log.WithError(err).Warn("statemachine: stop voter before promotion failed")
	}
	if err := m.keys.Stage(keymanager.RoleValidator); err != nil {
		log.WithError(err).Error("statemachine: stage validator key failed")
		return Shutdown
	}
	if err := m.proc.Spawn(procsupervisor.RoleValidator, m.cfg.Bootnodes, m.cfg.ValidatorNetworkAddr); err != nil {
		log.WithError(err).Error("statemachine: spawn validator failed")
		return Shutdown
	}
	if err := m.waitHealthy(ctx); err != nil {
		log.WithError(err).Error("statemachine: validator failed to become ready")
		return Shutdown
	}
	m.proc.NoteRestart()
	m.publish(func(s *Snapshot) { s.Restarts = m.proc.Restarts() })
	return Validating
}

func (m *Machine) runVoting(ctx context.Context) State {
	ticker := time.NewTicker(m.cfg.VotingPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Shutdown
		case <-m.proc.Exited():
			if m.consumeShutdownArm() {
				return Shutdown
			}
			if err := m.proc.Spawn(procsupervisor.RoleVoter, m.cfg.Bootnodes, m.cfg.VoterNetworkAddr); err != nil {
				log.WithError(err).Error("statemachine: respawn voter failed")
				return Shutdown
			}
			if err := m.waitHealthy(ctx); err != nil {
				log.WithError(err).Error("statemachine: respawned voter failed to become ready")
				return Shutdown
			}
			m.proc.NoteRestart()
			m.publish(func(s *Snapshot) { s.Restarts = m.proc.Restarts() })
		case <-ticker.C:
			_, session, err := m.coord.Read(ctx, m.cfg.LockKey)
			if err != nil {
				continue
			}
			if session == "" {
				return Registering
			}
		}
	}
}

func (m *Machine) runValidating(ctx context.Context) State {
	renewInterval := m.cfg.SessionTTL / 3
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	var firstFailure time.Time

	for {
		select {
		case <-ctx.Done():
			return Shutdown

		case <-m.proc.Exited():
			if m.consumeShutdownArm() {
				log.Info("statemachine: validator exited for scheduled shutdown")
				return Shutdown
			}
			log.Warn("statemachine: validating child crashed, releasing lock")
			m.releaseLock(context.Background())
			return Startup

		case <-ticker.C:
			if err := m.coord.Renew(ctx, m.sessionID); err != nil {
				if firstFailure.IsZero() {
					firstFailure = time.Now()
				}
				m.publish(func(s *Snapshot) { s.ConsulSessionRenewFailures++ })
				if time.Since(firstFailure) > m.cfg.SessionTTL/2 {
					log.Error("statemachine: session renewal failing beyond ttl/2, self-demoting")
					m.stopAndReturnToStartup()
					return Startup
				}
				continue
			}
			firstFailure = time.Time{}

			holder, session, err := m.coord.Read(ctx, m.cfg.LockKey)
			if err == nil && (session == "" || holder == nil || holder.NodeID != m.cfg.NodeID) {
				log.Warn("statemachine: lock no longer ours, self-demoting")
				m.stopAndReturnToStartup()
				return Startup
			}
		}
	}
}

func (m *Machine) stopAndReturnToStartup() {
	m.releaseLock(context.Background())
	if err := m.proc.Stop(m.cfg.StopGrace); err != nil {
		log.WithError(err).Warn("statemachine: stop validator during self-demotion failed")
	}
}

func (m *Machine) releaseLock(ctx context.Context) {
	if m.sessionID == "" {
		return
	}
	if err := m.coord.Release(ctx, m.cfg.LockKey, m.sessionID); err != nil {
		log.WithError(err).Warn("statemachine: release lock failed")
	}
}

func (m *Machine) shutdown(ctx context.Context) {
	m.releaseLock(ctx)
	if err := m.proc.Stop(m.cfg.StopGrace); err != nil {
		log.WithError(err).Warn("statemachine: stop child during shutdown failed")
		_ = m.proc.Kill()
	}
	if m.sessionID != "" {
		if err := m.coord.DestroySession(ctx, m.sessionID); err != nil {
			log.WithError(err).Warn("statemachine: destroy session during shutdown failed")
		}
	}
	m.publish(func(s *Snapshot) { s.State = Shutdown })
}
