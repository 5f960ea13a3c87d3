// Command kneard supervises a single neard validator process, mediating
// leadership over a Consul-compatible coordination service so that only
// one host in a cluster validates at a time.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kuutamo/kneard/config"
	"github.com/kuutamo/kneard/control"
	"github.com/kuutamo/kneard/coord"
	"github.com/kuutamo/kneard/exporter"
	"github.com/kuutamo/kneard/health"
	"github.com/kuutamo/kneard/kerrors"
	"github.com/kuutamo/kneard/keymanager"
	"github.com/kuutamo/kneard/maintenance"
	"github.com/kuutamo/kneard/procsupervisor"
	"github.com/kuutamo/kneard/statemachine"
)

// drainDeadline bounds how long shutdown waits for every task to exit
// after cancellation, per spec.md §5.
const drainDeadline = 30 * time.Second

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("kneard: configuration error")
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("kneard: exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	token, err := cfg.ConsulToken()
	if err != nil {
		log.WithError(err).Error("kneard: could not read consul token")
		return err
	}

	coordClient, err := coord.New(cfg.ConsulURL, token)
	if err != nil {
		return err
	}

	// Per spec.md §4.3, the supervisor must outlive a misbehaving child so
	// it can respawn it; bias the kernel OOM killer toward the child by
	// giving ourselves a lower oom_score_adj before any child is spawned.
	procsupervisor.AdjustSelfOOMScore()

	keys := keymanager.New(cfg.NeardHome, cfg.ValidatorKeyPath, cfg.ValidatorNodeKeyPath, cfg.VoterNodeKeyPath)

	// neard's JSON-RPC/metrics port is fixed and local regardless of which
	// network address it binds for P2P traffic; there is no separate
	// KUUTAMO_* variable for it (see DESIGN.md).
	const neardRPCAddr = "127.0.0.1:3030"
	proc := procsupervisor.New("neard", cfg.NeardHome, neardRPCAddr)

	scraper := health.New("http://" + neardRPCAddr + "/metrics")

	smConfig := statemachine.Config{
		NodeID:               cfg.NodeID,
		LockKey:              config.LockKey(""),
		Bootnodes:            cfg.NeardBootnodes,
		ValidatorNetworkAddr: cfg.ValidatorNetworkAddr,
		VoterNetworkAddr:     cfg.VoterNetworkAddr,
		SessionTTL:           cfg.SessionTTL,
		LockDelay:            cfg.LockDelay,
		CatchUpGrace:         cfg.CatchUpGrace,
		VotingPoll:           cfg.VotingPoll,
		ReadyTimeout:         cfg.ReadyTimeout,
		StopGrace:            cfg.StopGrace,
	}

	machine := statemachine.New(smConfig, coordClient, keys, proc, scraper)

	scheduler := maintenance.New(cfg.NeardHome, cfg.SearchWindow, scraper, proc.Reload)
	backend := &supervisorBackend{machine: machine, scheduler: scheduler, proc: proc, scraper: scraper}

	controlSrv := control.New(cfg.ControlSocket, backend)
	exp := exporter.New(cfg.ExporterAddress, backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return machine.Run(gctx)
	})

	g.Go(func() error {
		l, err := controlSrv.Listen()
		if err != nil {
			return err
		}
		go func() {
			<-gctx.Done()
			l.Close()
		}()
		if err := controlSrv.Serve(l); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			_ = exp.Shutdown()
		}()
		return exp.ListenAndServe()
	})

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-drainTimedOut(ctx, drainDeadline):
		log.Error("kneard: drain deadline exceeded, forcing exit")
		return context.DeadlineExceeded
	}
}

// drainTimedOut fires drainDeadline after ctx is canceled, giving the
// task group a bounded window to exit cleanly per spec.md §5.
func drainTimedOut(ctx context.Context, deadline time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		<-ctx.Done()
		t := time.NewTimer(deadline)
		defer t.Stop()
		ch <- <-t.C
	}()
	return ch
}

// supervisorBackend adapts the state machine, maintenance scheduler and
// process supervisor to the narrow Backend interfaces control and
// exporter each need.
type supervisorBackend struct {
	mu        sync.Mutex
	machine   *statemachine.Machine
	scheduler *maintenance.Scheduler
	proc      *procsupervisor.Supervisor
	scraper   *health.Scraper
	intent    *maintenance.Intent
}

func (b *supervisorBackend) Snapshot() statemachine.Snapshot { return b.machine.Snapshot() }

func (b *supervisorBackend) NeardPID() int { return b.proc.PID() }

func (b *supervisorBackend) MaintenanceStatus() *maintenance.Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intent
}

func (b *supervisorBackend) ScheduleRestart(scheduleAt, wait *uint64, cancel, blockUntil bool) (uint64, error) {
	return b.schedule(maintenance.KindRestart, scheduleAt, wait, cancel, blockUntil)
}

func (b *supervisorBackend) ScheduleShutdown(scheduleAt, wait *uint64, cancel, blockUntil bool) (uint64, error) {
	return b.schedule(maintenance.KindShutdown, scheduleAt, wait, cancel, blockUntil)
}

func (b *supervisorBackend) schedule(kind maintenance.Kind, scheduleAt, wait *uint64, cancel, blockUntil bool) (uint64, error) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	if cancel {
		b.mu.Lock()
		hadIntent := b.intent != nil
		b.intent = nil
		b.mu.Unlock()
		if !hadIntent {
			return 0, kerrors.NewMaintenanceError(kerrors.MaintenanceCancelNothing, "no maintenance scheduled")
		}
		return 0, b.scheduler.Cancel(ctx, blockUntil)
	}

	var target uint64
	if scheduleAt != nil {
		target = *scheduleAt
	} else if wait != nil {
		head := uint64(0)
		var slots []uint64
		if last := b.lastSnapshot(); last != nil {
			head = last.BlockHeightHead
			slots = last.ProductionSlots
		}
		var err error
		target, err = b.scheduler.TargetForWait(head, *wait, slots)
		if err != nil {
			return 0, err
		}
	}

	if err := b.scheduler.Schedule(ctx, target, blockUntil); err != nil {
		return 0, err
	}

	if kind == maintenance.KindShutdown {
		b.machine.ArmShutdown()
	}

	b.mu.Lock()
	b.intent = &maintenance.Intent{Kind: kind, TargetHeight: target}
	b.mu.Unlock()

	return target, nil
}

func (b *supervisorBackend) lastSnapshot() *health.Snapshot {
	return b.scraper.Last()
}
