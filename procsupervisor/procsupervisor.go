// Package procsupervisor manages the lifecycle of the neard child process,
// per spec.md §4.3: spawn, graceful stop, hard kill, health-wait and exit
// reaping. The shape of this package — a cmdGetter that builds an
// *exec.Cmd, a shirou/gopsutil/v3/process.Process tracking the live PID,
// pkg/errors wrapping and sirupsen/logrus logging throughout — follows
// c6ai-hlf-easy/node/peer.go's PeerNode, generalized from a single
// Hyperledger peer container to a restartable neard subprocess with two
// roles (voter, validator).
package procsupervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/kuutamo/kneard/kerrors"
)

// Role mirrors keymanager.Role; kept separate to avoid a dependency cycle
// between the two packages (procsupervisor only needs the addresses, not
// the key-staging logic).
type Role int

const (
	RoleVoter Role = iota
	RoleValidator
)

// childOOMScoreAdj is written to the neard child's /proc/<pid>/oom_score_adj
// right after spawn so the kernel OOM killer reclaims it before the
// supervisor itself, per spec.md §4.3: the supervisor must survive to
// respawn a reaped child, so it keeps a lower (harder to kill) score than
// the child it supervises.
const childOOMScoreAdj = "500"

// selfOOMScoreAdj is the supervisor's own oom_score_adj, set once at
// startup via AdjustSelfOOMScore.
const selfOOMScoreAdj = "100"

// AdjustSelfOOMScore sets the calling process's own oom_score_adj to a
// value below childOOMScoreAdj, so the kernel prefers killing a
// misbehaving neard child over the supervisor watching it. Call once at
// startup, before spawning any child.
func AdjustSelfOOMScore() {
	if err := os.WriteFile("/proc/self/oom_score_adj", []byte(selfOOMScoreAdj), 0o644); err != nil {
		log.WithError(err).Debug("procsupervisor: could not adjust own oom_score_adj")
	}
}

// ProcessState mirrors the teacher's ProcessState/CPUInfo pair, reported
// over the control channel and exporter.
type ProcessState struct {
	PID        int     `json:"pid"`
	Status     string  `json:"status"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Supervisor owns a single neard child process at a time.
type Supervisor struct {
	binary  string
	home    string
	rpcAddr string

	mu       sync.Mutex
	cmd      *exec.Cmd
	proc     *process.Process
	role     Role
	restarts uint64
	exitCode int

	exited chan struct{} // closed when the current child has been reaped
}

// New builds a Supervisor that will exec binary with --home=home, probing
// rpcAddr for readiness.
func New(binary, home, rpcAddr string) *Supervisor {
	return &Supervisor{binary: binary, home: home, rpcAddr: rpcAddr}
}

// Spawn patches config.json for role, execs neard and starts tracking its
// PID. It does not block for readiness; call WaitHealthy for that.
func (s *Supervisor) Spawn(role Role, bootnodes, networkAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return kerrors.NewChildError(kerrors.ChildFailedToSpawn, errors.New("a child is already running"))
	}

	if err := s.patchConfig(role, bootnodes, networkAddr); err != nil {
		return kerrors.NewChildError(kerrors.ChildFailedToSpawn, err)
	}

	cmd := exec.Command(s.binary, "run", "--home", s.home)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		log.WithError(err).Warn("procsupervisor: failed to start neard")
		return kerrors.NewChildError(kerrors.ChildFailedToSpawn, err)
	}

	p, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return kerrors.NewChildError(kerrors.ChildFailedToSpawn, err)
	}

	s.cmd = cmd
	s.proc = p
	s.role = role
	s.exited = make(chan struct{})
	s.adjustOOMScore(cmd.Process.Pid)

	go s.reap(cmd, s.exited)

	log.WithFields(log.Fields{"pid": cmd.Process.Pid, "role": role}).Info("procsupervisor: spawned neard")
	return nil
}

// reap waits for the child, recording that it has exited. Run in its own
// goroutine so Spawn doesn't block.
func (s *Supervisor) reap(cmd *exec.Cmd, done chan struct{}) {
	_ = cmd.Wait()
	s.mu.Lock()
	if cmd.ProcessState != nil {
		s.exitCode = cmd.ProcessState.ExitCode()
	}
	if s.cmd == cmd {
		s.cmd = nil
		s.proc = nil
	}
	s.mu.Unlock()
	close(done)
}

func (s *Supervisor) adjustOOMScore(pid int) {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(childOOMScoreAdj), 0o644); err != nil {
		log.WithError(err).Debug("procsupervisor: could not adjust child oom_score_adj")
	}
}

// patchConfig rewrites neard's config.json network section for the given
// role's addresses and bootnode list, per spec.md §4.3.
func (s *Supervisor) patchConfig(role Role, bootnodes, networkAddr string) error {
	path := filepath.Join(s.home, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config.json: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config.json: %w", err)
	}

	network, _ := doc["network"].(map[string]interface{})
	if network == nil {
		network = map[string]interface{}{}
	}
	network["addr"] = networkAddr
	network["boot_nodes"] = bootnodes
	doc["network"] = network

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return nil
}

// WaitHealthy polls rpcAddr until a TCP connection succeeds or ctx expires.
func (s *Supervisor) WaitHealthy(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", s.rpcAddr, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return kerrors.NewChildError(kerrors.ChildFailedToBecomeReady, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM and waits up to grace for the child to exit, killing
// it with SIGKILL if it doesn't.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).Warn("procsupervisor: SIGTERM failed, killing")
		return s.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		log.Warn("procsupervisor: graceful stop timed out, killing")
		return s.Kill()
	}
}

// Kill immediately SIGKILLs the child, if any.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill neard: %w", err)
	}
	return nil
}

// Reload sends SIGHUP so neard picks up a rewritten dyn_config.json,
// per spec.md §4.6.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return errors.New("no running child to reload")
	}
	return cmd.Process.Signal(syscall.SIGHUP)
}

// PID returns the current child's PID, or 0 if none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Restarts returns how many times Spawn has been called since the
// supervisor was created.
func (s *Supervisor) Restarts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// NoteRestart increments the restart counter. Called by the caller's
// state machine, not internally, so retries that are deliberately not a
// restart (e.g. the very first Spawn) don't inflate the count.
func (s *Supervisor) NoteRestart() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
}

// Status reports the current child's process state, matching the
// teacher's ProcessState shape.
func (s *Supervisor) Status() (*ProcessState, error) {
	s.mu.Lock()
	proc := s.proc
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if proc == nil {
		return &ProcessState{Status: "stopped"}, nil
	}

	statuses, err := proc.Status()
	if err != nil {
		return nil, fmt.Errorf("process status: %w", err)
	}
	statusStr := "unknown"
	if len(statuses) > 0 {
		statusStr = statuses[0]
	}

	mem, err := proc.MemoryInfo()
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}

	return &ProcessState{
		PID:        pid,
		Status:     statusStr,
		RSSBytes:   rss,
		CPUPercent: cpu,
	}, nil
}

// Exited returns a channel closed when the current child process has been
// reaped. Callers use this to detect unexpected exits.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// ExitCode reads the reaped child's exit status. Only meaningful after
// Exited() has fired.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}
