// Package tunnel supervises the external tunnel processes that front the
// gateway (e.g. cloudflared) and tracks per-class liveness for the health
// monitor.
package tunnel

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cortexuvula/omnibridge/internal/security"
)

// Spec describes one managed tunnel executable for a connection class.
// The argv shape is configuration; the supervisor only runs it.
type Spec struct {
	Class      security.ConnectionClass
	Executable string
	Args       []string
	Desired    bool
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{} // closed when the process exits
}

// Supervisor starts, stops and restarts tunnel processes. All methods are
// safe for concurrent use. Process failures never propagate as errors to
// callers; Start/Restart report success as a bool and the health monitor
// drives recovery.
type Supervisor struct {
	mu           sync.Mutex
	specs        map[security.ConnectionClass]*Spec
	procs        map[security.ConnectionClass]*proc
	started      map[security.ConnectionClass]time.Time
	settlePeriod time.Duration
	probeTimeout time.Duration

	// command is the process factory, replaceable in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSupervisor creates a supervisor for the given tunnel specs.
func NewSupervisor(specs []Spec, settlePeriod, probeTimeout time.Duration) *Supervisor {
	s := &Supervisor{
		specs:        make(map[security.ConnectionClass]*Spec),
		procs:        make(map[security.ConnectionClass]*proc),
		started:      make(map[security.ConnectionClass]time.Time),
		settlePeriod: settlePeriod,
		probeTimeout: probeTimeout,
		command:      exec.CommandContext,
	}
	for i := range specs {
		spec := specs[i]
		s.specs[spec.Class] = &spec
	}
	return s
}

// Desired reports whether the class should have a running tunnel.
func (s *Supervisor) Desired(class security.ConnectionClass) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[class]
	return ok && spec.Desired
}

// DesiredClasses returns the classes with a desired tunnel, for iteration
// by the health monitor.
func (s *Supervisor) DesiredClasses() []security.ConnectionClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []security.ConnectionClass
	for class, spec := range s.specs {
		if spec.Desired {
			out = append(out, class)
		}
	}
	return out
}

// Start launches the tunnel for a class. Success means the executable
// answers a --version probe with exit 0 AND the long-running process is
// still up after the settle period.
func (s *Supervisor) Start(class security.ConnectionClass) bool {
	s.mu.Lock()
	spec, ok := s.specs[class]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if p := s.procs[class]; p != nil && processRunning(p) {
		s.mu.Unlock()
		return true // already up
	}
	exe, args := spec.Executable, spec.Args
	s.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	probe := s.command(probeCtx, exe, "--version")
	err := probe.Run()
	cancel()
	if err != nil {
		slog.Error("tunnel version probe failed", "class", class.String(), "executable", exe, "error", err)
		return false
	}

	cmd := s.command(context.Background(), exe, args...)
	if err := cmd.Start(); err != nil {
		slog.Error("tunnel spawn failed", "class", class.String(), "executable", exe, "error", err)
		return false
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()

	// Settle period: an executable that exits immediately (bad flags, bad
	// credentials) must not count as a successful start.
	select {
	case <-p.done:
		slog.Error("tunnel exited during settle period", "class", class.String())
		return false
	case <-time.After(s.settlePeriod):
	}

	s.mu.Lock()
	s.procs[class] = p
	s.started[class] = time.Now()
	s.mu.Unlock()

	slog.Info("tunnel started", "class", class.String(), "pid", cmd.Process.Pid)
	return true
}

// Alive reports whether the class's tunnel process is currently running.
func (s *Supervisor) Alive(class security.ConnectionClass) bool {
	s.mu.Lock()
	p := s.procs[class]
	s.mu.Unlock()
	return p != nil && processRunning(p)
}

// Stop terminates the class's tunnel process. Best-effort and idempotent:
// a missing or already-dead process is not an error.
func (s *Supervisor) Stop(class security.ConnectionClass) {
	s.mu.Lock()
	p := s.procs[class]
	delete(s.procs, class)
	s.mu.Unlock()

	if p == nil || p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		slog.Debug("tunnel terminate", "class", class.String(), "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		slog.Warn("tunnel did not exit after terminate", "class", class.String())
	}
}

// Restart stops and starts the class's tunnel.
func (s *Supervisor) Restart(class security.ConnectionClass) bool {
	slog.Info("restarting tunnel", "class", class.String())
	s.Stop(class)
	return s.Start(class)
}

// StopAll terminates every running tunnel. Used at gateway shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	classes := make([]security.ConnectionClass, 0, len(s.procs))
	for class := range s.procs {
		classes = append(classes, class)
	}
	s.mu.Unlock()
	for _, class := range classes {
		s.Stop(class)
	}
}

// LastStarted returns when the class's tunnel was last started successfully.
func (s *Supervisor) LastStarted(class security.ConnectionClass) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[class]
}

func processRunning(p *proc) bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
