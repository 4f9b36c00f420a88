package tunnel

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cortexuvula/omnibridge/internal/metrics"
	"github.com/cortexuvula/omnibridge/internal/security"
)

// Monitor is the cooperative liveness loop. Every interval it probes each
// desired tunnel class and restarts dead processes. The VPN class is only
// probed via its out-of-band status command; the daemon restarts itself.
type Monitor struct {
	supervisor *Supervisor
	interval   time.Duration

	// vpnStatus, when non-empty, is run each tick; a non-zero exit flips
	// the vpn health flag without a restart attempt.
	vpnStatus    []string
	probeTimeout time.Duration

	mu     sync.Mutex
	health map[security.ConnectionClass]bool

	metrics *metrics.Metrics // optional, nil if metrics disabled
	cancel  context.CancelFunc
	done    chan struct{}

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewMonitor creates a monitor over the supervisor. vpnStatus may be nil
// when no VPN probe is configured.
func NewMonitor(s *Supervisor, vpnStatus []string, probeTimeout time.Duration) *Monitor {
	m := &Monitor{
		supervisor:   s,
		interval:     5 * time.Second,
		vpnStatus:    vpnStatus,
		probeTimeout: probeTimeout,
		health:       make(map[security.ConnectionClass]bool),
		command:      exec.CommandContext,
	}
	// The local accept loop is in-process; once the gateway is started it
	// is healthy by definition. Desired tunnels start out as down until the
	// first probe pass observes them alive.
	for _, class := range s.DesiredClasses() {
		m.health[class] = false
	}
	m.health[security.ClassLocal] = true
	return m
}

// SetMetrics sets the optional Prometheus metrics.
func (m *Monitor) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Start launches the monitor loop. Idempotent per instance; call Stop to
// cancel it at shutdown.
func (m *Monitor) Start() {
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop cancels the monitor loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Healthy reports the last observed liveness for a class.
func (m *Monitor) Healthy(class security.ConnectionClass) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[class]
}

// HealthState returns a snapshot of per-class liveness keyed by wire name.
func (m *Monitor) HealthState() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.health))
	for class, ok := range m.health {
		out[class.String()] = ok
	}
	return out
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	m.tick(ctx) // converge health state right away, not after one interval
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick performs one probe pass. Exceptions from probes or restarts are
// recorded and swallowed; nothing may take the loop down.
func (m *Monitor) tick(ctx context.Context) {
	for _, class := range m.supervisor.DesiredClasses() {
		alive := m.supervisor.Alive(class)
		m.setHealth(class, alive)
		if alive {
			continue
		}
		slog.Warn("tunnel down, attempting restart", "class", class.String())
		if m.metrics != nil {
			m.metrics.TunnelRestarts.WithLabelValues(class.String()).Inc()
		}
		if ok := m.supervisor.Restart(class); ok {
			m.setHealth(class, true)
		} else {
			slog.Error("tunnel restart failed", "class", class.String())
		}
	}

	if len(m.vpnStatus) > 0 {
		m.probeVPN(ctx)
	}
}

// probeVPN runs the status CLI; non-zero exit flips the vpn flag. The VPN
// daemon manages its own lifecycle, so no restart is attempted here.
func (m *Monitor) probeVPN(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	cmd := m.command(probeCtx, m.vpnStatus[0], m.vpnStatus[1:]...)
	if err := cmd.Run(); err != nil {
		slog.Warn("vpn status probe failed", "error", err)
		m.setHealth(security.ClassVPN, false)
		return
	}
	m.setHealth(security.ClassVPN, true)
}

func (m *Monitor) setHealth(class security.ConnectionClass, ok bool) {
	m.mu.Lock()
	m.health[class] = ok
	m.mu.Unlock()
	if m.metrics != nil {
		v := 0.0
		if ok {
			v = 1.0
		}
		m.metrics.TunnelUp.WithLabelValues(class.String()).Set(v)
	}
}
