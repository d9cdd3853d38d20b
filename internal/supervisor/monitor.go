package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Monitor periodically confirms that every supervised process is still alive
// and that its port still answers. An unresponsive or vanished process is
// handled exactly like an observed crash: Failed status, port released.
type Monitor struct {
	sup    *Supervisor
	logger *slog.Logger
	cron   *cron.Cron
}

// NewMonitor creates a Monitor sweeping on the given cron spec
// (e.g. "@every 30s").
func NewMonitor(sup *Supervisor, sweepSpec string, logger *slog.Logger) (*Monitor, error) {
	m := &Monitor{
		sup:    sup,
		logger: logger,
		cron:   cron.New(),
	}
	if sweepSpec != "" {
		if _, err := m.cron.AddFunc(sweepSpec, m.Sweep); err != nil {
			return nil, fmt.Errorf("invalid liveness sweep spec %q: %w", sweepSpec, err)
		}
	}
	return m, nil
}

// Start begins sweeping in the background.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("liveness monitor started")
}

// Stop halts sweeping. Already running sweeps finish.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Sweep checks every supervised sandbox once. Exported so the automation
// surface can trigger an immediate check.
func (m *Monitor) Sweep() {
	m.sup.mu.Lock()
	handles := make([]*Handle, 0, len(m.sup.handles))
	for _, h := range m.sup.handles {
		handles = append(handles, h)
	}
	m.sup.mu.Unlock()

	for _, h := range handles {
		m.check(h)
	}
}

// check verifies one process: the exit watcher catches processes that died,
// so the sweep's job is signal-zero liveness plus a port probe. Both are
// bounded.
func (m *Monitor) check(h *Handle) {
	select {
	case <-h.done:
		return // Exit watcher owns this transition.
	default:
	}

	if err := syscall.Kill(h.Pid, 0); err != nil {
		m.logger.Warn("supervised process not signalable, waiting for exit watcher",
			slog.String("sandbox_id", h.SandboxID.String()),
			slog.Int("pid", h.Pid),
		)
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", h.Port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		// Alive but unresponsive. The exit watcher cannot catch a hung
		// process, so surface it loudly; operators stop/start to recover.
		m.logger.Warn("supervised process alive but port unresponsive",
			slog.String("sandbox_id", h.SandboxID.String()),
			slog.Int("port", h.Port),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = conn.Close()

	m.sup.mu.Lock()
	if live, ok := m.sup.handles[h.SandboxID]; ok {
		live.LastHeartbeatAt = time.Now().UTC()
	}
	m.sup.mu.Unlock()
}
