// Package supervisor starts, stops, and monitors sandbox server processes.
//
// Process handles live exclusively in the supervisor's in-memory table and
// are never embedded in persisted sandbox records, so a crash can never
// leave a stale handle on disk. Every wait in this package is bounded:
// readiness is a marker watch or a fixed number of port probes, shutdown is
// a graceful signal followed by a bounded grace period and a hard kill.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/ports"
	"github.com/jkaninda/sitebox/internal/site"
)

// Store is the slice of the registry the supervisor needs: read-modify-write
// of one sandbox record.
type Store interface {
	Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error)
}

// Handle tracks one live sandbox process. Owned exclusively by the
// supervisor.
type Handle struct {
	SandboxID       uuid.UUID
	Pid             int
	Port            int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	ExitCode        *int

	cmd  *exec.Cmd
	done chan struct{} // Closed when the process has exited.
}

// Supervisor supervises sandbox server processes.
type Supervisor struct {
	cfg       config.SupervisorConfig
	allocator *ports.Allocator
	store     Store
	logger    *slog.Logger
	crashHook func() // Invoked on every unexpected process exit.

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// WithCrashHook registers a callback invoked whenever a supervised process
// exits without a Stop request. Nil clears the hook.
func (s *Supervisor) WithCrashHook(fn func()) *Supervisor {
	s.crashHook = fn
	return s
}

// New creates a Supervisor.
func New(cfg config.SupervisorConfig, allocator *ports.Allocator, store Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		allocator: allocator,
		store:     store,
		logger:    logger,
		handles:   make(map[uuid.UUID]*Handle),
	}
}

// Start spawns the sandbox's server process and blocks until it is ready or
// the startup timeout elapses. On timeout or early exit the sandbox is
// transitioned to Failed, lastError is recorded, and the port lease is
// released; cancellation leaks nothing.
func (s *Supervisor) Start(ctx context.Context, sb *site.Sandbox) error {
	return s.start(ctx, sb, true)
}

// StartKeepingLease is Start without releasing the port lease on failure.
// The swap coordinator uses it so a sandbox keeps its port identity across
// a failed swap attempt and the rollback that follows.
func (s *Supervisor) StartKeepingLease(ctx context.Context, sb *site.Sandbox) error {
	return s.start(ctx, sb, false)
}

// start runs the spawn and readiness sequence. Every error return has gone
// through fail first, so the record is Failed and the lease settled before
// the caller sees the error. The one exception is a live process already
// under supervision, which is left untouched.
func (s *Supervisor) start(ctx context.Context, sb *site.Sandbox, releaseOnFail bool) error {
	s.mu.Lock()
	if h, exists := s.handles[sb.ID]; exists {
		select {
		case <-h.done:
			// Stale handle: the process exited but the exit watcher has
			// not reaped it yet.
			delete(s.handles, sb.ID)
		default:
			s.mu.Unlock()
			return fmt.Errorf("sandbox %s already has a supervised process", sb.ID)
		}
	}
	s.mu.Unlock()

	engineCfg, err := sb.EngineConfig()
	if err != nil {
		s.fail(sb.ID, sb.Port, err, releaseOnFail)
		return err
	}

	argv := engineCfg.Args(sb.Port, sb.RootPath, sb.StorageBackend)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = sb.RootPath
	// Own process group, so shutdown can kill children the engine spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		err = fmt.Errorf("attaching diagnostic stream: %w", err)
		s.fail(sb.ID, sb.Port, err, releaseOnFail)
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		err = fmt.Errorf("attaching output stream: %w", err)
		s.fail(sb.ID, sb.Port, err, releaseOnFail)
		return err
	}

	s.logger.Info("starting sandbox process",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("engine", string(sb.ServerEngine)),
		slog.Int("port", sb.Port),
	)

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("spawning %s: %w", argv[0], err)
		s.fail(sb.ID, sb.Port, err, releaseOnFail)
		return err
	}

	h := &Handle{
		SandboxID:       sb.ID,
		Pid:             cmd.Process.Pid,
		Port:            sb.Port,
		StartedAt:       time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
		cmd:             cmd,
		done:            make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[sb.ID] = h
	s.mu.Unlock()

	markerSeen := watchMarker(io.MultiReader(stderr, stdout), engineCfg.ReadyMarker())

	// Reap the process exactly once; everyone else waits on h.done.
	go func() {
		err := cmd.Wait()
		code := exitCode(err)
		s.mu.Lock()
		h.ExitCode = &code
		s.mu.Unlock()
		close(h.done)
	}()

	if err := s.awaitReady(ctx, sb, h, markerSeen); err != nil {
		s.terminate(h)
		s.forget(sb.ID)
		s.fail(sb.ID, sb.Port, err, releaseOnFail)
		return err
	}

	go s.watchExit(h)
	return nil
}

// awaitReady waits for either the readiness marker on the diagnostic stream
// or a successful port probe, using bounded attempts at a fixed interval
// inside the overall startup timeout.
func (s *Supervisor) awaitReady(ctx context.Context, sb *site.Sandbox, h *Handle, markerSeen <-chan struct{}) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout())
	defer deadline.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", sb.Port)
	ticker := time.NewTicker(s.cfg.ReadinessDelay())
	defer ticker.Stop()

	for attempt := 0; attempt < s.cfg.Attempts(); attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			code := 0
			if h.ExitCode != nil {
				code = *h.ExitCode
			}
			return &site.ProcessCrashedError{SandboxID: sb.ID, ExitCode: code}
		case <-markerSeen:
			return nil
		case <-deadline.C:
			return fmt.Errorf("after %s: %w", s.cfg.StartupTimeout(), site.ErrProcessStartTimeout)
		case <-ticker.C:
			if conn, err := net.DialTimeout("tcp", addr, s.cfg.ReadinessDelay()); err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
	return fmt.Errorf("after %d probes: %w", s.cfg.Attempts(), site.ErrProcessStartTimeout)
}

// Stop terminates the sandbox's process: graceful signal, bounded grace
// period, hard kill. The port lease is released and the record set to
// Stopped unconditionally: Stop on an already stopped sandbox succeeds
// with no state change beyond the idempotent release.
func (s *Supervisor) Stop(ctx context.Context, sb *site.Sandbox) error {
	if err := s.StopKeepingLease(ctx, sb); err != nil {
		return err
	}
	s.allocator.Release(sb.Port)
	return nil
}

// StopKeepingLease is Stop without releasing the port lease. The swap
// coordinator uses it so a sandbox keeps its port identity across an
// in-place engine swap.
func (s *Supervisor) StopKeepingLease(ctx context.Context, sb *site.Sandbox) error {
	s.mu.Lock()
	h, ok := s.handles[sb.ID]
	s.mu.Unlock()

	if ok {
		// Graceful first: SIGTERM to the group.
		_ = syscall.Kill(-h.Pid, syscall.SIGTERM)

		select {
		case <-h.done:
		case <-time.After(s.cfg.StopGrace()):
			s.logger.Warn("grace period expired, killing process group",
				slog.String("sandbox_id", sb.ID.String()),
				slog.Int("pid", h.Pid),
			)
			s.terminate(h)
			<-h.done
		case <-ctx.Done():
			s.terminate(h)
			<-h.done
		}
		s.forget(sb.ID)
	}

	_, err := s.store.Update(sb.ID, func(rec *site.Sandbox) error {
		switch rec.Status {
		case site.StatusStopped:
			return nil // Idempotent.
		case site.StatusCreated:
			return nil // Never started; nothing to record.
		case site.StatusStopping:
		default:
			if err := rec.Transition(site.StatusStopping); err != nil {
				return err
			}
		}
		return rec.Transition(site.StatusStopped)
	})
	if err != nil {
		return fmt.Errorf("recording stop for %s: %w", sb.ID, err)
	}

	s.logger.Info("sandbox stopped", slog.String("sandbox_id", sb.ID.String()))
	return nil
}

// Handle returns a copy of the live handle for the sandbox, if any.
func (s *Supervisor) Handle(id uuid.UUID) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Running reports whether the supervisor holds a live process for the
// sandbox.
func (s *Supervisor) Running(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// watchExit waits for the process to exit on its own. An exit while the
// record says Running is a crash: the sandbox goes to Failed and the port
// is released. A deliberate Stop removes the handle first, so the watcher
// finding it gone does nothing.
func (s *Supervisor) watchExit(h *Handle) {
	<-h.done

	s.mu.Lock()
	_, supervised := s.handles[h.SandboxID]
	s.mu.Unlock()
	if !supervised {
		return // Deliberate stop already handled bookkeeping.
	}
	s.forget(h.SandboxID)

	code := 0
	if h.ExitCode != nil {
		code = *h.ExitCode
	}
	crash := &site.ProcessCrashedError{SandboxID: h.SandboxID, ExitCode: code}
	if s.crashHook != nil {
		s.crashHook()
	}
	s.logger.Error("sandbox process exited unexpectedly",
		slog.String("sandbox_id", h.SandboxID.String()),
		slog.Int("exit_code", code),
	)

	rec, err := s.store.Update(h.SandboxID, func(rec *site.Sandbox) error {
		rec.Fail(crash)
		return nil
	})
	if err != nil {
		s.logger.Error("recording crash failed",
			slog.String("sandbox_id", h.SandboxID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.allocator.Release(rec.Port)
}

// fail marks the sandbox Failed with the cause, releasing its port unless
// the caller keeps the lease across the failure.
func (s *Supervisor) fail(id uuid.UUID, port int, cause error, releaseLease bool) {
	if releaseLease {
		s.allocator.Release(port)
	}
	if _, err := s.store.Update(id, func(rec *site.Sandbox) error {
		rec.Fail(cause)
		return nil
	}); err != nil {
		s.logger.Error("recording failure failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// terminate kills the whole process group.
func (s *Supervisor) terminate(h *Handle) {
	_ = syscall.Kill(-h.Pid, syscall.SIGKILL)
}

func (s *Supervisor) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// watchMarker scans the diagnostic stream for the engine's readiness marker.
// The returned channel closes once the marker appears; the stream keeps
// draining afterwards so the child never blocks on a full pipe.
func watchMarker(r io.Reader, marker string) <-chan struct{} {
	seen := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(r)
		fired := marker == ""
		for scanner.Scan() {
			if !fired && strings.Contains(scanner.Text(), marker) {
				close(seen)
				fired = true
			}
		}
	}()
	return seen
}

// exitCode extracts the process exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
