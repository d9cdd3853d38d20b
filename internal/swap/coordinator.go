// Package swap hot-swaps a sandbox's server engine, runtime version, or
// storage backend in place, preserving its id, domain, and port.
//
// A swap is a four-state plan: Prepared (config snapshot + backup token),
// Applying (verify new storage target, stop the old process, write the new
// configuration), Verifying (start under the new configuration, readiness
// probe, one functional round trip), then Committed, or RolledBack on any
// Applying/Verifying failure. The sandbox is never left Running while its
// persisted configuration and its live process configuration disagree.
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
)

// PlanState tracks a swap plan through its lifecycle.
type PlanState string

const (
	StatePrepared   PlanState = "prepared"
	StateApplying   PlanState = "applying"
	StateVerifying  PlanState = "verifying"
	StateCommitted  PlanState = "committed"
	StateRolledBack PlanState = "rolled_back"
)

// ChangeSet is the swappable slice of a sandbox's configuration.
type ChangeSet struct {
	ServerEngine   site.Engine
	RuntimeVersion string
	StorageBackend site.StorageBackend
	StorageEngine  string
	StorageVersion string
}

// changeSetOf snapshots the swappable fields of a record.
func changeSetOf(rec *site.Sandbox) ChangeSet {
	return ChangeSet{
		ServerEngine:   rec.ServerEngine,
		RuntimeVersion: rec.RuntimeVersion,
		StorageBackend: rec.StorageBackend,
		StorageEngine:  rec.StorageEngine,
		StorageVersion: rec.StorageVersion,
	}
}

// apply writes the change set onto a record, leaving identity fields alone.
func (c ChangeSet) apply(rec *site.Sandbox) {
	rec.ServerEngine = c.ServerEngine
	rec.RuntimeVersion = c.RuntimeVersion
	rec.StorageBackend = c.StorageBackend
	rec.StorageEngine = c.StorageEngine
	rec.StorageVersion = c.StorageVersion
}

// Plan is one in-flight swap. Transient: it exists only for the duration of
// the operation and is never persisted.
type Plan struct {
	SandboxID   uuid.UUID
	From        ChangeSet
	To          ChangeSet
	BackupToken uuid.UUID
	State       PlanState
	StartedAt   time.Time
}

// Registry is the slice of the site registry the coordinator needs.
type Registry interface {
	Get(id uuid.UUID) (*site.Sandbox, error)
	Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error)
}

// ProcessControl is the slice of the supervisor the coordinator needs. The
// lease-keeping variants preserve the sandbox's port across the swap: the
// port must stay leased through a failed start and its rollback, or a
// concurrent create could claim it in between.
type ProcessControl interface {
	StartKeepingLease(ctx context.Context, sb *site.Sandbox) error
	StopKeepingLease(ctx context.Context, sb *site.Sandbox) error
	Running(id uuid.UUID) bool
}

// StorageVerifier re-verifies the storage target when the backend changes.
type StorageVerifier interface {
	Verify(ctx context.Context, requested storage.Kind, creds storage.Credentials) storage.ProbeResult
}

// Coordinator executes swap plans.
type Coordinator struct {
	registry    Registry
	procs       ProcessControl
	verifier    StorageVerifier
	creds       storage.Credentials
	planTimeout time.Duration
	logger      *slog.Logger

	// functionalCheck is swappable for tests; default is one HTTP round
	// trip against the sandbox port.
	functionalCheck func(ctx context.Context, port int) error
}

// New creates a Coordinator. planTimeout bounds the whole plan; exceeding it
// triggers rollback.
func New(reg Registry, procs ProcessControl, verifier StorageVerifier, creds storage.Credentials, planTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if planTimeout <= 0 {
		planTimeout = 2 * time.Minute
	}
	return &Coordinator{
		registry:        reg,
		procs:           procs,
		verifier:        verifier,
		creds:           creds,
		planTimeout:     planTimeout,
		logger:          logger,
		functionalCheck: httpRoundTrip,
	}
}

// Swap changes the sandbox's engine/runtime/backend in place. On success the
// sandbox is Running under the new configuration with its original id,
// domain, and port. On failure the original configuration is restored and
// the process restarted; if that restoration itself fails the sandbox is
// marked Failed with site.ErrSwapRollbackFailed, never silently reported
// as success. Caller cancellation is equivalent to a forced rollback.
func (c *Coordinator) Swap(ctx context.Context, id uuid.UUID, to ChangeSet) (*site.Sandbox, error) {
	ctx, cancel := context.WithTimeout(ctx, c.planTimeout)
	defer cancel()

	rec, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := site.NewEngineConfig(to.ServerEngine, to.RuntimeVersion); err != nil {
		return nil, err
	}

	plan := &Plan{
		SandboxID:   id,
		From:        changeSetOf(rec),
		To:          to,
		BackupToken: uuid.New(),
		State:       StatePrepared,
		StartedAt:   time.Now().UTC(),
	}
	wasRunning := c.procs.Running(id)

	c.logger.Info("swap plan prepared",
		slog.String("sandbox_id", id.String()),
		slog.String("backup_token", plan.BackupToken.String()),
		slog.String("from_engine", string(plan.From.ServerEngine)),
		slog.String("to_engine", string(plan.To.ServerEngine)),
	)

	if err := c.applyPhase(ctx, plan, rec); err != nil {
		return c.rollback(plan, wasRunning, err)
	}
	if err := c.verifyPhase(ctx, plan); err != nil {
		return c.rollback(plan, wasRunning, err)
	}

	plan.State = StateCommitted
	c.logger.Info("swap committed",
		slog.String("sandbox_id", id.String()),
		slog.String("backup_token", plan.BackupToken.String()),
	)
	return c.registry.Get(id)
}

// applyPhase verifies the new storage target (verify-before-commit holds
// during swaps too), stops the old process, and writes the new
// configuration.
func (c *Coordinator) applyPhase(ctx context.Context, plan *Plan, rec *site.Sandbox) error {
	plan.State = StateApplying

	to := plan.To
	if to.StorageBackend != plan.From.StorageBackend && to.StorageBackend == site.BackendClientServer {
		kind, err := storage.ParseKind(to.StorageEngine)
		if err != nil {
			return err
		}
		probe := c.verifier.Verify(ctx, kind, c.creds)
		if !probe.Reachable {
			return probe.Unavailable()
		}
		to.StorageEngine = string(probe.EngineKind)
		to.StorageVersion = probe.Version
		plan.To = to
	}

	if c.procs.Running(plan.SandboxID) {
		if err := c.procs.StopKeepingLease(ctx, rec); err != nil {
			return fmt.Errorf("stopping old process: %w", err)
		}
	}

	if _, err := c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
		plan.To.apply(r)
		return nil
	}); err != nil {
		return fmt.Errorf("writing new configuration: %w", err)
	}
	return nil
}

// verifyPhase starts the process under the new configuration, runs the
// standard readiness probe (inside Start), then one functional round trip.
func (c *Coordinator) verifyPhase(ctx context.Context, plan *Plan) error {
	plan.State = StateVerifying

	rec, err := c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
		return r.Transition(site.StatusStarting)
	})
	if err != nil {
		return err
	}

	if err := c.procs.StartKeepingLease(ctx, rec); err != nil {
		return fmt.Errorf("starting under new configuration: %w", err)
	}
	if err := c.functionalCheck(ctx, rec.Port); err != nil {
		return fmt.Errorf("functional check: %w", err)
	}

	if _, err := c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
		if err := r.Transition(site.StatusRunning); err != nil {
			return err
		}
		r.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	return nil
}

// rollback restores the pre-swap configuration from the backup and restarts
// the previous process when one was running. The original failure is always
// surfaced; a rollback failure upgrades it to site.ErrSwapRollbackFailed and
// the sandbox is marked Failed.
func (c *Coordinator) rollback(plan *Plan, wasRunning bool, cause error) (*site.Sandbox, error) {
	c.logger.Warn("swap failed, rolling back",
		slog.String("sandbox_id", plan.SandboxID.String()),
		slog.String("backup_token", plan.BackupToken.String()),
		slog.String("state", string(plan.State)),
		slog.String("error", cause.Error()),
	)

	// The failed attempt may have left a half-started process behind.
	rbCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.procs.Running(plan.SandboxID) {
		if rec, err := c.registry.Get(plan.SandboxID); err == nil {
			if err := c.procs.StopKeepingLease(rbCtx, rec); err != nil {
				return c.rollbackFailed(plan, cause, err)
			}
		}
	}

	rec, err := c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
		plan.From.apply(r)
		r.LastTransitionAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return c.rollbackFailed(plan, cause, err)
	}

	if wasRunning {
		rec, err = c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
			if r.Status == site.StatusStarting {
				return nil
			}
			return r.Transition(site.StatusStarting)
		})
		if err != nil {
			return c.rollbackFailed(plan, cause, err)
		}
		if err := c.procs.StartKeepingLease(rbCtx, rec); err != nil {
			return c.rollbackFailed(plan, cause, err)
		}
		rec, err = c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
			return r.Transition(site.StatusRunning)
		})
		if err != nil {
			return c.rollbackFailed(plan, cause, err)
		}
	} else {
		rec, err = c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
			switch r.Status {
			case site.StatusStopped, site.StatusCreated:
				return nil
			case site.StatusStopping:
			default:
				if err := r.Transition(site.StatusStopping); err != nil {
					return err
				}
			}
			return r.Transition(site.StatusStopped)
		})
		if err != nil {
			return c.rollbackFailed(plan, cause, err)
		}
	}

	plan.State = StateRolledBack
	c.logger.Info("swap rolled back",
		slog.String("sandbox_id", plan.SandboxID.String()),
		slog.String("backup_token", plan.BackupToken.String()),
	)
	return rec, fmt.Errorf("swap failed (configuration restored): %w", cause)
}

// rollbackFailed marks the sandbox Failed: the swap failed AND restoring the
// previous configuration failed.
func (c *Coordinator) rollbackFailed(plan *Plan, cause, rbErr error) (*site.Sandbox, error) {
	c.logger.Error("swap rollback failed",
		slog.String("sandbox_id", plan.SandboxID.String()),
		slog.String("swap_error", cause.Error()),
		slog.String("rollback_error", rbErr.Error()),
	)
	rec, _ := c.registry.Update(plan.SandboxID, func(r *site.Sandbox) error {
		r.Fail(fmt.Errorf("%w: swap failed (%v) and rollback failed (%v)", site.ErrSwapRollbackFailed, cause, rbErr))
		return nil
	})
	return rec, fmt.Errorf("%w: swap error: %v: rollback error: %v", site.ErrSwapRollbackFailed, cause, rbErr)
}

// httpRoundTrip performs the single functional request/response check
// against the freshly started sandbox.
func httpRoundTrip(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sandbox answered %s", resp.Status)
	}
	return nil
}
