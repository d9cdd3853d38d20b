// Package orchestrator is the public façade of the sandbox engine. It
// composes the registry, port allocator, storage verifier, process
// supervisor, and swap coordinator into the Create/Start/Stop/Delete/Swap
// lifecycle, enforcing one in-flight operation per sandbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
	"github.com/jkaninda/sitebox/internal/swap"
)

// CreateSpec is a request for a new sandbox. Zero-valued optional fields get
// defaults before validation.
type CreateSpec struct {
	DisplayName    string `json:"display_name" validate:"required,min=1,max=80"`
	Domain         string `json:"domain,omitempty"`
	ServerEngine   string `json:"server_engine,omitempty" validate:"omitempty,oneof=builtin nginx caddy"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	StorageEngine  string `json:"storage_engine,omitempty" validate:"omitempty,oneof=sqlite postgresql cockroach"`
	StartNow       bool   `json:"start_now,omitempty"`
}

// SwapSpec is a request to change a running or stopped sandbox's engine
// configuration in place. Empty fields keep the current value.
type SwapSpec struct {
	ServerEngine   string `json:"server_engine,omitempty" validate:"omitempty,oneof=builtin nginx caddy"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	StorageEngine  string `json:"storage_engine,omitempty" validate:"omitempty,oneof=sqlite postgresql cockroach"`
}

func (s *CreateSpec) applyDefaults() {
	if s.Domain == "" {
		s.Domain = site.DomainFromName(s.DisplayName)
	}
	if s.ServerEngine == "" {
		s.ServerEngine = string(site.EngineBuiltin)
	}
	if s.RuntimeVersion == "" {
		s.RuntimeVersion = site.DefaultRuntimeVersion
	}
	if s.StorageEngine == "" {
		s.StorageEngine = string(storage.KindSQLite)
	}
}

// Orchestrator serializes operations per sandbox and runs operations on
// different sandboxes in parallel. The only cross-sandbox shared state is
// the port set and the registry write path, both behind their own
// short-lived locks.
type Orchestrator struct {
	store    Store
	ports    PortLeaser
	verifier BackendVerifier
	storProv StorageProvisioner
	procs    Processes
	swapper  EngineSwapper
	content  ContentProvisioner
	domains  DomainRegistrar
	creds    storage.Credentials
	sitesDir string
	metrics  *SandboxMetrics
	validate *validator.Validate
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex // Per-sandbox serialization points.
}

// New creates an Orchestrator with the given components. Collaborators may
// be nil-adjusted later with WithCollaborators; until then the defaults
// (directory scaffolder, mappings-file registrar) are used.
func New(
	store Store,
	ports PortLeaser,
	verifier BackendVerifier,
	storProv StorageProvisioner,
	procs Processes,
	swapper EngineSwapper,
	creds storage.Credentials,
	sitesDir string,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		store:    store,
		ports:    ports,
		verifier: verifier,
		storProv: storProv,
		procs:    procs,
		swapper:  swapper,
		content:  &DirScaffolder{},
		domains:  NewFileRegistrar(filepath.Join(filepath.Dir(sitesDir), "domains.json")),
		creds:    creds,
		sitesDir: sitesDir,
		validate: validator.New(),
		logger:   logger,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// WithCollaborators replaces the content and domain collaborators. Either
// argument may be nil to keep the current one.
func (o *Orchestrator) WithCollaborators(content ContentProvisioner, domains DomainRegistrar) *Orchestrator {
	if content != nil {
		o.content = content
	}
	if domains != nil {
		o.domains = domains
	}
	return o
}

// WithMetrics attaches orchestrator metrics. Nil-safe. The running-sandbox
// gauge is derived from the registry at scrape time.
func (o *Orchestrator) WithMetrics(m *SandboxMetrics) *Orchestrator {
	o.metrics = m
	m.RegisterRunningGauge(func() int {
		recs, _ := o.store.List()
		n := 0
		for _, r := range recs {
			if r.Status == site.StatusRunning {
				n++
			}
		}
		return n
	})
	return o
}

// lock acquires the per-sandbox serialization point and returns its release
// function.
func (o *Orchestrator) lock(id uuid.UUID) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create validates the spec, leases a port, verifies the requested storage
// backend (downgrading to embedded on any probe failure, which is never
// fatal), provisions content and storage, persists the record with the
// backend actually obtained, and registers the domain. When spec.StartNow is
// set it chains into Start.
func (o *Orchestrator) Create(ctx context.Context, spec CreateSpec) (rec *site.Sandbox, err error) {
	started := time.Now()
	defer func() { o.metrics.RecordOperation("create", err, time.Since(started)) }()

	rec, err = o.createSandbox(ctx, spec)
	if err != nil {
		return nil, err
	}
	if spec.StartNow {
		running, err := o.Start(ctx, rec.ID)
		if err != nil {
			return rec, err
		}
		return running, nil
	}
	return rec, nil
}

// createSandbox performs the Create steps under the sandbox's lock, without
// the optional Start chaining.
func (o *Orchestrator) createSandbox(ctx context.Context, spec CreateSpec) (rec *site.Sandbox, err error) {
	spec.applyDefaults()
	if err := o.validate.Struct(spec); err != nil {
		return nil, specError(err)
	}
	if err := site.ValidateDomain(spec.Domain); err != nil {
		return nil, err
	}
	engine, err := site.ParseEngine(spec.ServerEngine)
	if err != nil {
		return nil, err
	}
	if _, err := site.NewEngineConfig(engine, spec.RuntimeVersion); err != nil {
		return nil, err
	}
	kind, err := storage.ParseKind(spec.StorageEngine)
	if err != nil {
		return nil, err
	}

	id := site.NewID()
	unlock := o.lock(id)
	defer unlock()

	port, err := o.ports.Lease(id)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			o.ports.Release(port)
		}
	}()

	kind, version := o.resolveBackend(ctx, kind)

	now := time.Now().UTC()
	rec = &site.Sandbox{
		ID:               id,
		DisplayName:      spec.DisplayName,
		Domain:           spec.Domain,
		RootPath:         filepath.Join(o.sitesDir, id.String(), "root"),
		Port:             port,
		RuntimeVersion:   spec.RuntimeVersion,
		ServerEngine:     engine,
		StorageBackend:   kind.Backend(),
		StorageEngine:    string(kind),
		StorageVersion:   version,
		Status:           site.StatusCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	if err := o.store.Create(rec); err != nil {
		return nil, err
	}
	defer func() {
		if !committed {
			if delErr := o.store.Delete(id); delErr != nil {
				o.logger.Warn("cleaning up partial record", slog.String("sandbox_id", id.String()), slog.String("error", delErr.Error()))
			}
		}
	}()

	if err := o.content.Provision(ctx, rec.RootPath, rec.RuntimeVersion); err != nil {
		return nil, fmt.Errorf("provisioning content: %w", err)
	}
	if err := o.storProv.Provision(ctx, rec, o.creds); err != nil {
		return nil, fmt.Errorf("provisioning storage: %w", err)
	}
	if err := o.domains.RegisterDomain(ctx, rec.Domain, rec.Port); err != nil {
		return nil, fmt.Errorf("registering domain: %w", err)
	}

	committed = true
	o.logger.Info("sandbox created",
		slog.String("sandbox_id", id.String()),
		slog.String("domain", rec.Domain),
		slog.Int("port", rec.Port),
		slog.String("storage_backend", string(rec.StorageBackend)),
	)
	return rec, nil
}

// resolveBackend applies the verify-before-commit rule: a client-server kind
// is kept only when the probe reports reachable; any failure downgrades to
// the embedded backend and the reason is logged. Returns the kind to persist
// and the verified server version, if any.
func (o *Orchestrator) resolveBackend(ctx context.Context, requested storage.Kind) (storage.Kind, string) {
	if requested.Backend() != site.BackendClientServer {
		return requested, ""
	}
	probe := o.verifier.Verify(ctx, requested, o.creds)
	if probe.Reachable {
		return probe.EngineKind, probe.Version
	}
	o.metrics.RecordDowngrade()
	o.logger.Warn("storage backend unavailable, downgrading to embedded",
		slog.String("requested", string(requested)),
		slog.String("reason", string(probe.FailureReason)),
	)
	return storage.KindSQLite, ""
}

// Start launches the sandbox's server process on its recorded port. The
// record is moved to Starting, handed to the supervisor (which owns the
// readiness probe and the failure path), and moved to Running on success.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) (rec *site.Sandbox, err error) {
	started := time.Now()
	defer func() { o.metrics.RecordOperation("start", err, time.Since(started)) }()

	unlock := o.lock(id)
	defer unlock()

	rec, err = o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if o.procs.Running(id) && rec.Status == site.StatusRunning {
		return rec, nil
	}
	if !rec.Status.CanTransition(site.StatusStarting) {
		return nil, &site.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot start a sandbox in state %s", rec.Status),
		}
	}

	// A restarting sandbox keeps its recorded port.
	if err := o.ports.Reserve(rec.Port, id); err != nil {
		return nil, err
	}
	held := false
	defer func() {
		if !held {
			o.ports.Release(rec.Port)
		}
	}()

	rec, err = o.store.Update(id, func(r *site.Sandbox) error {
		return r.Transition(site.StatusStarting)
	})
	if err != nil {
		return nil, err
	}

	if err := o.procs.Start(ctx, rec); err != nil {
		// The supervisor already recorded Failed and released the lease.
		held = true
		return nil, err
	}
	held = true

	rec, err = o.store.Update(id, func(r *site.Sandbox) error {
		if err := r.Transition(site.StatusRunning); err != nil {
			return err
		}
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("sandbox running",
		slog.String("sandbox_id", id.String()),
		slog.String("domain", rec.Domain),
		slog.Int("port", rec.Port),
	)
	return rec, nil
}

// Stop terminates the sandbox's process and releases its port. Stopping an
// already-stopped sandbox is a no-op success.
func (o *Orchestrator) Stop(ctx context.Context, id uuid.UUID) (rec *site.Sandbox, err error) {
	started := time.Now()
	defer func() { o.metrics.RecordOperation("stop", err, time.Since(started)) }()

	unlock := o.lock(id)
	defer unlock()
	return o.stopLocked(ctx, id)
}

func (o *Orchestrator) stopLocked(ctx context.Context, id uuid.UUID) (*site.Sandbox, error) {
	rec, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case site.StatusCreated, site.StatusStopped, site.StatusFailed:
		if !o.procs.Running(id) {
			return rec, nil
		}
	}

	rec, err = o.store.Update(id, func(r *site.Sandbox) error {
		return r.Transition(site.StatusStopping)
	})
	if err != nil {
		return nil, err
	}
	if err := o.procs.Stop(ctx, rec); err != nil {
		return nil, fmt.Errorf("stopping sandbox %s: %w", id, err)
	}
	o.logger.Info("sandbox stopped", slog.String("sandbox_id", id.String()))
	return o.store.Get(id)
}

// Delete removes the sandbox. Running/Starting sandboxes are stopped first;
// the port is released, the record and its on-disk tree removed, and the
// domain mapping revoked.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) (err error) {
	started := time.Now()
	defer func() { o.metrics.RecordOperation("delete", err, time.Since(started)) }()

	unlock := o.lock(id)
	defer unlock()

	rec, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if !rec.Status.Deletable() {
		if rec, err = o.stopLocked(ctx, id); err != nil {
			return fmt.Errorf("stopping before delete: %w", err)
		}
	}
	if rec.Port != 0 {
		o.ports.Release(rec.Port)
	}
	if err := o.store.Delete(id); err != nil {
		return err
	}
	if err := o.domains.UnregisterDomain(ctx, rec.Domain); err != nil {
		o.logger.Warn("revoking domain mapping",
			slog.String("domain", rec.Domain),
			slog.String("error", err.Error()),
		)
	}
	o.logger.Info("sandbox deleted",
		slog.String("sandbox_id", id.String()),
		slog.String("domain", rec.Domain),
	)
	return nil
}

// Swap changes the sandbox's server engine, runtime version, or storage
// backend in place, preserving its id, domain, and port.
func (o *Orchestrator) Swap(ctx context.Context, id uuid.UUID, spec SwapSpec) (rec *site.Sandbox, err error) {
	started := time.Now()
	defer func() { o.metrics.RecordOperation("swap", err, time.Since(started)) }()

	if err := o.validate.Struct(spec); err != nil {
		return nil, specError(err)
	}

	unlock := o.lock(id)
	defer unlock()

	current, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	to := swap.ChangeSet{
		ServerEngine:   current.ServerEngine,
		RuntimeVersion: current.RuntimeVersion,
		StorageBackend: current.StorageBackend,
		StorageEngine:  current.StorageEngine,
		StorageVersion: current.StorageVersion,
	}
	if spec.ServerEngine != "" {
		engine, err := site.ParseEngine(spec.ServerEngine)
		if err != nil {
			return nil, err
		}
		to.ServerEngine = engine
	}
	if spec.RuntimeVersion != "" {
		to.RuntimeVersion = spec.RuntimeVersion
	}
	if spec.StorageEngine != "" {
		kind, err := storage.ParseKind(spec.StorageEngine)
		if err != nil {
			return nil, err
		}
		to.StorageBackend = kind.Backend()
		to.StorageEngine = string(kind)
		to.StorageVersion = ""
	}
	rec, err = o.swapper.Swap(ctx, id, to)
	if err != nil && errors.Is(err, site.ErrSwapRollbackFailed) {
		// The coordinator keeps the lease through the whole plan; once the
		// sandbox lands in Failed the lease is settled here, mirroring the
		// supervisor's failure bookkeeping.
		o.ports.Release(current.Port)
	}
	return rec, err
}

// Get returns one sandbox record.
func (o *Orchestrator) Get(id uuid.UUID) (*site.Sandbox, error) {
	return o.store.Get(id)
}

// List returns all readable sandbox records. Corrupt records are logged and
// skipped so one damaged file never hides the fleet.
func (o *Orchestrator) List() []*site.Sandbox {
	recs, corrupt := o.store.List()
	for _, c := range corrupt {
		o.logger.Warn("skipping corrupt sandbox record",
			slog.String("sandbox_id", c.ID),
			slog.String("path", c.Path),
		)
	}
	return recs
}

// Recover rebuilds in-memory state after a restart: ports recorded as held
// by Starting/Running sandboxes are re-leased so newly created sandboxes
// cannot collide with them.
func (o *Orchestrator) Recover() {
	active := o.store.ActivePorts()
	if len(active) == 0 {
		return
	}
	o.ports.Rehydrate(active)
	o.logger.Info("recovered port leases", slog.Int("count", len(active)))
}

// specError converts validator output into the local validation error type.
func specError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &site.ValidationError{
			Field:  f.Field(),
			Reason: fmt.Sprintf("failed %q constraint", f.Tag()),
		}
	}
	return err
}
