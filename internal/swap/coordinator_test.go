package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry is an in-memory Registry.
type fakeRegistry struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*site.Sandbox
}

func newFakeRegistry(recs ...*site.Sandbox) *fakeRegistry {
	f := &fakeRegistry{recs: make(map[uuid.UUID]*site.Sandbox)}
	for _, r := range recs {
		f.recs[r.ID] = r
	}
	return f
}

func (f *fakeRegistry) Get(id uuid.UUID) (*site.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, site.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRegistry) Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, site.ErrNotFound
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// fakeProcs simulates the supervisor: tracks which sandboxes run and which
// engine configuration each start observed.
type fakeProcs struct {
	mu       sync.Mutex
	running  map[uuid.UUID]bool
	started  []ChangeSet // Configuration observed at each Start.
	startErr []error     // Consumed per Start call; nil entries succeed.
	stopErr  error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{running: make(map[uuid.UUID]bool)}
}

func (p *fakeProcs) StartKeepingLease(_ context.Context, sb *site.Sandbox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, changeSetOf(sb))
	if len(p.startErr) > 0 {
		err := p.startErr[0]
		p.startErr = p.startErr[1:]
		if err != nil {
			return err
		}
	}
	p.running[sb.ID] = true
	return nil
}

func (p *fakeProcs) StopKeepingLease(_ context.Context, sb *site.Sandbox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopErr != nil {
		return p.stopErr
	}
	delete(p.running, sb.ID)
	return nil
}

func (p *fakeProcs) Running(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[id]
}

// fakeVerifier answers storage probes from a script.
type fakeVerifier struct {
	result storage.ProbeResult
}

func (v *fakeVerifier) Verify(_ context.Context, kind storage.Kind, _ storage.Credentials) storage.ProbeResult {
	res := v.result
	if res.EngineKind == "" {
		res.EngineKind = kind
	}
	return res
}

func runningSandbox() *site.Sandbox {
	return &site.Sandbox{
		ID:             site.NewID(),
		DisplayName:    "shop",
		Domain:         "shop.local",
		Port:           8885,
		RuntimeVersion: "8.3",
		ServerEngine:   site.EngineBuiltin,
		StorageBackend: site.BackendEmbedded,
		StorageEngine:  string(storage.KindSQLite),
		Status:         site.StatusRunning,
	}
}

func testCoordinator(reg Registry, procs ProcessControl, verifier StorageVerifier) *Coordinator {
	c := New(reg, procs, verifier, storage.Credentials{Host: "127.0.0.1", Port: 5432}, time.Minute, testLogger())
	c.functionalCheck = func(context.Context, int) error { return nil }
	return c
}

func TestSwapEnginePreservesIdentity(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	to := changeSetOf(sb)
	to.ServerEngine = site.EngineNginx

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if rec.ServerEngine != site.EngineNginx {
		t.Errorf("engine = %s, want nginx", rec.ServerEngine)
	}
	if rec.ID != sb.ID || rec.Domain != "shop.local" || rec.Port != 8885 {
		t.Errorf("identity changed: %+v", rec)
	}
	if rec.Status != site.StatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
	if len(procs.started) != 1 || procs.started[0].ServerEngine != site.EngineNginx {
		t.Errorf("process not restarted under new engine: %+v", procs.started)
	}
}

func TestSwapInvalidTargetRejectedUpFront(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	to := changeSetOf(sb)
	to.ServerEngine = site.Engine("apache")

	_, err := c.Swap(context.Background(), sb.ID, to)
	var verr *site.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	// Nothing stopped, nothing started, configuration untouched.
	if !procs.Running(sb.ID) || len(procs.started) != 0 {
		t.Error("process touched on rejected swap")
	}
	rec, _ := reg.Get(sb.ID)
	if rec.ServerEngine != site.EngineBuiltin {
		t.Error("configuration mutated on rejected swap")
	}
}

func TestSwapUnknownSandbox(t *testing.T) {
	c := testCoordinator(newFakeRegistry(), newFakeProcs(), &fakeVerifier{})
	to := ChangeSet{ServerEngine: site.EngineBuiltin, RuntimeVersion: "8.3"}
	if _, err := c.Swap(context.Background(), uuid.New(), to); !errors.Is(err, site.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSwapVerifyFailureRollsBack(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	// First Start (new config) fails; second Start (rollback restart)
	// succeeds.
	procs.startErr = []error{errors.New("nginx: bind failed"), nil}

	to := changeSetOf(sb)
	to.ServerEngine = site.EngineNginx

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err == nil {
		t.Fatal("Swap succeeded despite start failure")
	}
	if errors.Is(err, site.ErrSwapRollbackFailed) {
		t.Fatalf("rollback reported failed: %v", err)
	}

	if rec.ServerEngine != site.EngineBuiltin {
		t.Errorf("engine = %s, want original builtin restored", rec.ServerEngine)
	}
	if rec.Status != site.StatusRunning {
		t.Errorf("status = %s, want running after rollback restart", rec.Status)
	}
	if rec.Port != 8885 {
		t.Errorf("port changed across rollback: %d", rec.Port)
	}
	if !procs.Running(sb.ID) {
		t.Error("process not running after rollback")
	}
	// Rollback restart observed the ORIGINAL configuration.
	last := procs.started[len(procs.started)-1]
	if last.ServerEngine != site.EngineBuiltin {
		t.Errorf("rollback restarted under %s", last.ServerEngine)
	}
}

func TestSwapFunctionalCheckFailureRollsBack(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	calls := 0
	c.functionalCheck = func(context.Context, int) error {
		calls++
		if calls == 1 {
			return errors.New("sandbox answered 500 Internal Server Error")
		}
		return nil
	}

	to := changeSetOf(sb)
	to.ServerEngine = site.EngineCaddy

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err == nil {
		t.Fatal("Swap succeeded despite functional check failure")
	}
	if rec.ServerEngine != site.EngineBuiltin || rec.Status != site.StatusRunning {
		t.Errorf("rollback incomplete: %+v", rec)
	}
}

func TestSwapStoppedSandboxRollsBackToStopped(t *testing.T) {
	sb := runningSandbox()
	sb.Status = site.StatusStopped
	reg := newFakeRegistry(sb)
	procs := newFakeProcs() // Not running.
	c := testCoordinator(reg, procs, &fakeVerifier{})

	procs.startErr = []error{errors.New("caddy: not installed")}

	to := changeSetOf(sb)
	to.ServerEngine = site.EngineCaddy

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err == nil {
		t.Fatal("Swap succeeded despite start failure")
	}
	if rec.Status != site.StatusStopped {
		t.Errorf("status = %s, want stopped (was not running before swap)", rec.Status)
	}
	if rec.ServerEngine != site.EngineBuiltin {
		t.Errorf("engine not restored: %s", rec.ServerEngine)
	}
}

func TestSwapBackendChangeReverifies(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	verifier := &fakeVerifier{result: storage.ProbeResult{
		EngineKind: storage.KindPostgres,
		Version:    "PostgreSQL 16.3",
		Reachable:  true,
	}}
	c := testCoordinator(reg, procs, verifier)

	to := changeSetOf(sb)
	to.StorageBackend = site.BackendClientServer
	to.StorageEngine = string(storage.KindPostgres)

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if rec.StorageBackend != site.BackendClientServer {
		t.Errorf("backend = %s", rec.StorageBackend)
	}
	if rec.StorageVersion != "PostgreSQL 16.3" {
		t.Errorf("storage version not recorded from probe: %q", rec.StorageVersion)
	}
}

func TestSwapBackendUnavailableRollsBackWithoutStopping(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	verifier := &fakeVerifier{result: storage.ProbeResult{
		EngineKind:    storage.KindPostgres,
		Reachable:     false,
		FailureReason: site.ProbeFailureNotRunning,
	}}
	c := testCoordinator(reg, procs, verifier)

	to := changeSetOf(sb)
	to.StorageBackend = site.BackendClientServer
	to.StorageEngine = string(storage.KindPostgres)

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if err == nil {
		t.Fatal("Swap succeeded with unreachable backend")
	}
	var unavailable *site.BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want BackendUnavailableError", err)
	}
	if rec.StorageBackend != site.BackendEmbedded {
		t.Errorf("backend = %s, want embedded preserved", rec.StorageBackend)
	}
	if rec.Status != site.StatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
}

func TestSwapRollbackFailureMarksFailed(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	// Both the new-config start and the rollback restart fail.
	procs.startErr = []error{errors.New("nginx: bind failed"), errors.New("php: segfault")}

	to := changeSetOf(sb)
	to.ServerEngine = site.EngineNginx

	rec, err := c.Swap(context.Background(), sb.ID, to)
	if !errors.Is(err, site.ErrSwapRollbackFailed) {
		t.Fatalf("err = %v, want ErrSwapRollbackFailed", err)
	}
	if rec.Status != site.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("LastError empty after rollback failure")
	}
}

func TestSwapNoopChangeSetStillRestarts(t *testing.T) {
	sb := runningSandbox()
	reg := newFakeRegistry(sb)
	procs := newFakeProcs()
	procs.running[sb.ID] = true
	c := testCoordinator(reg, procs, &fakeVerifier{})

	rec, err := c.Swap(context.Background(), sb.ID, changeSetOf(sb))
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if rec.Status != site.StatusRunning {
		t.Errorf("status = %s", rec.Status)
	}
	if len(procs.started) != 1 {
		t.Errorf("started %d times, want 1", len(procs.started))
	}
}
