package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/ports"
	"github.com/jkaninda/sitebox/internal/site"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store capturing record mutations.
type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*site.Sandbox
}

func newMemStore(recs ...*site.Sandbox) *memStore {
	m := &memStore{recs: make(map[uuid.UUID]*site.Sandbox)}
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return m
}

func (m *memStore) Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, site.ErrNotFound
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) get(id uuid.UUID) *site.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.recs[id]
	return &cp
}

func testAllocator() *ports.Allocator {
	return ports.NewAllocator(8881, 8999)
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		StartupTimeoutS:   1,
		ReadinessAttempts: 3,
		ReadinessDelayMS:  50,
		StopGraceS:        1,
	}
}

func testSandbox(port int) *site.Sandbox {
	return &site.Sandbox{
		ID:             site.NewID(),
		DisplayName:    "shop",
		Domain:         "shop.local",
		RootPath:       "/nonexistent/root",
		Port:           port,
		RuntimeVersion: "99.99", // Runtime binary that cannot exist on this machine.
		ServerEngine:   site.EngineBuiltin,
		StorageBackend: site.BackendEmbedded,
		Status:         site.StatusStarting,
	}
}

func TestStartSpawnFailureMarksFailedAndReleasesPort(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	if err := alloc.Reserve(8881, sb.ID); err != nil {
		t.Fatal(err)
	}
	store := newMemStore(sb)
	sup := New(testConfig(), alloc, store, testLogger())

	err := sup.Start(context.Background(), sb)
	if err == nil {
		t.Fatal("Start succeeded with a nonexistent engine binary")
	}

	rec := store.get(sb.ID)
	if rec.Status != site.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("LastError not recorded")
	}
	if alloc.LeasedCount() != 0 {
		t.Error("port lease leaked after failed start")
	}
	if sup.Running(sb.ID) {
		t.Error("Running true after failed start")
	}
}

func TestStartKeepingLeaseKeepsPortOnFailure(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	if err := alloc.Reserve(8881, sb.ID); err != nil {
		t.Fatal(err)
	}
	store := newMemStore(sb)
	sup := New(testConfig(), alloc, store, testLogger())

	err := sup.StartKeepingLease(context.Background(), sb)
	if err == nil {
		t.Fatal("StartKeepingLease succeeded with a nonexistent engine binary")
	}

	if store.get(sb.ID).Status != site.StatusFailed {
		t.Errorf("status = %s, want failed", store.get(sb.ID).Status)
	}
	// The lease survives the failure so a rollback can restart the previous
	// engine on the same port.
	owner, held := alloc.Owner(8881)
	if !held || owner != sb.ID {
		t.Errorf("lease for port 8881 gone after failed start (held=%v owner=%s)", held, owner)
	}
}

func TestStartInvalidEngineConfigMarksFailed(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	sb.RuntimeVersion = "banana"
	if err := alloc.Reserve(8881, sb.ID); err != nil {
		t.Fatal(err)
	}
	store := newMemStore(sb)
	sup := New(testConfig(), alloc, store, testLogger())

	if err := sup.Start(context.Background(), sb); err == nil {
		t.Fatal("Start succeeded with an invalid runtime version")
	}
	if store.get(sb.ID).Status != site.StatusFailed {
		t.Errorf("status = %s, want failed", store.get(sb.ID).Status)
	}
	if alloc.LeasedCount() != 0 {
		t.Error("port lease leaked after pre-spawn failure")
	}
}

func TestStartAlreadySupervisedLeavesStateAlone(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	sb.Status = site.StatusRunning
	if err := alloc.Reserve(8881, sb.ID); err != nil {
		t.Fatal(err)
	}
	store := newMemStore(sb)
	sup := New(testConfig(), alloc, store, testLogger())
	sup.handles[sb.ID] = &Handle{SandboxID: sb.ID, Pid: 1, Port: sb.Port, done: make(chan struct{})}

	if err := sup.Start(context.Background(), sb); err == nil {
		t.Fatal("Start succeeded over a live supervised process")
	}
	// The live process keeps its record and its lease.
	if store.get(sb.ID).Status != site.StatusRunning {
		t.Errorf("status = %s, want running", store.get(sb.ID).Status)
	}
	if _, held := alloc.Owner(8881); !held {
		t.Error("lease released while the process still runs")
	}
}

func TestStartCrashHookFires(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	store := newMemStore(sb)

	fired := 0
	sup := New(testConfig(), alloc, store, testLogger()).WithCrashHook(func() { fired++ })

	// Spawn failure goes through fail(), not the exit watcher; the hook
	// counts only unexpected exits of running processes.
	_ = sup.Start(context.Background(), sb)
	if fired != 0 {
		t.Errorf("crash hook fired %d times on spawn failure", fired)
	}
}

func TestStopWithoutProcessIsIdempotent(t *testing.T) {
	alloc := testAllocator()
	sb := testSandbox(8881)
	sb.Status = site.StatusStopping
	store := newMemStore(sb)
	sup := New(testConfig(), alloc, store, testLogger())

	if err := sup.Stop(context.Background(), sb); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if store.get(sb.ID).Status != site.StatusStopped {
		t.Errorf("status = %s, want stopped", store.get(sb.ID).Status)
	}

	// Second stop is a no-op that still succeeds.
	if err := sup.Stop(context.Background(), sb); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopLeavesNeverStartedRecordAlone(t *testing.T) {
	sb := testSandbox(8881)
	sb.Status = site.StatusCreated
	store := newMemStore(sb)
	sup := New(testConfig(), testAllocator(), store, testLogger())

	if err := sup.Stop(context.Background(), sb); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Created never entered the running lifecycle; forcing it to Stopped
	// would skip the state machine.
	if store.get(sb.ID).Status != site.StatusCreated {
		t.Errorf("status = %s, want created", store.get(sb.ID).Status)
	}
}

func TestRunningUnknownSandbox(t *testing.T) {
	sup := New(testConfig(), testAllocator(), newMemStore(), testLogger())
	if sup.Running(uuid.New()) {
		t.Error("Running true for unknown sandbox")
	}
}

func TestAwaitReadyTimeout(t *testing.T) {
	sb := testSandbox(1) // Port 1: nothing listens, binding requires root.
	store := newMemStore(sb)
	sup := New(testConfig(), testAllocator(), store, testLogger())

	h := &Handle{SandboxID: sb.ID, Port: sb.Port, done: make(chan struct{})}
	markerSeen := make(chan struct{}) // Never fires.

	err := sup.awaitReady(context.Background(), sb, h, markerSeen)
	if !errors.Is(err, site.ErrProcessStartTimeout) {
		t.Errorf("err = %v, want ErrProcessStartTimeout", err)
	}
}

func TestAwaitReadyMarker(t *testing.T) {
	sb := testSandbox(1)
	sup := New(testConfig(), testAllocator(), newMemStore(sb), testLogger())

	h := &Handle{SandboxID: sb.ID, Port: sb.Port, done: make(chan struct{})}
	markerSeen := make(chan struct{})
	close(markerSeen)

	if err := sup.awaitReady(context.Background(), sb, h, markerSeen); err != nil {
		t.Errorf("awaitReady with marker = %v", err)
	}
}

func TestAwaitReadyEarlyExitIsCrash(t *testing.T) {
	sb := testSandbox(1)
	sup := New(testConfig(), testAllocator(), newMemStore(sb), testLogger())

	code := 127
	h := &Handle{SandboxID: sb.ID, Port: sb.Port, ExitCode: &code, done: make(chan struct{})}
	close(h.done)

	err := sup.awaitReady(context.Background(), sb, h, make(chan struct{}))
	var crash *site.ProcessCrashedError
	if !errors.As(err, &crash) {
		t.Fatalf("err = %v, want ProcessCrashedError", err)
	}
	if crash.ExitCode != 127 {
		t.Errorf("exit code = %d, want 127", crash.ExitCode)
	}
}

func TestAwaitReadyHonorsContext(t *testing.T) {
	sb := testSandbox(1)
	sup := New(testConfig(), testAllocator(), newMemStore(sb), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &Handle{SandboxID: sb.ID, Port: sb.Port, done: make(chan struct{})}
	err := sup.awaitReady(ctx, sb, h, make(chan struct{}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWatchMarker(t *testing.T) {
	pr, pw := io.Pipe()
	seen := watchMarker(pr, "Development Server")

	go func() {
		pw.Write([]byte("warming up\n"))
		pw.Write([]byte("PHP 8.3 Development Server (http://127.0.0.1:8881) started\n"))
		pw.Close()
	}()

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("marker never observed")
	}
}

func TestWatchMarkerEmptyMarkerNeverFires(t *testing.T) {
	seen := watchMarker(strings.NewReader("some output\n"), "")
	select {
	case <-seen:
		t.Fatal("empty marker fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorRejectsBadSweepSpec(t *testing.T) {
	sup := New(testConfig(), testAllocator(), newMemStore(), testLogger())
	if _, err := NewMonitor(sup, "not a cron spec", testLogger()); err == nil {
		t.Error("expected error for invalid sweep spec")
	}
	if _, err := NewMonitor(sup, "@every 30s", testLogger()); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestSweepWithNoHandles(t *testing.T) {
	sup := New(testConfig(), testAllocator(), newMemStore(), testLogger())
	m, err := NewMonitor(sup, "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.Sweep() // Nothing supervised; must not panic.
}
