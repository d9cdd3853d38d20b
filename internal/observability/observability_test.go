package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric, labels) {
				if metric.Counter != nil {
					return metric.Counter.GetValue()
				}
				if metric.Gauge != nil {
					return metric.Gauge.GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.Label))
	for _, l := range m.Label {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNewReturnsNilForNilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil || obs != nil {
		t.Errorf("New(nil) = %v, %v", obs, err)
	}
	// Nil facade accessors are safe.
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		t.Error("nil observability returned components")
	}
	obs.Shutdown(context.Background())
}

func TestNewEnablesMetrics(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}
	obs, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if obs.Metrics == nil {
		t.Error("metrics not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker missing")
	}
	if obs.Tracer != nil {
		t.Error("tracer enabled without config")
	}
}

func TestHealthCheckerAggregation(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: status = %s", got.Status)
	}

	h.AddCheck("registry", func(context.Context) error { return nil })
	h.AddCheck("storage", func(context.Context) error { return errors.New("connection refused") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %s, want degraded", got.Status)
	}
	if got.Checks["registry"].Status != "ok" {
		t.Errorf("registry check = %+v", got.Checks["registry"])
	}
	if got.Checks["storage"].Status != "fail" || got.Checks["storage"].Message == "" {
		t.Errorf("storage check = %+v", got.Checks["storage"])
	}

	if h.CheckHealth().Status != "ok" {
		t.Error("liveness must always be ok")
	}
}

// staticVerifier returns a fixed probe result.
type staticVerifier struct {
	result storage.ProbeResult
}

func (v staticVerifier) Verify(_ context.Context, _ storage.Kind, _ storage.Credentials) storage.ProbeResult {
	return v.result
}

func TestInstrumentedVerifierCountsOutcomes(t *testing.T) {
	m := NewMetricsCollector()

	ok := NewInstrumentedVerifier(staticVerifier{storage.ProbeResult{Reachable: true}}, m, nil)
	ok.Verify(context.Background(), storage.KindPostgres, storage.Credentials{})

	failed := NewInstrumentedVerifier(staticVerifier{storage.ProbeResult{
		Reachable:     false,
		FailureReason: site.ProbeFailureNotRunning,
	}}, m, nil)
	failed.Verify(context.Background(), storage.KindPostgres, storage.Credentials{})
	failed.Verify(context.Background(), storage.KindPostgres, storage.Credentials{})

	reachable := counterValue(t, m, "sitebox_storage_probes_total",
		map[string]string{"kind": "postgresql", "result": "reachable"})
	if reachable != 1 {
		t.Errorf("reachable probes = %v, want 1", reachable)
	}
	down := counterValue(t, m, "sitebox_storage_probes_total",
		map[string]string{"kind": "postgresql", "result": "not_running"})
	if down != 2 {
		t.Errorf("not_running probes = %v, want 2", down)
	}
}

// staticProcs is a minimal Processes implementation.
type staticProcs struct {
	err error
}

func (p staticProcs) Start(context.Context, *site.Sandbox) error { return p.err }
func (p staticProcs) Stop(context.Context, *site.Sandbox) error  { return nil }
func (p staticProcs) Running(uuid.UUID) bool                     { return false }

func TestInstrumentedSupervisorCountsStarts(t *testing.T) {
	m := NewMetricsCollector()
	sb := &site.Sandbox{ID: site.NewID(), ServerEngine: site.EngineBuiltin}

	okSup := NewInstrumentedSupervisor(staticProcs{}, m, nil)
	if err := okSup.Start(context.Background(), sb); err != nil {
		t.Fatal(err)
	}

	failSup := NewInstrumentedSupervisor(staticProcs{err: errors.New("spawn failed")}, m, nil)
	if err := failSup.Start(context.Background(), sb); err == nil {
		t.Fatal("expected error")
	}

	success := counterValue(t, m, "sitebox_process_starts_total",
		map[string]string{"engine": "builtin", "status": "success"})
	if success != 1 {
		t.Errorf("successful starts = %v, want 1", success)
	}
	failure := counterValue(t, m, "sitebox_process_starts_total",
		map[string]string{"engine": "builtin", "status": "error"})
	if failure != 1 {
		t.Errorf("failed starts = %v, want 1", failure)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	count := counterValue(t, m, "sitebox_http_requests_total",
		map[string]string{"method": "GET", "path": "/v1/sites", "status_code": "404"})
	if count != 1 {
		t.Errorf("request count = %v, want 1", count)
	}
}

func TestHTTPMetricsMiddlewareNilMetricsPassesThrough(t *testing.T) {
	called := false
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler not invoked")
	}
}

func TestRegisterLeasedPortsGauge(t *testing.T) {
	m := NewMetricsCollector()
	leased := 3
	m.RegisterLeasedPortsGauge(func() int { return leased })

	if got := counterValue(t, m, "sitebox_ports_leased", nil); got != 3 {
		t.Errorf("gauge = %v, want 3", got)
	}
	leased = 7
	if got := counterValue(t, m, "sitebox_ports_leased", nil); got != 7 {
		t.Errorf("gauge = %v, want 7 after change", got)
	}

	// Nil receiver is a no-op.
	var nilMetrics *MetricsCollector
	nilMetrics.RegisterLeasedPortsGauge(func() int { return 0 })
}

func TestStatusRecorderDefaultsTo200(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok") // Implicit 200, WriteHeader never called.
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !strings.Contains(rec.Body.String(), "ok") {
		t.Error("body not written")
	}
	count := counterValue(t, m, "sitebox_http_requests_total",
		map[string]string{"method": "GET", "path": "/healthz", "status_code": "200"})
	if count != 1 {
		t.Errorf("request count = %v, want 1", count)
	}
}
