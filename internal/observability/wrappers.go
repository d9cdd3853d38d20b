package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
)

// --- InstrumentedVerifier ---

// BackendVerifier matches the storage verifier's probe method.
type BackendVerifier interface {
	Verify(ctx context.Context, requested storage.Kind, creds storage.Credentials) storage.ProbeResult
}

// InstrumentedVerifier wraps a storage verifier with metrics and tracing.
type InstrumentedVerifier struct {
	inner   BackendVerifier
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedVerifier wraps a verifier with observability. metrics and
// ts may be nil.
func NewInstrumentedVerifier(inner BackendVerifier, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedVerifier {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedVerifier{inner: inner, metrics: metrics, tracer: tracer}
}

func (v *InstrumentedVerifier) Verify(ctx context.Context, requested storage.Kind, creds storage.Credentials) storage.ProbeResult {
	if v.tracer != nil {
		var span trace.Span
		ctx, span = v.tracer.Start(ctx, "storage.verify",
			trace.WithAttributes(
				attribute.String("storage.kind", string(requested)),
			))
		defer span.End()
	}

	start := time.Now()
	result := v.inner.Verify(ctx, requested, creds)
	duration := time.Since(start).Seconds()

	if v.metrics != nil {
		outcome := "reachable"
		if !result.Reachable {
			outcome = string(result.FailureReason)
		}
		v.metrics.StorageProbesTotal.WithLabelValues(string(requested), outcome).Inc()
		v.metrics.StorageProbeDuration.WithLabelValues(string(requested)).Observe(duration)
	}
	return result
}

// --- InstrumentedSupervisor ---

// Processes matches the supervisor methods the orchestrator consumes.
type Processes interface {
	Start(ctx context.Context, sb *site.Sandbox) error
	Stop(ctx context.Context, sb *site.Sandbox) error
	Running(id uuid.UUID) bool
}

// InstrumentedSupervisor wraps a process supervisor with metrics and
// tracing.
type InstrumentedSupervisor struct {
	inner   Processes
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSupervisor wraps a supervisor with observability.
func NewInstrumentedSupervisor(inner Processes, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSupervisor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSupervisor{inner: inner, metrics: metrics, tracer: tracer}
}

func (s *InstrumentedSupervisor) Start(ctx context.Context, sb *site.Sandbox) error {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "process.start",
			trace.WithAttributes(
				attribute.String("sandbox.id", sb.ID.String()),
				attribute.String("engine", string(sb.ServerEngine)),
			))
		defer span.End()
	}

	err := s.inner.Start(ctx, sb)
	if span != nil && err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.ProcessStartsTotal.WithLabelValues(string(sb.ServerEngine), status).Inc()
	}
	return err
}

func (s *InstrumentedSupervisor) Stop(ctx context.Context, sb *site.Sandbox) error {
	return s.inner.Stop(ctx, sb)
}

func (s *InstrumentedSupervisor) Running(id uuid.UUID) bool {
	return s.inner.Running(id)
}
