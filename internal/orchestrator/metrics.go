package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SandboxMetrics holds Prometheus metrics for the sandbox orchestrator.
// All metrics use the sitebox_orchestrator_ namespace.
type SandboxMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BackendDowngrades prometheus.Counter

	registry *prometheus.Registry
}

// NewSandboxMetrics creates and registers orchestrator metrics on the given
// registry. Returns nil if reg is nil; all record methods are nil-safe.
func NewSandboxMetrics(reg *prometheus.Registry) *SandboxMetrics {
	if reg == nil {
		return nil
	}

	m := &SandboxMetrics{
		registry: reg,

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Total orchestrator operations by kind and outcome.",
		}, []string{"operation", "outcome"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitebox",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Orchestrator operation duration in seconds by kind.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation"}),

		BackendDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "orchestrator",
			Name:      "backend_downgrades_total",
			Help:      "Storage backend requests downgraded to embedded after a failed probe.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.BackendDowngrades,
	)
	return m
}

// RegisterRunningGauge exposes the number of Running sandboxes as a gauge
// read from the registry at scrape time. Crashes and daemon restarts can
// never drift a derived gauge the way a counter pair would.
func (m *SandboxMetrics) RegisterRunningGauge(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sitebox",
		Subsystem: "orchestrator",
		Name:      "running_sandboxes",
		Help:      "Number of sandboxes currently in the Running state.",
	}, func() float64 { return float64(count()) }))
}

// RecordOperation records one completed operation with its outcome.
func (m *SandboxMetrics) RecordOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordDowngrade records one storage backend downgrade.
func (m *SandboxMetrics) RecordDowngrade() {
	if m == nil {
		return
	}
	m.BackendDowngrades.Inc()
}

