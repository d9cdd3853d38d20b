package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the Prometheus metrics shared across sitebox
// subsystems. Uses a custom registry rather than the global one. The orchestrator
// registers its own operation metrics on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Storage verification metrics.
	StorageProbesTotal   *prometheus.CounterVec
	StorageProbeDuration *prometheus.HistogramVec

	// Process supervision metrics.
	ProcessStartsTotal *prometheus.CounterVec
	ProcessCrashes     prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		StorageProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "storage",
			Name:      "probes_total",
			Help:      "Total storage backend verification probes.",
		}, []string{"kind", "result"}),

		StorageProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitebox",
			Subsystem: "storage",
			Name:      "probe_duration_seconds",
			Help:      "Storage verification probe duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10},
		}, []string{"kind"}),

		ProcessStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Total sandbox process starts by engine and outcome.",
		}, []string{"engine", "status"}),

		ProcessCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Sandbox processes that exited without a Stop request.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitebox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sitebox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitebox",
			Name:      "active_requests",
			Help:      "Number of currently active gateway requests.",
		}),
	}

	reg.MustRegister(
		m.StorageProbesTotal,
		m.StorageProbeDuration,
		m.ProcessStartsTotal,
		m.ProcessCrashes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegisterLeasedPortsGauge exposes the allocator's live lease count as a
// gauge, read at scrape time.
func (m *MetricsCollector) RegisterLeasedPortsGauge(count func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sitebox",
		Subsystem: "ports",
		Name:      "leased",
		Help:      "Number of ports currently leased to sandboxes.",
	}, func() float64 { return float64(count()) }))
}
