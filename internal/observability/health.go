package observability

import (
	"context"
	"log/slog"
	"time"
)

const readinessBudget = 3 * time.Second

// HealthChecker answers liveness and readiness probes. Liveness is
// unconditional; readiness runs every registered dependency check
// (registry directory, port allocator, storage server) under a shared
// deadline and degrades when any of them fail.
type HealthChecker struct {
	checks []namedCheck
	logger *slog.Logger
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
}

// CheckHealth reports liveness. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and reports "ok" only when all
// of them pass. A single shared timeout covers the whole sweep so a hung
// dependency cannot stall the probe.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readinessBudget)
	defer cancel()

	results := make(map[string]CheckResult, len(h.checks))
	healthy := true
	for _, c := range h.checks {
		err := c.fn(checkCtx)
		if err == nil {
			results[c.name] = CheckResult{Status: "ok"}
			continue
		}
		healthy = false
		results[c.name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.String("error", err.Error()),
			)
		}
	}

	status := HealthStatus{Status: "ok", Checks: results}
	if !healthy {
		status.Status = "degraded"
	}
	return status
}
