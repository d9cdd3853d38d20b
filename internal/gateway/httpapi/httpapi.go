// Package httpapi implements the local HTTP automation API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Binds to loopback by default; TLS, if wanted, via reverse proxy
//   - All requests logged with correlation IDs
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sitebox/internal/gateway/ws"
	"github.com/jkaninda/sitebox/internal/observability"
	"github.com/jkaninda/sitebox/internal/orchestrator"
	"github.com/jkaninda/sitebox/internal/ratelimit"
	"github.com/jkaninda/sitebox/internal/site"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// SiteService is the orchestrator surface the gateway exposes.
type SiteService interface {
	Create(ctx context.Context, spec orchestrator.CreateSpec) (*site.Sandbox, error)
	Start(ctx context.Context, id uuid.UUID) (*site.Sandbox, error)
	Stop(ctx context.Context, id uuid.UUID) (*site.Sandbox, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Swap(ctx context.Context, id uuid.UUID, spec orchestrator.SwapSpec) (*site.Sandbox, error)
	Get(id uuid.UUID) (*site.Sandbox, error)
	List() []*site.Sandbox
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., "127.0.0.1:8780"
	EnableDocs     bool              // Serve OpenAPI docs.
	APIKeys        map[string]string // API key → client name mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	sites   SiteService
	events  *ws.Hub            // nil = event stream disabled.
	limiter *ratelimit.Limiter // nil = no rate limiting.
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sites SiteService, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		sites:  sites,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithEvents attaches the WebSocket status event stream to the gateway.
func (g *Gateway) WithEvents(hub *ws.Hub) *Gateway {
	g.events = hub
	return g
}

// WithRateLimiter attaches a per-client rate limiter applied to every
// authenticated request.
func (g *Gateway) WithRateLimiter(l *ratelimit.Limiter) *Gateway {
	g.limiter = l
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sitebox",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sites", g.handleSiteCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Sites"),
		okapi.DocRequestBody(SiteRequest{}),
		okapi.DocResponse(http.StatusCreated, SiteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sites", g.handleSiteList,
		okapi.DocSummary("List all sandboxes"),
		okapi.DocTags("Sites"),
		okapi.DocResponse([]SiteResponse{}),
	)
	g.group.Get("/sites/{id}", g.handleSiteGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sites"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SiteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sites/{id}/start", g.handleSiteStart,
		okapi.DocSummary("Start a sandbox's server process"),
		okapi.DocTags("Sites"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SiteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/sites/{id}/stop", g.handleSiteStop,
		okapi.DocSummary("Stop a sandbox's server process"),
		okapi.DocTags("Sites"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SiteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sites/{id}/swap", g.handleSiteSwap,
		okapi.DocSummary("Swap a sandbox's engine configuration in place"),
		okapi.DocTags("Sites"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(SwapRequest{}),
		okapi.DocResponse(SiteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Delete("/sites/{id}", g.handleSiteDelete,
		okapi.DocSummary("Delete a sandbox"),
		okapi.DocTags("Sites"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Status event stream.
	if g.events != nil {
		g.okapi.HandleStd("GET", "/v1/events", g.events.Handler().ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness always reports ok while the process runs.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate validates the API key and stores the mapped client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(client); err != nil {
				g.logger.Warn("rate limit exceeded", slog.String("client", client))
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("client", client)
		return next(c)
	}
}

// newCorrelationID tags one request's log lines.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
