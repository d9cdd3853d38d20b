package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sitebox/internal/gateway/ws"
	"github.com/jkaninda/sitebox/internal/orchestrator"
	"github.com/jkaninda/sitebox/internal/site"
)

// SiteRequest is the JSON body for POST /v1/sites.
type SiteRequest struct {
	DisplayName    string `json:"display_name"`
	Domain         string `json:"domain,omitempty"`
	ServerEngine   string `json:"server_engine,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	StorageEngine  string `json:"storage_engine,omitempty"`
	StartNow       bool   `json:"start_now,omitempty"`
}

// SwapRequest is the JSON body for POST /v1/sites/{id}/swap.
type SwapRequest struct {
	ServerEngine   string `json:"server_engine,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	StorageEngine  string `json:"storage_engine,omitempty"`
}

// SiteResponse is the JSON view of one sandbox record.
type SiteResponse struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	Domain         string    `json:"domain"`
	Port           int       `json:"port"`
	RuntimeVersion string    `json:"runtime_version"`
	ServerEngine   string    `json:"server_engine"`
	StorageBackend string    `json:"storage_backend"`
	StorageEngine  string    `json:"storage_engine_kind"`
	StorageVersion string    `json:"storage_version,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastError      string    `json:"last_error,omitempty"`
}

func toSiteResponse(rec *site.Sandbox) SiteResponse {
	return SiteResponse{
		ID:             rec.ID.String(),
		DisplayName:    rec.DisplayName,
		Domain:         rec.Domain,
		Port:           rec.Port,
		RuntimeVersion: rec.RuntimeVersion,
		ServerEngine:   string(rec.ServerEngine),
		StorageBackend: string(rec.StorageBackend),
		StorageEngine:  rec.StorageEngine,
		StorageVersion: rec.StorageVersion,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt,
		LastError:      rec.LastError,
	}
}

func (g *Gateway) handleSiteCreate(c *okapi.Context) error {
	var req SiteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.DisplayName == "" {
		return c.AbortBadRequest("display_name is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http site create",
		slog.String("client", c.GetString("client")),
		slog.String("correlation_id", correlationID),
		slog.String("display_name", req.DisplayName),
	)

	rec, err := g.sites.Create(c.Context(), orchestrator.CreateSpec{
		DisplayName:    req.DisplayName,
		Domain:         req.Domain,
		ServerEngine:   req.ServerEngine,
		RuntimeVersion: req.RuntimeVersion,
		StorageEngine:  req.StorageEngine,
		StartNow:       req.StartNow,
	})
	if err != nil {
		return g.siteError(c, correlationID, err)
	}

	g.publish(rec, "create", nil)
	return c.JSON(http.StatusCreated, toSiteResponse(rec))
}

func (g *Gateway) handleSiteList(c *okapi.Context) error {
	recs := g.sites.List()
	out := make([]SiteResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSiteResponse(rec))
	}
	return c.OK(out)
}

func (g *Gateway) handleSiteGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}
	rec, err := g.sites.Get(id)
	if err != nil {
		return g.siteError(c, "", err)
	}
	return c.OK(toSiteResponse(rec))
}

func (g *Gateway) handleSiteStart(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	correlationID := newCorrelationID()
	rec, err := g.sites.Start(c.Context(), id)
	if err != nil {
		return g.siteError(c, correlationID, err)
	}

	g.publish(rec, "start", nil)
	return c.OK(toSiteResponse(rec))
}

func (g *Gateway) handleSiteStop(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	correlationID := newCorrelationID()
	rec, err := g.sites.Stop(c.Context(), id)
	if err != nil {
		return g.siteError(c, correlationID, err)
	}

	g.publish(rec, "stop", nil)
	return c.OK(toSiteResponse(rec))
}

func (g *Gateway) handleSiteSwap(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	var req SwapRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ServerEngine == "" && req.RuntimeVersion == "" && req.StorageEngine == "" {
		return c.AbortBadRequest("at least one of server_engine, runtime_version, storage_engine is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http site swap",
		slog.String("client", c.GetString("client")),
		slog.String("correlation_id", correlationID),
		slog.String("sandbox_id", id.String()),
	)

	rec, err := g.sites.Swap(c.Context(), id, orchestrator.SwapSpec{
		ServerEngine:   req.ServerEngine,
		RuntimeVersion: req.RuntimeVersion,
		StorageEngine:  req.StorageEngine,
	})
	if err != nil {
		if rec != nil {
			g.publish(rec, "swap", err)
		}
		return g.siteError(c, correlationID, err)
	}

	g.publish(rec, "swap", nil)
	return c.OK(toSiteResponse(rec))
}

func (g *Gateway) handleSiteDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	rec, err := g.sites.Get(id)
	if err != nil {
		return g.siteError(c, "", err)
	}

	correlationID := newCorrelationID()
	if err := g.sites.Delete(c.Context(), id); err != nil {
		return g.siteError(c, correlationID, err)
	}

	g.publish(rec, "delete", nil)
	return c.OK(map[string]string{"status": "deleted"})
}

// publish pushes one status event to the WebSocket hub. Nil-safe.
func (g *Gateway) publish(rec *site.Sandbox, operation string, opErr error) {
	if g.events == nil || rec == nil {
		return
	}
	ev := ws.Event{
		SandboxID: rec.ID.String(),
		Domain:    rec.Domain,
		Status:    string(rec.Status),
		Operation: operation,
	}
	if opErr != nil {
		ev.Error = opErr.Error()
	}
	g.events.Publish(ev)
}

// siteError maps domain errors to HTTP responses.
func (g *Gateway) siteError(c *okapi.Context, correlationID string, err error) error {
	var verr *site.ValidationError
	switch {
	case errors.Is(err, site.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: verr.Error()})
	case errors.Is(err, site.ErrDuplicateDomain):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "domain already in use"})
	case errors.Is(err, site.ErrPortExhausted):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "no ports available in the configured range"})
	case errors.Is(err, site.ErrProcessStartTimeout), errors.Is(err, site.ErrSwapRollbackFailed):
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("site operation failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("operation failed")
	}
}
