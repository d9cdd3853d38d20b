package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgwire driver for the handshake.

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/site"
)

// reachabilityInterval paces the bounded poll while waiting for a freshly
// started engine to begin accepting connections.
const reachabilityInterval = 250 * time.Millisecond

// Verifier probes whether a requested storage backend is actually usable.
//
// The ordering is load-bearing: Verify must succeed BEFORE any persisted
// sandbox configuration declares the client-server backend. Writing the
// configuration optimistically and patching it after a failed runtime probe
// leaves a window where declared and actual behavior disagree, the exact
// bug class this component exists to eliminate.
type Verifier struct {
	registrar EngineRegistrar
	cfg       config.StorageConfig
	logger    *slog.Logger

	// Swappable probes for tests.
	dial      func(addr string, timeout time.Duration) bool
	handshake func(ctx context.Context, dsn string) (version string, err error)
}

// NewVerifier creates a Verifier backed by the given engine registrar.
func NewVerifier(registrar EngineRegistrar, cfg config.StorageConfig, logger *slog.Logger) *Verifier {
	return &Verifier{
		registrar: registrar,
		cfg:       cfg,
		logger:    logger,
		dial:      tcpDial,
		handshake: pgHandshake,
	}
}

// Verify decides whether the requested engine kind is usable right now.
//
//  1. Discover installations speaking the requested kind's wire protocol
//     (compatibility is protocol-based, not vendor-exact).
//  2. If nothing is listening, start the first discovered installation and
//     wait a bounded grace period for it to accept connections.
//  3. Run an authenticated handshake with a bounded timeout.
//
// Reachable=true only on handshake success; every failure path carries a
// specific reason so the caller can log an honest downgrade.
func (v *Verifier) Verify(ctx context.Context, requested Kind, creds Credentials) ProbeResult {
	now := func() time.Time { return time.Now().UTC() }

	if requested.Protocol() != ProtocolPGWire {
		// The embedded engine needs no server: trivially reachable.
		return ProbeResult{EngineKind: KindSQLite, Reachable: true, VerifiedAt: now(), FailureReason: site.ProbeFailureNone}
	}

	installs, err := v.registrar.ListInstalledEngines(ctx, requested.Protocol())
	if err != nil || len(installs) == 0 {
		return v.failure(requested, site.ProbeFailureNotInstalled, err)
	}
	chosen := installs[0]

	if !v.dial(creds.Addr(), reachabilityInterval) {
		if err := v.registrar.StartEngine(ctx, chosen); err != nil {
			return v.failure(chosen.Kind, site.ProbeFailureStartFailed, err)
		}
		if !v.awaitReachable(ctx, creds.Addr()) {
			return v.failure(chosen.Kind, site.ProbeFailureNotRunning, fmt.Errorf("%s not accepting connections after %s", creds.Addr(), v.cfg.StartGrace()))
		}
	}

	hctx, cancel := context.WithTimeout(ctx, v.cfg.HandshakeTimeout())
	defer cancel()

	version, err := v.handshake(hctx, creds.DSN(v.cfg.HandshakeTimeout()))
	if err != nil {
		return v.failure(chosen.Kind, classifyHandshake(err), err)
	}

	v.logger.Info("storage backend verified",
		slog.String("kind", string(chosen.Kind)),
		slog.String("version", version),
	)
	return ProbeResult{
		EngineKind:    chosen.Kind,
		Version:       version,
		Reachable:     true,
		VerifiedAt:    now(),
		FailureReason: site.ProbeFailureNone,
	}
}

// awaitReachable polls the address with bounded attempts inside the start
// grace window. Deterministic pacing, no open-ended timers.
func (v *Verifier) awaitReachable(ctx context.Context, addr string) bool {
	attempts := int(v.cfg.StartGrace() / reachabilityInterval)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if v.dial(addr, reachabilityInterval) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reachabilityInterval):
		}
	}
	return false
}

func (v *Verifier) failure(kind Kind, reason site.ProbeFailure, err error) ProbeResult {
	attrs := []any{
		slog.String("kind", string(kind)),
		slog.String("reason", string(reason)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	v.logger.Warn("storage backend verification failed", attrs...)
	return ProbeResult{
		EngineKind:    kind,
		Reachable:     false,
		VerifiedAt:    time.Now().UTC(),
		FailureReason: reason,
	}
}

// Unavailable wraps a failed probe into the recoverable error the
// orchestrator handles by downgrading to the embedded backend.
func (p ProbeResult) Unavailable() error {
	if p.Reachable {
		return nil
	}
	return &site.BackendUnavailableError{Kind: string(p.EngineKind), Reason: p.FailureReason}
}

// classifyHandshake maps a handshake error to a probe failure reason.
func classifyHandshake(err error) site.ProbeFailure {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 28xxx = invalid authorization specification.
		if strings.HasPrefix(pgErr.Code, "28") {
			return site.ProbeFailureAuthFailed
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return site.ProbeFailureTimeout
	}
	if strings.Contains(err.Error(), "password authentication failed") {
		return site.ProbeFailureAuthFailed
	}
	return site.ProbeFailureNotRunning
}

// tcpDial reports whether something is accepting connections at addr.
func tcpDial(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// pgHandshake authenticates against the engine and returns its reported
// server version.
func pgHandshake(ctx context.Context, dsn string) (string, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return "", fmt.Errorf("opening handshake connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return "", fmt.Errorf("handshake ping: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("querying server version: %w", err)
	}
	return version, nil
}
