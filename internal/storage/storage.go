// Package storage decides and provisions the storage backend a sandbox may
// safely use. Two backends exist, mirroring the classic embedded vs
// client-server split: a per-sandbox SQLite file (always available) and a
// PostgreSQL-wire-protocol server that must be positively verified before
// any sandbox is allowed to declare it.
package storage

import (
	"fmt"
	"time"

	"github.com/jkaninda/sitebox/internal/site"
)

// Kind names a concrete storage engine.
type Kind string

const (
	// KindSQLite is the embedded file database.
	KindSQLite Kind = "sqlite"
	// KindPostgres is the reference client-server engine.
	KindPostgres Kind = "postgresql"
	// KindCockroach is a protocol-compatible client-server vendor. A request
	// for the reference engine is satisfiable by it: compatibility is
	// wire-protocol based, not vendor-exact.
	KindCockroach Kind = "cockroach"
)

// Protocol is the wire protocol an engine speaks. Verification matches
// installations by protocol, never by vendor.
type Protocol string

const (
	ProtocolFile   Protocol = "file"
	ProtocolPGWire Protocol = "pgwire"
)

// Protocol returns the wire protocol for the kind.
func (k Kind) Protocol() Protocol {
	switch k {
	case KindPostgres, KindCockroach:
		return ProtocolPGWire
	default:
		return ProtocolFile
	}
}

// Backend returns the storage backend class the kind belongs to.
func (k Kind) Backend() site.StorageBackend {
	if k.Protocol() == ProtocolPGWire {
		return site.BackendClientServer
	}
	return site.BackendEmbedded
}

// ParseKind validates an engine kind from user input.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSQLite, KindPostgres, KindCockroach:
		return Kind(s), nil
	}
	return "", &site.ValidationError{Field: "storage_engine_kind", Reason: fmt.Sprintf("unknown kind %q", s)}
}

// Installation describes one discovered client-server engine install.
type Installation struct {
	Kind    Kind   `json:"kind"`
	Version string `json:"version"`
	Path    string `json:"path"` // Engine control binary (pg_ctl, cockroach, ...).
	DataDir string `json:"data_dir,omitempty"`
}

// ProbeResult records the outcome of one backend verification. A sandbox may
// declare the client-server backend only on the strength of a ProbeResult
// with Reachable=true; verification precedes every commit.
type ProbeResult struct {
	EngineKind    Kind              `json:"engine_kind"`
	Version       string            `json:"version,omitempty"`
	Reachable     bool              `json:"reachable"`
	VerifiedAt    time.Time         `json:"verified_at"`
	FailureReason site.ProbeFailure `json:"failure_reason"`
}

// Credentials are the handshake parameters for a client-server engine.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders a pgwire connection string with a bounded connect timeout.
func (c Credentials) DSN(connectTimeout time.Duration) string {
	db := c.Database
	if db == "" {
		db = "postgres"
	}
	secs := int(connectTimeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable connect_timeout=%d",
		c.Host, c.Port, c.User, db, secs)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Addr returns host:port for reachability probes.
func (c Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
