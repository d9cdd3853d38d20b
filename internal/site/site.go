// Package site defines the core entity types shared across the sandbox
// orchestration engine: the Sandbox record, its status state machine, the
// server-engine configuration union, and the error taxonomy.
package site

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// validTransitions encodes the sandbox state machine. Delete is accepted
// directly only from Created, Stopped, and Failed; the orchestrator routes
// Running/Starting/Stopping through Stop first.
var validTransitions = map[Status][]Status{
	StatusCreated:  {StatusStarting, StatusFailed},
	StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:  {StatusStopping, StatusStarting, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
	StatusStopped:  {StatusStarting, StatusFailed},
	StatusFailed:   {StatusStarting, StatusStopping},
}

// CanTransition reports whether moving from s to next is a legal step in the
// sandbox state machine.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the sandbox is holding runtime resources (its port
// lease counts toward the uniqueness invariant).
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Deletable reports whether Delete is accepted directly in this state.
func (s Status) Deletable() bool {
	return s == StatusCreated || s == StatusStopped || s == StatusFailed
}

// StorageBackend selects how a sandbox persists application data.
type StorageBackend string

const (
	// BackendEmbedded is a file database inside the sandbox root. Always
	// available; no separate server process.
	BackendEmbedded StorageBackend = "embedded"

	// BackendClientServer is a separately running database server. A sandbox
	// may only declare this backend after a successful verification probe.
	BackendClientServer StorageBackend = "client-server"
)

// Sandbox is the central entity: one isolated local site environment.
// Process handles are deliberately NOT part of this record; they live only
// in the supervisor's in-memory table, so a crash can never leave a stale
// handle on disk.
type Sandbox struct {
	ID               uuid.UUID      `json:"id"`
	DisplayName      string         `json:"display_name"`
	Domain           string         `json:"domain"`    // Unique local hostname, e.g. "myshop.local".
	RootPath         string         `json:"root_path"` // Sandbox root filesystem path.
	Port             int            `json:"port"`      // Leased local TCP port. 0 = no lease held.
	RuntimeVersion   string         `json:"runtime_version"`
	ServerEngine     Engine         `json:"server_engine"`
	StorageBackend   StorageBackend `json:"storage_backend"`
	StorageEngine    string         `json:"storage_engine_kind"` // "sqlite", "postgresql", "cockroach", ...
	StorageVersion   string         `json:"storage_version"`     // Server version string from the verification handshake.
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	LastTransitionAt time.Time      `json:"last_transition_at"`
	LastError        string         `json:"last_error,omitempty"`
}

// Transition moves the sandbox to the next status, stamping
// LastTransitionAt. Illegal moves return a ValidationError so callers can
// never persist a state-machine violation.
func (s *Sandbox) Transition(next Status) error {
	if !s.Status.CanTransition(next) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("illegal transition %s -> %s", s.Status, next),
		}
	}
	s.Status = next
	s.LastTransitionAt = time.Now().UTC()
	return nil
}

// Fail transitions the sandbox to Failed and records the cause.
// Failed is reachable from every state, so this never errors.
func (s *Sandbox) Fail(cause error) {
	s.Status = StatusFailed
	s.LastTransitionAt = time.Now().UTC()
	if cause != nil {
		s.LastError = cause.Error()
	}
}

// EngineConfig returns the validated engine configuration implied by the
// sandbox record.
func (s *Sandbox) EngineConfig() (EngineConfig, error) {
	return NewEngineConfig(s.ServerEngine, s.RuntimeVersion)
}

// domainPattern matches a lowercase hostname label sequence ending in a TLD,
// e.g. "myshop.local". No underscores, no leading/trailing hyphens.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// ValidateDomain checks local-hostname syntax for a sandbox domain.
func ValidateDomain(domain string) error {
	if domain == "" {
		return &ValidationError{Field: "domain", Reason: "domain is required"}
	}
	if len(domain) > 253 {
		return &ValidationError{Field: "domain", Reason: "domain exceeds 253 characters"}
	}
	if !domainPattern.MatchString(domain) {
		return &ValidationError{Field: "domain", Reason: fmt.Sprintf("invalid domain syntax: %q", domain)}
	}
	return nil
}

// DomainFromName derives a default local domain from a display name:
// lowercase, non-alphanumerics collapsed to hyphens, ".local" appended.
func DomainFromName(name string) string {
	var b strings.Builder
	lastHyphen := true // Suppress a leading hyphen.
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "site"
	}
	return slug + ".local"
}

// NewID generates a new random sandbox ID.
func NewID() uuid.UUID {
	return uuid.New()
}
