package site

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for terminal operation failures. These are surfaced to the
// caller unchanged; the CLI maps each kind to a distinct exit code.
var (
	// ErrDuplicateDomain means the requested domain is already owned by a
	// non-deleted sandbox.
	ErrDuplicateDomain = errors.New("domain already in use")

	// ErrPortExhausted means every candidate port in the configured range is
	// leased or bound by another process.
	ErrPortExhausted = errors.New("no free port in range")

	// ErrProcessStartTimeout means the sandbox process never reached
	// readiness within the startup timeout.
	ErrProcessStartTimeout = errors.New("process did not become ready before timeout")

	// ErrSwapRollbackFailed means an engine swap failed AND restoring the
	// pre-swap configuration also failed. The sandbox is left Failed; it is
	// never silently reported as success.
	ErrSwapRollbackFailed = errors.New("swap rollback failed")

	// ErrNotFound means no sandbox record exists for the given id.
	ErrNotFound = errors.New("sandbox not found")
)

// ValidationError reports a spec field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ProbeFailure classifies why a storage backend verification failed.
type ProbeFailure string

const (
	ProbeFailureNone         ProbeFailure = "none"
	ProbeFailureNotInstalled ProbeFailure = "not_installed"
	ProbeFailureNotRunning   ProbeFailure = "not_running"
	ProbeFailureStartFailed  ProbeFailure = "start_failed"
	ProbeFailureAuthFailed   ProbeFailure = "auth_failed"
	ProbeFailureTimeout      ProbeFailure = "timeout"
)

// BackendUnavailableError means the requested client-server storage backend
// could not be verified. It is recovered locally by downgrading to the
// embedded backend, never fatal to Create.
type BackendUnavailableError struct {
	Kind   string // Requested storage engine kind.
	Reason ProbeFailure
	Err    error // Underlying probe error, may be nil.
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage backend %s unavailable (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("storage backend %s unavailable (%s)", e.Kind, e.Reason)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ProcessCrashedError means the sandbox process exited unexpectedly while
// the sandbox was supposed to be running.
type ProcessCrashedError struct {
	SandboxID uuid.UUID
	ExitCode  int
}

func (e *ProcessCrashedError) Error() string {
	return fmt.Sprintf("sandbox %s process exited unexpectedly (exit code %d)", e.SandboxID, e.ExitCode)
}

// CorruptRecordError reports one unreadable registry document. Corruption is
// scoped to the record: listing and operating on other sandboxes proceeds.
type CorruptRecordError struct {
	ID   string // Directory name; may not be a valid uuid when the dir itself is mangled.
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt sandbox record %s at %s: %v", e.ID, e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
