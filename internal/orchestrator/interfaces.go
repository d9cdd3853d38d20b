package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
	"github.com/jkaninda/sitebox/internal/storage"
	"github.com/jkaninda/sitebox/internal/swap"
)

// Store is the slice of the site registry the orchestrator needs.
type Store interface {
	Create(rec *site.Sandbox) error
	Get(id uuid.UUID) (*site.Sandbox, error)
	List() ([]*site.Sandbox, []*site.CorruptRecordError)
	Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error)
	Delete(id uuid.UUID) error
	ActivePorts() map[int]uuid.UUID
}

// PortLeaser hands out and reclaims local TCP ports.
type PortLeaser interface {
	Lease(owner uuid.UUID) (int, error)
	Reserve(port int, owner uuid.UUID) error
	Release(port int)
	Rehydrate(active map[int]uuid.UUID)
}

// BackendVerifier probes a requested storage backend before any record may
// declare it.
type BackendVerifier interface {
	Verify(ctx context.Context, requested storage.Kind, creds storage.Credentials) storage.ProbeResult
}

// StorageProvisioner initializes a sandbox's database after verification.
type StorageProvisioner interface {
	Provision(ctx context.Context, sb *site.Sandbox, creds storage.Credentials) error
}

// Processes is the slice of the supervisor the orchestrator needs.
type Processes interface {
	Start(ctx context.Context, sb *site.Sandbox) error
	Stop(ctx context.Context, sb *site.Sandbox) error
	Running(id uuid.UUID) bool
}

// EngineSwapper executes in-place engine swaps.
type EngineSwapper interface {
	Swap(ctx context.Context, id uuid.UUID, to swap.ChangeSet) (*site.Sandbox, error)
}

// ContentProvisioner populates a sandbox's root directory with initial
// application content. The default implementation scaffolds the directory
// tree only; richer implementations may download runtimes or seed projects.
type ContentProvisioner interface {
	Provision(ctx context.Context, rootPath, runtimeVersion string) error
}

// DomainRegistrar makes a sandbox's domain resolvable, called on Create and
// Delete. Implementations must not edit system resolver files; the default
// one maintains a mappings file under the data dir for external tooling.
type DomainRegistrar interface {
	RegisterDomain(ctx context.Context, domain string, port int) error
	UnregisterDomain(ctx context.Context, domain string) error
}
