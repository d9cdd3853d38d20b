// Package ports implements exclusive TCP port leasing for sandboxes.
//
// The allocator owns the only cross-sandbox mutable port state: a leased set
// behind one mutex, rehydrated at startup from the registry instead of being
// trusted as authoritative on its own. A lease is granted only when the port
// is free both in-process and at the OS level (transient bind probe).
package ports

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
)

// Lease is an exclusive claim on a TCP port for a sandbox's running lifetime.
type Lease struct {
	Port     int
	OwnerID  uuid.UUID
	LeasedAt time.Time
}

// Allocator leases and releases unique local TCP ports across all sandboxes.
type Allocator struct {
	min, max int

	mu     sync.Mutex
	leased map[int]Lease

	// probe is swappable for tests. Default binds 127.0.0.1:port and closes.
	probe func(port int) bool
}

// NewAllocator creates an Allocator over [min, max] inclusive.
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:    min,
		max:    max,
		leased: make(map[int]Lease),
		probe:  bindProbe,
	}
}

// Rehydrate seeds the leased set from persisted state: port -> owner for
// every sandbox the registry reports as Starting or Running. Called once at
// startup before any Lease.
func (a *Allocator) Rehydrate(active map[int]uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range active {
		a.leased[port] = Lease{Port: port, OwnerID: owner, LeasedAt: time.Now().UTC()}
	}
}

// Lease scans the range in order and leases the first port that is neither
// leased in-process nor bound by any other OS process. Returns
// site.ErrPortExhausted when the whole range fails. The critical section
// covers the entire scan so two concurrent leases can never pick the same
// port.
func (a *Allocator) Lease(owner uuid.UUID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if _, taken := a.leased[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = Lease{Port: port, OwnerID: owner, LeasedAt: time.Now().UTC()}
		return port, nil
	}
	return 0, fmt.Errorf("range %d-%d: %w", a.min, a.max, site.ErrPortExhausted)
}

// Reserve claims a specific port, used when a sandbox restarts on the port
// its record already names. Fails when another sandbox holds the lease or
// the OS reports the port bound elsewhere.
func (a *Allocator) Reserve(port int, owner uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if l, taken := a.leased[port]; taken {
		if l.OwnerID == owner {
			return nil // Already ours.
		}
		return fmt.Errorf("port %d leased by sandbox %s: %w", port, l.OwnerID, site.ErrPortExhausted)
	}
	if !a.probe(port) {
		return fmt.Errorf("port %d bound by another process: %w", port, site.ErrPortExhausted)
	}
	a.leased[port] = Lease{Port: port, OwnerID: owner, LeasedAt: time.Now().UTC()}
	return nil
}

// Release returns a port to the pool. Releasing an unknown or already
// released port is a no-op, so stop/delete paths can call it
// unconditionally.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// LeasedCount reports how many ports are currently leased. Exposed as a
// Prometheus gauge by the observability layer.
func (a *Allocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// Owner returns the sandbox holding the port, if any.
func (a *Allocator) Owner(port int) (uuid.UUID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leased[port]
	return l.OwnerID, ok
}

// bindProbe asks the OS whether the port is bindable right now: open a
// listener on loopback and release it immediately.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
