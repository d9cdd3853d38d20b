// Package registry implements the durable sandbox metadata store.
//
// Each sandbox owns one self-describing JSON document at
// <dir>/<id>/site.json. Writes go through a temp-file-then-rename step so a
// crash mid-write can never corrupt other records, and List isolates any
// individually corrupt document instead of failing the whole scan. The data
// directory is guarded by a file lock so two sitebox processes cannot mutate
// the same registry.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/jkaninda/sitebox/internal/site"
)

const recordFile = "site.json"

// Registry is the durable, crash-tolerant store of sandbox records.
type Registry struct {
	dir    string
	logger *slog.Logger

	// mu serializes the write path. It is held only around local file I/O,
	// never across a network wait.
	mu sync.Mutex

	flk *flock.Flock
}

// Open creates the registry directory if needed and takes the process-level
// file lock. A second process opening the same directory fails fast instead
// of racing the first.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating registry directory %s: %w", dir, err)
	}

	flk := flock.New(filepath.Join(dir, ".lock"))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring registry lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("registry %s is locked by another sitebox process", dir)
	}

	logger.Info("registry opened", slog.String("dir", dir))
	return &Registry{dir: dir, logger: logger, flk: flk}, nil
}

// Close releases the registry file lock.
func (r *Registry) Close() error {
	if r.flk == nil {
		return nil
	}
	return r.flk.Unlock()
}

// Create persists a new sandbox record. It fails with
// site.ErrDuplicateDomain when the domain is already owned by a non-deleted
// sandbox, preserving the domain uniqueness invariant.
func (r *Registry) Create(rec *site.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, _ := r.scan()
	for _, other := range existing {
		if other.Domain == rec.Domain {
			return fmt.Errorf("domain %q: %w", rec.Domain, site.ErrDuplicateDomain)
		}
	}

	if _, err := os.Stat(r.recordPath(rec.ID)); err == nil {
		return fmt.Errorf("sandbox %s already exists", rec.ID)
	}
	return r.write(rec)
}

// Get returns the record for id, or site.ErrNotFound.
func (r *Registry) Get(id uuid.UUID) (*site.Sandbox, error) {
	data, err := os.ReadFile(r.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sandbox %s: %w", id, site.ErrNotFound)
		}
		return nil, fmt.Errorf("reading sandbox %s: %w", id, err)
	}
	var rec site.Sandbox
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &site.CorruptRecordError{ID: id.String(), Path: r.recordPath(id), Err: err}
	}
	return &rec, nil
}

// List scans the registry directory and returns every readable record,
// sorted by creation time. Corrupt records are skipped and reported in the
// second return value, so one damaged file never hides the rest of the fleet.
func (r *Registry) List() ([]*site.Sandbox, []*site.CorruptRecordError) {
	recs, corrupt := r.scan()
	for _, c := range corrupt {
		r.logger.Warn("skipping corrupt sandbox record",
			slog.String("id", c.ID),
			slog.String("path", c.Path),
			slog.String("error", c.Err.Error()),
		)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, corrupt
}

// Update applies mutate to the current record under the registry lock and
// persists the result (read-modify-write). The mutator returning an error
// aborts the update with nothing written.
func (r *Registry) Update(id uuid.UUID, mutate func(*site.Sandbox) error) (*site.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	if err := r.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the sandbox's record directory. Deleting a missing record
// returns site.ErrNotFound.
func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.recordPath(id))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("sandbox %s: %w", id, site.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return nil
}

func (r *Registry) recordPath(id uuid.UUID) string {
	return filepath.Join(r.dir, id.String(), recordFile)
}

// write marshals the record and installs it atomically: write site.json.tmp,
// fsync, rename over site.json.
func (r *Registry) write(rec *site.Sandbox) error {
	dir := filepath.Join(r.dir, rec.ID.String())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating sandbox directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sandbox %s: %w", rec.ID, err)
	}

	tmp := filepath.Join(dir, recordFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating temp record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, recordFile)); err != nil {
		return fmt.Errorf("installing record for %s: %w", rec.ID, err)
	}
	return nil
}

// scan walks every per-sandbox directory, separating readable records from
// corrupt ones.
func (r *Registry) scan() ([]*site.Sandbox, []*site.CorruptRecordError) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, nil
	}

	var recs []*site.Sandbox
	var corrupt []*site.CorruptRecordError
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, e.Name(), recordFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // Directory without a record, e.g. crash before first write.
			}
			corrupt = append(corrupt, &site.CorruptRecordError{ID: e.Name(), Path: path, Err: err})
			continue
		}
		var rec site.Sandbox
		if err := json.Unmarshal(data, &rec); err != nil {
			corrupt = append(corrupt, &site.CorruptRecordError{ID: e.Name(), Path: path, Err: err})
			continue
		}
		if rec.ID == uuid.Nil {
			corrupt = append(corrupt, &site.CorruptRecordError{
				ID: e.Name(), Path: path, Err: errors.New("record missing id"),
			})
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, corrupt
}

// ActivePorts returns port -> owner for every sandbox whose status holds a
// lease. The port allocator rehydrates from this at startup rather than
// trusting any in-memory state.
func (r *Registry) ActivePorts() map[int]uuid.UUID {
	recs, _ := r.scan()
	ports := make(map[int]uuid.UUID)
	for _, rec := range recs {
		if rec.Status.Active() && rec.Port > 0 {
			ports[rec.Port] = rec.ID
		}
	}
	return ports
}

// Touch updates LastTransitionAt without any other mutation. Used by the
// liveness sweep to record observation time.
func (r *Registry) Touch(id uuid.UUID) error {
	_, err := r.Update(id, func(rec *site.Sandbox) error {
		rec.LastTransitionAt = time.Now().UTC()
		return nil
	})
	return err
}
