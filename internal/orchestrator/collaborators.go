package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirScaffolder is the default ContentProvisioner: it creates the sandbox
// root tree with a placeholder index document and leaves runtime
// installation to the operator.
type DirScaffolder struct{}

var _ ContentProvisioner = (*DirScaffolder)(nil)

func (d *DirScaffolder) Provision(_ context.Context, rootPath, _ string) error {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return fmt.Errorf("creating sandbox root: %w", err)
	}
	index := filepath.Join(rootPath, "index.html")
	if _, err := os.Stat(index); err == nil {
		return nil
	}
	return os.WriteFile(index, []byte("<!doctype html><title>sitebox</title><h1>It works</h1>\n"), 0o644)
}

// FileRegistrar is the default DomainRegistrar. It maintains a domain→port
// mappings file under the data dir for external tooling (a local DNS proxy,
// a hosts-file helper) to consume. It never edits system resolver files.
type FileRegistrar struct {
	path string
	mu   sync.Mutex
}

var _ DomainRegistrar = (*FileRegistrar)(nil)

// NewFileRegistrar creates a registrar backed by the mappings file at path.
func NewFileRegistrar(path string) *FileRegistrar {
	return &FileRegistrar{path: path}
}

func (f *FileRegistrar) RegisterDomain(_ context.Context, domain string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mappings, err := f.load()
	if err != nil {
		return err
	}
	mappings[domain] = port
	return f.save(mappings)
}

func (f *FileRegistrar) UnregisterDomain(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mappings, err := f.load()
	if err != nil {
		return err
	}
	delete(mappings, domain)
	return f.save(mappings)
}

// Mappings returns a copy of the current domain→port table.
func (f *FileRegistrar) Mappings() (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileRegistrar) load() (map[string]int, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading domain mappings: %w", err)
	}
	mappings := map[string]int{}
	if len(data) == 0 {
		return mappings, nil
	}
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parsing domain mappings: %w", err)
	}
	return mappings, nil
}

// save writes through a temp file and rename, so a crash mid-write leaves
// the previous mappings intact.
func (f *FileRegistrar) save(mappings map[string]int) error {
	data, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
