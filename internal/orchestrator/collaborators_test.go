package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDirScaffolderCreatesRootWithIndex(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sb", "root")
	s := &DirScaffolder{}

	if err := s.Provision(context.Background(), root, "8.3"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "index.html"))
	if err != nil {
		t.Fatalf("index.html missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("index.html empty")
	}

	// Re-provisioning must not overwrite existing content.
	custom := []byte("customized")
	if err := os.WriteFile(filepath.Join(root, "index.html"), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Provision(context.Background(), root, "8.3"); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(filepath.Join(root, "index.html"))
	if string(got) != "customized" {
		t.Error("re-provision overwrote existing index")
	}
}

func TestFileRegistrarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.json")
	reg := NewFileRegistrar(path)
	ctx := context.Background()

	if err := reg.RegisterDomain(ctx, "shop.local", 8881); err != nil {
		t.Fatalf("RegisterDomain: %v", err)
	}
	if err := reg.RegisterDomain(ctx, "blog.local", 8882); err != nil {
		t.Fatal(err)
	}

	// A fresh registrar over the same file sees the persisted mappings.
	fresh := NewFileRegistrar(path)
	mappings, err := fresh.Mappings()
	if err != nil {
		t.Fatal(err)
	}
	if mappings["shop.local"] != 8881 || mappings["blog.local"] != 8882 {
		t.Errorf("mappings = %v", mappings)
	}

	if err := fresh.UnregisterDomain(ctx, "shop.local"); err != nil {
		t.Fatal(err)
	}
	mappings, _ = fresh.Mappings()
	if _, ok := mappings["shop.local"]; ok {
		t.Error("domain survived unregister")
	}
	if mappings["blog.local"] != 8882 {
		t.Error("unrelated mapping lost")
	}
}

func TestFileRegistrarMissingFileIsEmpty(t *testing.T) {
	reg := NewFileRegistrar(filepath.Join(t.TempDir(), "absent.json"))
	mappings, err := reg.Mappings()
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 0 {
		t.Errorf("mappings = %v, want empty", mappings)
	}
	// Unregistering against a missing file succeeds.
	if err := reg.UnregisterDomain(context.Background(), "ghost.local"); err != nil {
		t.Errorf("UnregisterDomain: %v", err)
	}
}
