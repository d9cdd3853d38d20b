package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// EngineRegistrar is the external database-engine collaborator: it knows
// which engines are installed on this machine and how to start one. The
// verifier is its only consumer.
type EngineRegistrar interface {
	ListInstalledEngines(ctx context.Context, protocol Protocol) ([]Installation, error)
	StartEngine(ctx context.Context, inst Installation) error
}

// LocalRegistrar discovers engine installations by scanning well-known
// install roots plus any configured extras.
type LocalRegistrar struct {
	roots  []string
	logger *slog.Logger
}

// wellKnownRoots are the distro/homebrew layouts scanned by default. Each
// root is expected to contain one directory per installed version.
var wellKnownRoots = []string{
	"/usr/lib/postgresql",          // Debian/Ubuntu: /usr/lib/postgresql/16/bin
	"/usr/pgsql",                   // RHEL family.
	"/opt/homebrew/opt",            // macOS arm: postgresql@16/bin
	"/usr/local/opt",               // macOS intel.
	"/usr/local/cockroach",
}

// NewLocalRegistrar creates a registrar scanning the well-known roots plus
// extraRoots from configuration.
func NewLocalRegistrar(extraRoots []string, logger *slog.Logger) *LocalRegistrar {
	return &LocalRegistrar{
		roots:  append(append([]string{}, wellKnownRoots...), extraRoots...),
		logger: logger,
	}
}

// ListInstalledEngines scans the install roots for engines speaking the
// requested protocol. Versions sort descending so the newest install is
// tried first.
func (r *LocalRegistrar) ListInstalledEngines(_ context.Context, protocol Protocol) ([]Installation, error) {
	if protocol != ProtocolPGWire {
		return nil, nil // The embedded engine needs no installation.
	}

	var found []Installation
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if inst, ok := r.inspect(root, e.Name()); ok {
				found = append(found, inst)
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Version > found[j].Version })

	r.logger.Debug("engine discovery finished",
		slog.String("protocol", string(protocol)),
		slog.Int("installations", len(found)),
	)
	return found, nil
}

// inspect classifies one candidate directory as a postgres or cockroach
// install by the presence of its control binary.
func (r *LocalRegistrar) inspect(root, name string) (Installation, bool) {
	dir := filepath.Join(root, name)

	if ctl := filepath.Join(dir, "bin", "pg_ctl"); isExecutable(ctl) {
		return Installation{
			Kind:    KindPostgres,
			Version: versionFromDirName(name),
			Path:    ctl,
			DataDir: filepath.Join(dir, "data"),
		}, true
	}
	if bin := filepath.Join(dir, "cockroach"); isExecutable(bin) {
		return Installation{
			Kind:    KindCockroach,
			Version: versionFromDirName(name),
			Path:    bin,
		}, true
	}
	return Installation{}, false
}

// StartEngine launches the engine's own daemonizing start command. The
// engine manages its own lifetime afterwards; the verifier only waits for
// reachability.
func (r *LocalRegistrar) StartEngine(ctx context.Context, inst Installation) error {
	var cmd *exec.Cmd
	switch inst.Kind {
	case KindPostgres:
		cmd = exec.CommandContext(ctx, inst.Path, "-D", inst.DataDir, "-w", "start")
	case KindCockroach:
		cmd = exec.CommandContext(ctx, inst.Path, "start-single-node", "--insecure", "--background",
			"--store=type=mem,size=25%")
	default:
		return fmt.Errorf("engine kind %s cannot be started", inst.Kind)
	}

	// Detach from our process group so stopping sitebox never tears the
	// database server down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r.logger.Info("starting database engine",
		slog.String("kind", string(inst.Kind)),
		slog.String("version", inst.Version),
		slog.String("path", inst.Path),
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("starting %s %s: %w: %s", inst.Kind, inst.Version, err, firstLine(out))
	}
	return nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// versionFromDirName extracts "16" from "postgresql@16" or passes "16"
// through unchanged.
func versionFromDirName(name string) string {
	if i := strings.LastIndexByte(name, '@'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
