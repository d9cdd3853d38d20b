package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/observability"
	"github.com/jkaninda/sitebox/internal/orchestrator"
	"github.com/jkaninda/sitebox/internal/ports"
	"github.com/jkaninda/sitebox/internal/registry"
	"github.com/jkaninda/sitebox/internal/storage"
	"github.com/jkaninda/sitebox/internal/supervisor"
	"github.com/jkaninda/sitebox/internal/swap"
)

const swapPlanTimeout = 2 * time.Minute

var (
	configPath string
	logJSON    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", goutils.Env("SITEBOX_CONFIG", ""), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

// SharedComponents holds all initialized subsystems shared by the CLI
// commands and the serve gateway. Built once by initShared, torn down by
// Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *registry.Registry
	Allocator  *ports.Allocator
	Supervisor *supervisor.Supervisor
	Monitor    *supervisor.Monitor // nil = liveness sweeps disabled.
	Obs        *observability.Observability
	Orch       *orchestrator.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared wires the whole engine: registry, allocator, verifier,
// supervisor, swap coordinator, and the orchestrator façade. Callers must
// call sc.Cleanup() when done.
func initShared() (*SharedComponents, error) {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.SitesDir(), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Registry (holds the cross-process file lock until Cleanup).
	reg, err := registry.Open(cfg.SitesDir(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening site registry: %w", err)
	}
	sc.Registry = reg
	sc.addCleanup(func() {
		if err := reg.Close(); err != nil {
			logger.Error("closing registry", slog.String("error", err.Error()))
		}
	})

	// Port allocator.
	allocator := ports.NewAllocator(cfg.Ports.MinPort(), cfg.Ports.MaxPort())
	sc.Allocator = allocator

	// Storage verification and provisioning.
	registrar := storage.NewLocalRegistrar(cfg.Storage.InstallRoots, logger)
	baseVerifier := storage.NewVerifier(registrar, cfg.Storage, logger)
	var verifier orchestrator.BackendVerifier = baseVerifier
	if obs.MetricsOrNil() != nil {
		verifier = observability.NewInstrumentedVerifier(baseVerifier, obs.Metrics, obs.TracerOrNil())
	}
	provisioner := storage.NewProvisioner(logger)

	creds := storage.Credentials{
		Host:     cfg.Storage.AdminHost(),
		Port:     cfg.Storage.AdminPort(),
		User:     cfg.Storage.AdminUser(),
		Password: cfg.Storage.AdminPassword(),
		Database: "postgres",
	}

	// Process supervision.
	sup := supervisor.New(cfg.Supervisor, allocator, reg, logger)
	sc.Supervisor = sup
	var procs orchestrator.Processes = sup
	if obs.MetricsOrNil() != nil {
		sup.WithCrashHook(obs.Metrics.ProcessCrashes.Inc)
		procs = observability.NewInstrumentedSupervisor(sup, obs.Metrics, obs.TracerOrNil())
	}

	if cfg.Supervisor.LivenessSweep != "" {
		mon, err := supervisor.NewMonitor(sup, cfg.Supervisor.LivenessSweep, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing liveness monitor: %w", err)
		}
		sc.Monitor = mon
	}

	// Swap coordination and the orchestrator façade.
	swapper := swap.New(reg, sup, verifier, creds, swapPlanTimeout, logger)
	orch := orchestrator.New(
		reg, allocator, verifier, provisioner, procs, swapper,
		creds, cfg.SitesDir(), logger,
	)
	if obs.MetricsOrNil() != nil {
		orch.WithMetrics(orchestrator.NewSandboxMetrics(obs.Metrics.Registry))
		obs.Metrics.RegisterLeasedPortsGauge(allocator.LeasedCount)
	}
	sc.Orch = orch

	orch.Recover()
	return sc, nil
}
