package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/gateway/httpapi"
	"github.com/jkaninda/sitebox/internal/gateway/ws"
	"github.com/jkaninda/sitebox/internal/ratelimit"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP automation API",
	Long: `Serve exposes the sandbox lifecycle over a local HTTP API with a WebSocket
status event stream, health endpoints, and Prometheus metrics. Requests to
/v1 require an API key from the gateway configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, 127.0.0.1:8780)")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	cfg := sc.Config
	if cfg.Gateway == nil {
		cfg.Gateway = &config.GatewayConfig{Enabled: true}
	}
	if len(cfg.Gateway.APIKeys) == 0 {
		return fmt.Errorf("gateway requires at least one API key (gateway.api_keys in config)")
	}

	addr := cfg.Gateway.Addr()
	if serveAddr != "" {
		addr = serveAddr
	}

	gwCfg := httpapi.Config{
		ListenAddr: addr,
		EnableDocs: cfg.Gateway.EnableDocs,
		APIKeys:    cfg.Gateway.APIKeys,
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Health != nil {
			gwCfg.HealthChecker.AddCheck("registry", func(context.Context) error {
				_, err := os.Stat(cfg.SitesDir())
				return err
			})
		}
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sc.Monitor != nil {
		sc.Monitor.Start()
		defer sc.Monitor.Stop()
	}

	hub := ws.NewHub(sc.Logger)
	gw := httpapi.NewGateway(gwCfg, sc.Orch, sc.Logger).WithEvents(hub)
	if cfg.Gateway.RequestsPerMinute > 0 {
		gw = gw.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			BurstSize:         cfg.Gateway.BurstSize,
		}))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		sc.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			sc.Logger.Error("gateway shutdown", slog.String("error", err.Error()))
		}
		return nil
	case err := <-serveErr:
		return err
	}
}
