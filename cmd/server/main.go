// @title           GitHub App Usage API
// @version         1.0.0
// @description     Inventory of GitHub App installations and activity verdicts inferred from organization audit logs.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "GitHub token forwarded to the GitHub API: 'Bearer {token}'. Optional when the server has a configured token."
//
// @tag.name         System
// @tag.description  Health, readiness, version, and client configuration endpoints.
//
// @tag.name         Inventory
// @tag.description  Organizations, installations, apps, and repositories as reported by GitHub.
//
// @tag.name         Usage
// @tag.description  Active/inactive/unknown verdicts for GitHub Apps, derived from audit log activity.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side port (default: 9090), separate from the API listener and its rate limiting. Configure the port with GAU_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the app usage server binary. It dispatches
// two subcommands, serve and version, with a switch on os.Args.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/app-inventory/app-inventory/internal/api"
	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/safego"
	"github.com/app-inventory/app-inventory/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "version":
		fmt.Printf("GitHub App Usage Service v%s\n", api.Version)
		return nil
	case "serve":
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return serve(cfg, configPath)
}

func serve(cfg *config.Config, configPath string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Only logging settings take effect without a restart.
	if err := config.Watch(configPath, func(next *config.Config) {
		telemetry.SetupLogger(next.Logging.Format, next.Logging.Level)
	}); err != nil {
		slog.Warn("config file watch disabled", "error", err)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.GitHub.Token == "" {
		slog.Warn("no github.token configured; every request must carry its own bearer token")
	}

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		safego.Go("metrics-server", func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices, err := api.NewRouter(cfg)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// Zero keeps progress streams open for as long as a scan runs.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	safego.Go("api-server", func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"github_api", cfg.GitHub.APIURL,
			"strategy", cfg.Usage.Strategy,
			"rate_limiting", cfg.Security.RateLimiting.Enabled,
			"version", api.Version,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}
