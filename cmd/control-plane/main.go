// control-plane is the HTTP API server that orchestrates app lifecycle
// jobs and streams their logs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"controlplane/internal/api"
	"controlplane/internal/apps"
	"controlplane/internal/config"
	"controlplane/internal/deploy"
	"controlplane/internal/engine"
	"controlplane/internal/health"
	"controlplane/internal/observability"
	"controlplane/internal/runner"
	"controlplane/internal/store"
	"controlplane/internal/stream"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	composeCfg := deploy.LoadComposeConfig(svcCfg)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Broadcast hub for live log streams
	hub := stream.NewHub()
	hub.SetDropHook(func() { metrics.RecordStreamDropped(ctx) })

	// Open the job store and reclaim jobs orphaned by the last shutdown
	// before anything can observe them.
	jobStore, err := store.Open(svcCfg.DatabasePath, hub, svcCfg.JobRetention)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	interrupted, err := jobStore.RecoverOnStartup(ctx)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		slog.Warn("Reclaimed orphaned jobs", "count", interrupted)
	}
	go jobStore.RunMaintenance(ctx, svcCfg.PruneInterval)

	// Connect to Docker for the app inventory
	appEngine, err := apps.NewEngine()
	if err != nil {
		return err
	}
	defer appEngine.Close()

	slog.Info("Connected to Docker daemon")

	// Create the job runner and wire the lifecycle executors
	jobRunner := runner.New(jobStore, metrics)
	deploy.NewExecutors(appEngine, composeCfg).Register(jobRunner)

	jobEngine := engine.New(jobStore, jobRunner)

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"docker": appEngine,
		"store":  jobStore,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:          jobEngine,
		Apps:            appEngine,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		StreamKeepalive: svcCfg.StreamKeepalive,
	})

	if svcCfg.DevMode {
		slog.Warn("Running in development mode - apps get direct host ports")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		defer cancelShutdown()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish
	// in-flight requests (including open SSE streams).
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Wait for in-flight jobs. Jobs that outlive the grace period
	// are left to the storage layer to mark interrupted on next startup.
	slog.Info("Waiting for in-flight jobs")
	runnerCtx, cancelRunner := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRunner()
	if err := jobRunner.Wait(runnerCtx); err != nil {
		slog.Warn("Jobs still running at shutdown, they will be marked interrupted on restart", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
