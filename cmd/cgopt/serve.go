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

	"github.com/spf13/cobra"

	"github.com/d53dave/cgopt/internal/api"
)

// newServeCmd runs the orchestration service: HTTP API, metrics endpoint,
// webhook dispatcher and the job drivers behind them.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	app, err := buildApp(ctx)
	if err != nil {
		return err
	}

	// Fail fast when the provider is unreachable rather than at the first
	// submission.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = app.manager.Ready(pingCtx)
	pingCancel()
	if err != nil {
		return err
	}
	slog.Info("Provider ready", "provider", app.cfg.Provider)

	router := api.NewRouter(api.RouterConfig{
		Manager:       app.manager,
		Registry:      app.registry,
		Store:         app.store,
		HealthChecker: app.health,
		Metrics:       app.metrics,
		APIKey:        app.cfg.APIKey,
	})

	if app.cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + app.cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // long-poll result reads hold the response open
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", app.metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + app.cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", app.cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", app.cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		app.close(10 * time.Second)
		return err
	}

	// Phase 1: flip readiness so load balancers stop routing here
	app.health.SetShuttingDown()

	if app.cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", app.cfg.ShutdownDrainWait)
		time.Sleep(app.cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: settle the drivers. Live jobs are aborted and their remote
	// resources released; completed work is already in the store.
	slog.Info("Settling active jobs", "active", app.manager.Active())
	managerCtx, managerCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.manager.Close(managerCtx); err != nil {
		slog.Warn("Manager shutdown incomplete", "error", err)
	}
	managerCancel()

	// Phase 4: drain the webhook dispatcher so settle events still go out
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := app.dispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := app.dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
