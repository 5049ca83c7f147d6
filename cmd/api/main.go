// Package main is the entry point for the settlement trigger API server.
//
// It wires the dependency graph, mounts the settlement, reconciliation, and
// webhook handlers on the core chassis, and serves HTTP with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"screenpact/internal/api/handlers"
	"screenpact/internal/bootstrap"
	"screenpact/internal/core"
	"screenpact/internal/external"
	"screenpact/internal/settlement"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	app, err := bootstrap.Build(ctx)
	if err != nil {
		return err
	}
	logger := app.Logger
	logger.Info("settlement API starting",
		"environment", app.Cfg.Environment,
		"port", app.Cfg.Server.Port,
		"compressed_mode", app.Cfg.Settlement.CompressedMode,
	)

	srv, err := core.NewServer(app.Cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{dbProbe{app}}
	srv.Closers = append(srv.Closers, app.Close)

	var sink settlement.AuditSink
	if app.Archive != nil {
		sink = app.Archive
	}

	// The SQS trigger is optional wiring; a nil *queue.ReconcileTrigger must
	// not end up as a non-nil interface.
	var trigger handlers.TriggerEnqueuer
	if app.Trigger != nil {
		trigger = app.Trigger
	}

	settlementHandler := handlers.NewSettlementHandler(app.Engine, logger)
	reconciliationHandler := handlers.NewReconciliationHandler(app.Worker, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		app.Cfg.Billing.StripeWebhookSecret.Unmask(),
		sink,
		app.Penalties,
		trigger,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { settlementHandler.RegisterRoutes(r) },
		func(r chi.Router) { reconciliationHandler.RegisterRoutes(r) },
		func(r chi.Router) { webhookHandler.RegisterRoutes(r) },
	)
	srv.MountRoutes()

	return serveHTTP(srv, app, logger)
}

// dbProbe reports database reachability for /healthz.
type dbProbe struct {
	app *bootstrap.App
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	return p.app.Pool.Ping(ctx)
}

// serveHTTP runs the server until a shutdown signal or listener error, then
// drains in-flight requests before releasing resources.
func serveHTTP(srv *core.Server, app *bootstrap.App, logger *slog.Logger) error {
	addr := ":" + app.Cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
