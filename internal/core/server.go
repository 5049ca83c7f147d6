// Package core provides the HTTP chassis for the settlement trigger API.
// It builds a chi router with the cross-cutting middleware chain (request IDs,
// logging, panics, trigger-key auth) applied before requests reach the
// settlement and reconciliation handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"screenpact/internal/config"
)

// Server bundles the router with its cross-cutting dependencies so tests can
// inject substitutes for each.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are checked by GET /healthz. Registered by main.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. Populated by the
	// entry point to avoid an import cycle between core and handlers.
	V1RouteRegistrars []func(chi.Router)

	// Closers are shut down, in order, on graceful termination.
	Closers []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer prepares the server for route mounting. Routes are mounted
// separately via MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered closers in order. The first failure is
// returned but every closer still runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(ctx); err != nil {
			s.Logger.Error("error during shutdown", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
