package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout is the soft deadline applied to request contexts.
// Set below the Lambda hard timeout so cleanup runs before the kill.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Stripe-Signature",
	"Cookie",
}

// MountRoutes registers the global middleware chain, the /v1 group, and the
// health endpoint.
//
// Middleware order matters:
//  1. Recoverer       - outermost, catches all panics
//  2. ContextTimeout  - soft deadline before the platform hard timeout
//  3. RequestID       - correlation ID for logs and processor trace headers
//  4. SecurityHeaders - present on every response including errors
//  5. RequestLogger   - structured logging with redacted credentials
//  6. TriggerSource   - manual/scheduled tagging for run summaries
//  7. TriggerAuth     - operator key check on run-trigger endpoints
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(TriggerSourceMiddleware)
	s.router.Use(s.TriggerAuthMiddleware)

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/healthz", s.HandleHealth)
}
