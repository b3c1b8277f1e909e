// Package core provides the HTTP chassis for the billing sync service.
// It builds a chi router that serves both a standard HTTP listener (local and
// container deployments) and AWS Lambda via API Gateway HTTP API events, and
// enforces cross-cutting concerns (panic recovery, request ids, logging,
// metrics, CORS, authentication) before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/config"
)

// RouteRegistrar mounts a group of routes onto a router.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the HTTP layer so tests can inject
// their own.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars are mounted under /v1. Populated by main to keep core
	// free of handler imports.
	V1RouteRegistrars []RouteRegistrar

	// RootRouteRegistrars are mounted at the root, outside /v1.
	RootRouteRegistrars []RouteRegistrar

	// Closers are released on Shutdown in order.
	Closers []func()

	router *chi.Mux
}

// NewServer creates a Server with an empty router. Callers register handlers
// and then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   NoopMetrics{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources such as the database pool. It returns
// the context error if the deadline passed before every closer ran.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, closeFn := range s.Closers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("closing server resources: %w", err)
		}
		closeFn()
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
