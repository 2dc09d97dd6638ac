// Package core is the HTTP chassis: router, envelope, and the middleware that
// puts authentication, tenant isolation, and plan gating in front of every
// store-scoped handler.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storegate/internal/config"
	"storegate/internal/metrics"
)

// Server holds the collaborators shared by middleware and handlers. Nil
// optional collaborators disable the middleware that needs them, except for
// Gate and Guard which fail closed.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   metrics.Recorder

	Authenticator  Authenticator
	Gate           Gatekeeper
	Guard          IsolationChecker
	RateLimitStore RateLimitStore

	HealthProbes      []HealthProbe
	MetricsHandler    http.Handler
	V1RouteRegistrars []RouteRegistrar

	// Closers run on Shutdown in order.
	Closers []func() error

	router *chi.Mux
}

// NewServer builds a server with an empty router. Routes are mounted by
// MountRoutes once collaborators are set.
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
		Validator: NewValidator(),
		Metrics:   metrics.Nop{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the server's resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return firstErr
}

func (s *Server) debug() bool {
	return s.Config != nil && s.Config.Debug
}
