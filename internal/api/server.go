// Package api provides the HTTP API server for the control plane.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/buildstream/internal/api/handlers"
	"github.com/narvanalabs/buildstream/internal/api/health"
	"github.com/narvanalabs/buildstream/internal/api/middleware"
	"github.com/narvanalabs/buildstream/internal/launcher"
	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	launcher      launcher.Launcher
	config        config.APIConfig
	logger        *logger.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg config.APIConfig, st store.Store, l launcher.Launcher, log *logger.Logger) *Server {
	s := &Server{
		store:    st,
		launcher: l,
		config:   cfg,
		logger:   log.WithComponent("api"),
	}

	s.healthChecker = health.NewChecker(Version).Add("database", st, true)

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthChecker.Handler())
	r.Handle("/metrics", promhttp.Handler())

	projectHandler := handlers.NewProjectHandler(s.store, s.launcher, s.config.ProxyDomain, s.logger)
	deploymentHandler := handlers.NewDeploymentHandler(s.store, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/projects", projectHandler.Create)

		r.Route("/deployments/{deploymentID}", func(r chi.Router) {
			r.Get("/", deploymentHandler.Get)
			r.Get("/logs", deploymentHandler.Logs)
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
