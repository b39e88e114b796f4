// Package http provides the HTTP server and API handlers for retrovue.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/slbailey/Retrovue-sub002/internal/config"
	"github.com/slbailey/Retrovue-sub002/internal/http/middleware"
	"github.com/slbailey/Retrovue-sub002/internal/metrics"
)

// Server represents the HTTP server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server // WriteTimeout stays zero: stream responses are open-ended
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, m *metrics.Metrics, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery())
	router.Use(metrics.RequestMiddleware(m))

	humaConfig := huma.DefaultConfig("retrovue API", version)
	humaConfig.Info.Description = "Linear channel playout relay"

	api := humachi.New(router, humaConfig)

	httpServer := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	return &Server{
		config:     cfg,
		router:     router,
		api:        api,
		httpServer: httpServer,
		logger:     logger,
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering raw routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on ln until Shutdown.
func (s *Server) Start(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// Streams that outlive the grace period are cut.
		_ = s.httpServer.Close()
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address(), err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
