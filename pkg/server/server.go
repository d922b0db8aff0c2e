// Package server exposes the engine over HTTP: envelope submission,
// record and audit lookup, backend callbacks, and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openconduct/openconduct/pkg/engine"
	"github.com/openconduct/openconduct/pkg/telemetry"
)

// Options configure the HTTP server.
type Options struct {
	// Port is the listen port.
	Port int

	// APIKey guards every endpoint except /healthz and /v1/metrics when
	// set. Empty disables authentication.
	APIKey string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Server is the HTTP surface over one engine instance.
type Server struct {
	engine  *engine.Engine
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	opts    Options
	http    *http.Server
}

// New builds the server and its routes.
func New(e *engine.Engine, metrics *telemetry.Metrics, logger zerolog.Logger, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		engine:  e,
		metrics: metrics,
		logger:  logger.With().Str("component", "http").Logger(),
		opts:    opts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests", s.handleLookup)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/requests/{id}/audit", s.handleAudit)
	mux.HandleFunc("POST /v1/callbacks/{backend}", s.handleCallback)
	mux.HandleFunc("GET /v1/metrics", s.handleMetricsSnapshot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	handler := s.logRequests(s.authenticate(mux))
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("http server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
