// Package metrics exposes the pipeline's Prometheus metrics and serves them
// over HTTP.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server serves /metrics and /healthz.
type Server struct {
	port   int
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics server on the given port.
func NewServer(port int) *Server {
	return &Server{
		port:   port,
		logger: log.With().Str("component", "metrics-server").Logger(),
	}
}

// Name implements the supervised-component contract.
func (s *Server) Name() string { return "metrics-server" }

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	s.logger.Info().Msg("Metrics server stopped")
	return nil
}

// Healthy always succeeds while the process is alive; a dead listener
// surfaces through the error log and scrape failures.
func (s *Server) Healthy(ctx context.Context) error { return nil }
