// Package server exposes the relay over HTTP: request submission,
// request-history lookup, and the operational health/stats endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lbds137/tzurot-sub005/internal/relay"
	"github.com/lbds137/tzurot-sub005/internal/storage"
)

// defaultRequestTimeout bounds one API request end to end. It must
// exceed the adapter's worst case of maxRetries attempts plus backoff.
const defaultRequestTimeout = 2 * time.Minute

// Server is the relay's HTTP surface. The adapter is held behind an
// atomic pointer so a config reload can swap it without restarting the
// listener.
type Server struct {
	Router *chi.Mux
	Port   int

	adapter atomic.Pointer[relay.Adapter]
	store   storage.RequestStore
	logger  *slog.Logger
	started time.Time

	httpServer *http.Server
}

// New builds the router with the middleware chain and routes. store may
// be nil when request history is disabled; the lookup endpoints then
// report it unavailable.
func New(port int, adapter *relay.Adapter, store storage.RequestStore, logger *slog.Logger) *Server {
	s := &Server{
		Port:    port,
		store:   store,
		logger:  logger,
		started: time.Now(),
	}
	s.adapter.Store(adapter)

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(defaultRequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "relayd")
	})

	r.Post("/v1/requests", s.handleSubmit)
	r.Get("/v1/requests", s.handleList)
	r.Get("/v1/requests/{id}", s.handleGet)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	s.Router = r
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.Int("port", s.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("server draining", slog.Duration("timeout", shutdownTimeout))
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

// SetAdapter swaps the transport adapter. In-flight requests finish on
// the adapter they started with.
func (s *Server) SetAdapter(adapter *relay.Adapter) {
	s.adapter.Store(adapter)
}

// relay returns the current transport adapter.
func (s *Server) relay() *relay.Adapter {
	return s.adapter.Load()
}

// Uptime reports how long the server has been constructed.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}
