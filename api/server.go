// Package api provides the HTTP REST API for DocWeave.
//
// Endpoints:
//
//	POST   /api/retrieve                        - retrieve context for a query
//	POST   /api/documents                       - ingest a document
//	DELETE /api/documents/{id}                  - delete a document
//	POST   /api/documents/{id}/shares           - share a document
//	DELETE /api/documents/{id}/shares/{shareID} - revoke a share
//	GET    /health                              - liveness probe
//	GET    /ready                               - readiness probe
//
// Authentication happens upstream; handlers trust the X-User-ID header
// set by the gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/ingest"
	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8420"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum time to wait for the next request on
	// keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the retrieval API.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger

	health   *HealthHandler
	retrieve *RetrieveHandler
	document *DocumentHandler
}

// NewServer creates a server with all routes registered. tracker may be
// nil to disable rate limiting and quotas at the HTTP layer. The
// gateway feeds the readiness probe when it exposes a health check.
func NewServer(svc *retrieval.Service, ing *ingest.Service, tracker *quota.Tracker, pool *pgxpool.Pool, gateway index.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	var indexHealth HealthChecker
	if hc, ok := gateway.(HealthChecker); ok {
		indexHealth = hc
	}

	s := &Server{
		mux:      mux,
		logger:   logger,
		health:   NewHealthHandler(pool, indexHealth, logger),
		retrieve: NewRetrieveHandler(svc, tracker, logger),
		document: NewDocumentHandler(ing, logger),
	}

	s.health.RegisterRoutes(mux)
	s.retrieve.RegisterRoutes(mux)
	s.document.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
