package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports the readiness of one dependency. Both index
// gateways implement it; the database pool is wrapped at construction.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints. Liveness reports the
// process; readiness pings the database and the vector index backend.
type HealthHandler struct {
	db     HealthChecker
	index  HealthChecker
	logger *slog.Logger
}

// NewHealthHandler creates a health handler. index may be nil when the
// backend exposes no health probe.
func NewHealthHandler(pool *pgxpool.Pool, index HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: poolChecker{pool}, index: index, logger: logger}
}

type poolChecker struct{ pool *pgxpool.Pool }

func (p poolChecker) Health(ctx context.Context) error {
	if p.pool == nil {
		return errors.New("database pool not configured")
	}
	return p.pool.Ping(ctx)
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

// liveness returns 200 OK if the process is alive.
func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness returns 200 OK once every dependency answers. A failing
// dependency is named in the body so operators see which one to chase.
func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "dependency", "database", "error", err)
		http.Error(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	if h.index != nil {
		if err := h.index.Health(r.Context()); err != nil {
			h.logger.Error("readiness check failed", "dependency", "index", "error", err)
			http.Error(w, "vector index not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
