package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
)

// writeJSON writes a JSON response with the given status code.
// If encoding fails after WriteHeader the status is already on the
// wire; the error is only logged.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
// Unknown errors become 500 without leaking internals to the client.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, quota.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
	case errors.Is(err, access.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", "not authorized for this document")
	case errors.Is(err, access.ErrNotFound), errors.Is(err, org.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		writeError(w, http.StatusServiceUnavailable, "embedding_unavailable", "embedding service unavailable")
	case errors.Is(err, index.ErrIndexUnavailable):
		writeError(w, http.StatusServiceUnavailable, "index_unavailable", "vector index unavailable")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
