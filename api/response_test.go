package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/log"
	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"hello":"world"}`, w.Body.String())
}

func TestWriteDomainError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limited", quota.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"quota", quota.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
		{"unauthorized", access.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{"not found", access.ErrNotFound, http.StatusNotFound, "not_found"},
		{"embedding down", retrieval.ErrEmbeddingUnavailable, http.StatusServiceUnavailable, "embedding_unavailable"},
		{"index down", index.ErrIndexUnavailable, http.StatusServiceUnavailable, "index_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			// Wrapped errors must map the same as bare sentinels.
			writeDomainError(w, log.NewNop(), fmt.Errorf("context: %w", tt.err))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantCode)
		})
	}
}
