package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
)

// maxQueryLen bounds the accepted query size in bytes.
const maxQueryLen = 8192

// RetrieveHandler handles the retrieval endpoint.
type RetrieveHandler struct {
	svc     *retrieval.Service
	tracker *quota.Tracker
	logger  *slog.Logger
}

// NewRetrieveHandler creates a retrieve handler. tracker may be nil to
// skip per-user rate limiting.
func NewRetrieveHandler(svc *retrieval.Service, tracker *quota.Tracker, logger *slog.Logger) *RetrieveHandler {
	return &RetrieveHandler{svc: svc, tracker: tracker, logger: logger}
}

// RegisterRoutes registers retrieval routes on the given mux.
func (h *RetrieveHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/retrieve", h.handleRetrieve)
}

// retrieveRequest is the JSON body of POST /api/retrieve.
type retrieveRequest struct {
	Query       string    `json:"query"`
	OrgID       uuid.UUID `json:"org_id,omitempty"`
	MaxChunks   int       `json:"max_chunks,omitempty"`
	TokenBudget int       `json:"token_budget,omitempty"`
}

func (h *RetrieveHandler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if h.tracker != nil {
		if err := h.tracker.Allow(userID); err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
	}

	var req retrieveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryLen+1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}
	if len(req.Query) > maxQueryLen {
		writeError(w, http.StatusBadRequest, "query_too_long", "query exceeds maximum length")
		return
	}
	if req.MaxChunks < 0 || req.TokenBudget < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "max_chunks and token_budget must be non-negative")
		return
	}

	result, err := h.svc.Retrieve(r.Context(), retrieval.Request{
		UserID:      userID,
		OrgID:       req.OrgID,
		Query:       req.Query,
		MaxChunks:   req.MaxChunks,
		TokenBudget: req.TokenBudget,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// callerID extracts the authenticated user id set by the upstream
// gateway. Writes a 401 and returns false when absent or malformed.
func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing_identity", "X-User-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_identity", "X-User-ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
