package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/ingest"
)

// maxIngestBytes bounds the accepted ingestion body size.
const maxIngestBytes = 16 << 20

// DocumentHandler handles document lifecycle and share endpoints.
type DocumentHandler struct {
	svc    *ingest.Service
	logger *slog.Logger
}

// NewDocumentHandler creates a document handler.
func NewDocumentHandler(svc *ingest.Service, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers document routes on the given mux.
func (h *DocumentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", h.handleIngest)
	mux.HandleFunc("DELETE /api/documents/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/documents/{id}/archive", h.handleArchive)
	mux.HandleFunc("POST /api/documents/{id}/shares", h.handleShare)
	mux.HandleFunc("DELETE /api/documents/{id}/shares/{shareID}", h.handleRevoke)
}

// ingestChunk is one pre-embedded chunk in an ingestion request.
type ingestChunk struct {
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
	TokenCount int       `json:"token_count"`
}

// ingestRequest is the JSON body of POST /api/documents.
type ingestRequest struct {
	ID         uuid.UUID         `json:"id,omitempty"`
	OrgID      *uuid.UUID        `json:"org_id,omitempty"`
	Visibility access.Visibility `json:"visibility"`
	Category   string            `json:"category,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Chunks     []ingestChunk     `json:"chunks"`
}

func (h *DocumentHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	switch req.Visibility {
	case access.VisibilityPersonal, access.VisibilityOrganizational, access.VisibilityPublic:
	default:
		writeError(w, http.StatusBadRequest, "invalid_visibility", "visibility must be personal, organizational or public")
		return
	}
	if len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "missing_chunks", "at least one chunk is required")
		return
	}

	docID := req.ID
	if docID == uuid.Nil {
		docID = uuid.New()
	}
	doc := access.Document{
		ID:         docID,
		OwnerID:    userID,
		OrgID:      req.OrgID,
		Visibility: req.Visibility,
		Status:     access.StatusActive,
		Category:   req.Category,
		Tags:       req.Tags,
	}
	chunks := make([]index.Chunk, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = index.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			Embedding:  c.Embedding,
			TokenCount: c.TokenCount,
		}
	}

	if err := h.svc.IngestDocument(r.Context(), doc, chunks); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": docID, "chunks": len(chunks)})
}

func (h *DocumentHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	if err := h.svc.DeleteDocument(r.Context(), userID, docID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	if err := h.svc.ArchiveDocument(r.Context(), userID, docID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// shareRequest is the JSON body of POST /api/documents/{id}/shares.
type shareRequest struct {
	TargetKind access.ShareTarget `json:"target_kind"`
	TargetID   *uuid.UUID         `json:"target_id,omitempty"`
	Permission string             `json:"permission"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
}

func (h *DocumentHandler) handleShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	var perm access.Permission
	switch req.Permission {
	case "read":
		perm = access.PermissionRead
	case "write":
		perm = access.PermissionWrite
	case "admin":
		perm = access.PermissionAdmin
	default:
		writeError(w, http.StatusBadRequest, "invalid_permission", "permission must be read, write or admin")
		return
	}
	switch req.TargetKind {
	case access.ShareTargetUser, access.ShareTargetOrganization:
		if req.TargetID == nil {
			writeError(w, http.StatusBadRequest, "missing_target", "target_id is required for user and organization shares")
			return
		}
	case access.ShareTargetPublic:
	default:
		writeError(w, http.StatusBadRequest, "invalid_target_kind", "target_kind must be user, organization or public")
		return
	}

	share := access.Share{
		ID:         uuid.New(),
		DocumentID: docID,
		TargetKind: req.TargetKind,
		TargetID:   req.TargetID,
		Permission: perm,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := h.svc.ShareDocument(r.Context(), userID, share); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": share.ID})
}

func (h *DocumentHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}
	shareID, err := uuid.Parse(r.PathValue("shareID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "share id must be a UUID")
		return
	}

	if err := h.svc.RevokeShare(r.Context(), userID, docID, shareID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
