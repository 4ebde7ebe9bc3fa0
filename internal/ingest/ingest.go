// Package ingest manages the document lifecycle around the vector
// index: chunk ingestion, re-ingestion, deletion and share management.
// Authorization is checked against the resolver before any mutation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
)

// DocumentStore is the persistence surface ingestion needs.
// *store.Store satisfies it.
type DocumentStore interface {
	Document(ctx context.Context, id uuid.UUID) (access.Document, error)
	CreateDocument(ctx context.Context, d access.Document) error
	SetDocumentStatus(ctx context.Context, id uuid.UUID, status access.DocStatus) error
	TouchDocument(ctx context.Context, id uuid.UUID) error
	UpsertShare(ctx context.Context, sh access.Share, createdBy uuid.UUID) error
	RevokeShare(ctx context.Context, shareID uuid.UUID) error
	SharesOf(ctx context.Context, documentID uuid.UUID) ([]access.Share, error)
}

// Service wires document mutations to the store and the index gateway.
type Service struct {
	store    DocumentStore
	gateway  index.Gateway
	resolver *access.Resolver
	logger   *slog.Logger
}

// NewService creates an ingestion service.
func NewService(store DocumentStore, gateway index.Gateway, resolver *access.Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gateway: gateway, resolver: resolver, logger: logger}
}

// IngestDocument registers a new document and indexes its chunks. The
// document row is written first so a crash between the two steps leaves
// orphan metadata rather than orphan vectors.
func (s *Service) IngestDocument(ctx context.Context, d access.Document, chunks []index.Chunk) error {
	if d.Visibility == access.VisibilityOrganizational && d.OrgID == nil {
		return errors.New("organizational document requires an organization")
	}
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	for i := range chunks {
		if chunks[i].DocumentID != d.ID {
			return fmt.Errorf("chunk %s does not belong to document %s", chunks[i].ID, d.ID)
		}
		chunks[i].DocumentUpdatedAt = updated
	}

	if err := s.store.CreateDocument(ctx, d); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if err := s.gateway.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	s.logger.Info("document ingested", "document_id", d.ID, "chunks", len(chunks), "visibility", d.Visibility)
	return nil
}

// ReingestDocument replaces a document's chunks after a content update.
// Requires write permission. Old chunks are purged first so stale spans
// never coexist with new ones.
func (s *Service) ReingestDocument(ctx context.Context, actorID, documentID uuid.UUID, chunks []index.Chunk) error {
	if _, err := s.resolver.Authorize(ctx, actorID, documentID, access.PermissionWrite); err != nil {
		return err
	}
	// TouchDocument below moves the document's updated_at to now, so the
	// reingested chunks carry the same recency.
	updated := time.Now()
	for i := range chunks {
		if chunks[i].DocumentID != documentID {
			return fmt.Errorf("chunk %s does not belong to document %s", chunks[i].ID, documentID)
		}
		chunks[i].DocumentUpdatedAt = updated
	}

	if err := s.gateway.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("purge old chunks: %w", err)
	}
	if err := s.gateway.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	if err := s.store.TouchDocument(ctx, documentID); err != nil {
		return fmt.Errorf("refresh document: %w", err)
	}

	s.logger.Info("document reingested", "document_id", documentID, "chunks", len(chunks))
	return nil
}

// ArchiveDocument marks a document archived. Archived documents stay
// retrievable for their owner and explicit share targets only.
func (s *Service) ArchiveDocument(ctx context.Context, actorID, documentID uuid.UUID) error {
	if _, err := s.resolver.Authorize(ctx, actorID, documentID, access.PermissionAdmin); err != nil {
		return err
	}
	return s.store.SetDocumentStatus(ctx, documentID, access.StatusArchived)
}

// DeleteDocument removes a document from retrieval. The status flips to
// deleted (and caches invalidate) before vectors are purged, so the
// resolver stops authorizing the document even if the purge fails and
// must be retried.
func (s *Service) DeleteDocument(ctx context.Context, actorID, documentID uuid.UUID) error {
	if _, err := s.resolver.Authorize(ctx, actorID, documentID, access.PermissionAdmin); err != nil {
		return err
	}

	if err := s.store.SetDocumentStatus(ctx, documentID, access.StatusDeleted); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if err := s.gateway.DeleteDocument(ctx, documentID); err != nil {
		s.logger.Error("vector purge failed, document remains excluded by status",
			"document_id", documentID, "error", err)
		return fmt.Errorf("purge chunks: %w", err)
	}

	s.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// ShareDocument grants access to a user, an organization, or everyone.
// Requires admin permission on the document.
func (s *Service) ShareDocument(ctx context.Context, actorID uuid.UUID, sh access.Share) error {
	if _, err := s.resolver.Authorize(ctx, actorID, sh.DocumentID, access.PermissionAdmin); err != nil {
		return err
	}
	if sh.ID == uuid.Nil {
		sh.ID = uuid.New()
	}
	if err := s.store.UpsertShare(ctx, sh, actorID); err != nil {
		return err
	}
	s.logger.Info("share created",
		"document_id", sh.DocumentID, "target_kind", sh.TargetKind, "permission", sh.Permission)
	return nil
}

// RevokeShare removes a share from a document. Requires admin
// permission on the document the share belongs to.
func (s *Service) RevokeShare(ctx context.Context, actorID, documentID, shareID uuid.UUID) error {
	if _, err := s.resolver.Authorize(ctx, actorID, documentID, access.PermissionAdmin); err != nil {
		return err
	}

	shares, err := s.store.SharesOf(ctx, documentID)
	if err != nil {
		return err
	}
	found := false
	for _, sh := range shares {
		if sh.ID == shareID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("share %s on document %s: %w", shareID, documentID, access.ErrNotFound)
	}

	if err := s.store.RevokeShare(ctx, shareID); err != nil {
		return err
	}
	s.logger.Info("share revoked", "document_id", documentID, "share_id", shareID)
	return nil
}
