package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/org"
)

// invalidateAll signals that every cached authorized set may be stale.
func (s *Store) invalidateAll() {
	if s.invalidator != nil {
		s.invalidator.InvalidateAll()
	}
}

// invalidateUser signals that one user's cached set may be stale.
func (s *Store) invalidateUser(userID uuid.UUID) {
	if s.invalidator != nil {
		s.invalidator.InvalidateUser(userID)
	}
}

// CreateDocument inserts a document row. Chunk ingestion happens
// separately through the index gateway.
func (s *Store) CreateDocument(ctx context.Context, d access.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, owner_id, org_id, visibility, status, category, tags, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		d.ID, d.OwnerID, d.OrgID, d.Visibility, d.Status, d.Category, d.Tags)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	s.invalidateAll()
	return nil
}

// SetDocumentStatus transitions a document's lifecycle status. The row
// stays in place on deletion; only chunks are purged, by the caller,
// after this commit succeeds.
func (s *Store) SetDocumentStatus(ctx context.Context, id uuid.UUID, status access.DocStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, access.ErrNotFound)
	}
	s.invalidateAll()
	return nil
}

// TouchDocument bumps updated_at, refreshing the document's recency
// rank after re-ingestion.
func (s *Store) TouchDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, access.ErrNotFound)
	}
	return nil
}

// UpsertShare creates or replaces a share for (document, target). The
// invalidation is scoped to the named user when the target is a single
// user, global otherwise.
func (s *Store) UpsertShare(ctx context.Context, sh access.Share, createdBy uuid.UUID) error {
	if sh.TargetKind != access.ShareTargetPublic && sh.TargetID == nil {
		return errors.New("share target id required for non-public shares")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_shares (id, document_id, target_kind, target_id, permission, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			permission = EXCLUDED.permission,
			expires_at = EXCLUDED.expires_at`,
		sh.ID, sh.DocumentID, sh.TargetKind, sh.TargetID, permissionText(sh.Permission), sh.ExpiresAt, createdBy)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}

	if sh.TargetKind == access.ShareTargetUser && sh.TargetID != nil {
		s.invalidateUser(*sh.TargetID)
	} else {
		s.invalidateAll()
	}
	return nil
}

// RevokeShare deletes a share by id.
func (s *Store) RevokeShare(ctx context.Context, shareID uuid.UUID) error {
	var kind access.ShareTarget
	var targetID *uuid.UUID
	err := s.pool.QueryRow(ctx, `
		DELETE FROM document_shares WHERE id = $1
		RETURNING target_kind, target_id`, shareID).Scan(&kind, &targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("share %s: %w", shareID, access.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}

	if kind == access.ShareTargetUser && targetID != nil {
		s.invalidateUser(*targetID)
	} else {
		s.invalidateAll()
	}
	return nil
}

// SharesOf lists the shares on one document.
func (s *Store) SharesOf(ctx context.Context, documentID uuid.UUID) ([]access.Share, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, target_kind, target_id, permission, expires_at
		FROM document_shares
		WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query document shares: %w", err)
	}
	defer rows.Close()

	var out []access.Share
	for rows.Next() {
		var sh access.Share
		var perm string
		if err := rows.Scan(&sh.ID, &sh.DocumentID, &sh.TargetKind, &sh.TargetID, &perm, &sh.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		sh.Permission, err = permissionFromText(perm)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", sh.ID, err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// AddMembership links a user to an organization. Setting primary clears
// any previous primary membership inside the same transaction.
func (s *Store) AddMembership(ctx context.Context, m access.Membership) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.Primary {
		if _, err := tx.Exec(ctx, `
			UPDATE user_org_memberships SET is_primary = false
			WHERE user_id = $1 AND is_primary`, m.UserID); err != nil {
			return fmt.Errorf("clear primary membership: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_org_memberships (user_id, org_id, role, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, org_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_primary = EXCLUDED.is_primary`,
		m.UserID, m.OrgID, m.Role, m.Primary); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.invalidateUser(m.UserID)
	return nil
}

// RemoveMembership unlinks a user from an organization.
func (s *Store) RemoveMembership(ctx context.Context, userID, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_org_memberships WHERE user_id = $1 AND org_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("membership %s/%s: %w", userID, orgID, access.ErrNotFound)
	}
	s.invalidateUser(userID)
	return nil
}

// PrimaryOrg returns the user's primary organization, or uuid.Nil when
// none is marked primary.
func (s *Store) PrimaryOrg(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT org_id FROM user_org_memberships
		WHERE user_id = $1 AND is_primary`, userID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query primary membership: %w", err)
	}
	return orgID, nil
}

// InsertOrganization persists a new organization node. The caller is
// responsible for having validated it against the in-memory graph
// first.
func (s *Store) InsertOrganization(ctx context.Context, o org.Organization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (id, name, code, org_type, parent_id, status, depth, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		o.ID, o.Name, o.Code, o.Type, o.ParentID, o.Status, o.Depth)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	s.invalidateAll()
	return nil
}

// ReparentOrganization updates the stored parent and depth of a moved
// subtree. depths maps every affected org to its new depth.
func (s *Store) ReparentOrganization(ctx context.Context, id uuid.UUID, newParent *uuid.UUID, depths map[uuid.UUID]int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE organizations SET parent_id = $2, updated_at = now() WHERE id = $1`,
		id, newParent); err != nil {
		return fmt.Errorf("update parent: %w", err)
	}
	for orgID, depth := range depths {
		if _, err := tx.Exec(ctx, `
			UPDATE organizations SET depth = $2, updated_at = now() WHERE id = $1`,
			orgID, depth); err != nil {
			return fmt.Errorf("update depth: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.invalidateAll()
	return nil
}

// RemoveOrganization deletes an organization row.
func (s *Store) RemoveOrganization(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %s: %w", id, access.ErrNotFound)
	}
	s.invalidateAll()
	return nil
}

// UsageSince returns the total retrieval tokens a user consumed since
// the given instant, reconstructing quota state after a restart.
func (s *Store) UsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM((details->>'tokens_used')::bigint), 0)
		FROM usage_stats
		WHERE user_id = $1 AND action_type = 'retrieval' AND created_at >= $2`,
		userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
