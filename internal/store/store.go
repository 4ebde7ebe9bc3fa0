// Package store is the PostgreSQL persistence layer. It implements the
// read interfaces the resolver and retrieval service consume, and the
// mutation operations for documents, shares, memberships and
// organizations, each of which notifies the cache invalidator.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/retrieval"
)

// Invalidator receives cache invalidation signals after mutations.
// *access.Cache satisfies it; a nil invalidator disables signalling.
type Invalidator interface {
	InvalidateUser(userID uuid.UUID)
	InvalidateAll()
}

// Store wraps a pgx pool. It is safe for concurrent use.
type Store struct {
	pool        *pgxpool.Pool
	invalidator Invalidator
	logger      *slog.Logger
}

// New creates a store. invalidator may be nil.
func New(pool *pgxpool.Pool, invalidator Invalidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, invalidator: invalidator, logger: logger}
}

// Pool exposes the underlying pool for components that query directly,
// such as the pgvector gateway.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func permissionText(p access.Permission) string { return p.String() }

func permissionFromText(s string) (access.Permission, error) {
	switch s {
	case "read":
		return access.PermissionRead, nil
	case "write":
		return access.PermissionWrite, nil
	case "admin":
		return access.PermissionAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission %q", s)
	}
}

// LoadOrganizations reads the full organization table for graph
// construction at startup.
func (s *Store) LoadOrganizations(ctx context.Context) ([]org.Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, code, org_type, parent_id, status, depth, updated_at
		FROM organizations`)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []org.Organization
	for rows.Next() {
		var o org.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Code, &o.Type, &o.ParentID, &o.Status, &o.Depth, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// Memberships implements access.Querier.
func (s *Store) Memberships(ctx context.Context, userID uuid.UUID) ([]access.Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, org_id, role, is_primary
		FROM user_org_memberships
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []access.Membership
	for rows.Next() {
		var m access.Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role, &m.Primary); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const documentColumns = `id, owner_id, org_id, visibility, status, category, tags, updated_at`

func scanDocuments(rows pgx.Rows) ([]access.Document, error) {
	defer rows.Close()
	var out []access.Document
	for rows.Next() {
		var d access.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.OrgID, &d.Visibility, &d.Status, &d.Category, &d.Tags, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DocumentsOwnedBy implements access.Querier.
func (s *Store) DocumentsOwnedBy(ctx context.Context, userID uuid.UUID) ([]access.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id = $1 AND status <> 'deleted'`, userID)
	if err != nil {
		return nil, fmt.Errorf("query owned documents: %w", err)
	}
	return scanDocuments(rows)
}

// OrganizationalDocuments implements access.Querier.
func (s *Store) OrganizationalDocuments(ctx context.Context, orgIDs []uuid.UUID) ([]access.Document, error) {
	if len(orgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE visibility = 'organizational' AND status = 'active' AND org_id = ANY($1)`, orgIDs)
	if err != nil {
		return nil, fmt.Errorf("query organizational documents: %w", err)
	}
	return scanDocuments(rows)
}

// PublicDocuments implements access.Querier.
func (s *Store) PublicDocuments(ctx context.Context) ([]access.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE visibility = 'public' AND status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("query public documents: %w", err)
	}
	return scanDocuments(rows)
}

// DocumentsByID implements access.Querier.
func (s *Store) DocumentsByID(ctx context.Context, ids []uuid.UUID) ([]access.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query documents by id: %w", err)
	}
	return scanDocuments(rows)
}

// SharesFor implements access.Querier. It returns shares naming the
// user, naming any of the given organizations exactly, or public.
func (s *Store) SharesFor(ctx context.Context, userID uuid.UUID, orgIDs []uuid.UUID) ([]access.Share, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, target_kind, target_id, permission, expires_at
		FROM document_shares
		WHERE (target_kind = 'user' AND target_id = $1)
		   OR (target_kind = 'organization' AND target_id = ANY($2))
		   OR target_kind = 'public'`, userID, orgIDs)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
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

// Document returns one document by id.
func (s *Store) Document(ctx context.Context, id uuid.UUID) (access.Document, error) {
	var d access.Document
	err := s.pool.QueryRow(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1`, id).
		Scan(&d.ID, &d.OwnerID, &d.OrgID, &d.Visibility, &d.Status, &d.Category, &d.Tags, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Document{}, fmt.Errorf("document %s: %w", id, access.ErrNotFound)
	}
	if err != nil {
		return access.Document{}, fmt.Errorf("query document: %w", err)
	}
	return d, nil
}

// LogUsage implements retrieval.UsageLogger.
func (s *Store) LogUsage(ctx context.Context, rec retrieval.UsageRecord) error {
	details := map[string]any{
		"org_id":      rec.OrgID,
		"query_len":   len(rec.Query),
		"chunk_count": rec.ChunkCount,
		"tokens_used": rec.TokensUsed,
		"outcome":     rec.Outcome,
		"duration_ms": rec.Duration.Milliseconds(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_stats (user_id, action_type, details, created_at)
		VALUES ($1, 'retrieval', $2, $3)`,
		rec.UserID, details, rec.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}
