package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/org"
)

// Querier defines the persistence reads the resolver needs. The
// interface is defined by the consumer; internal/store provides the
// PostgreSQL implementation and tests provide fakes.
type Querier interface {
	// Memberships returns the organizations the user belongs to.
	Memberships(ctx context.Context, userID uuid.UUID) ([]Membership, error)

	// DocumentsOwnedBy returns all documents owned by the user,
	// including archived ones, excluding deleted ones.
	DocumentsOwnedBy(ctx context.Context, userID uuid.UUID) ([]Document, error)

	// OrganizationalDocuments returns ACTIVE documents with
	// ORGANIZATIONAL visibility belonging to any of the given orgs.
	OrganizationalDocuments(ctx context.Context, orgIDs []uuid.UUID) ([]Document, error)

	// PublicDocuments returns all ACTIVE documents with PUBLIC visibility.
	PublicDocuments(ctx context.Context) ([]Document, error)

	// SharesFor returns shares targeting the user directly, any of the
	// given organizations exactly, or everyone (public shares).
	SharesFor(ctx context.Context, userID uuid.UUID, orgIDs []uuid.UUID) ([]Share, error)

	// DocumentsByID returns the named documents. Missing ids are
	// silently omitted.
	DocumentsByID(ctx context.Context, ids []uuid.UUID) ([]Document, error)
}

// Resolver computes AuthorizedSets. Resolution is deterministic and
// monotonic with respect to grants: adding a share or organizational
// document can only grow a user's set, revoking can only shrink it.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	querier Querier
	graph   *org.Graph
	cache   *Cache
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver. cache may be nil to disable caching
// (every call recomputes); logger nil falls back to slog.Default().
func NewResolver(querier Querier, graph *org.Graph, cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		querier: querier,
		graph:   graph,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Cache exposes the resolver's cache for invalidation hooks.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve computes the authorized document set for the user, serving a
// cached snapshot when fresh.
//
// Grant sources, in application order:
//  1. Ownership: every non-deleted document owned by the user (admin).
//  2. Organizational visibility: ACTIVE organizational documents of any
//     org on the path from a membership org up to its root. Visibility
//     is inherited downward only: a parent-org document is visible to
//     child-org members, never the reverse.
//  3. Public: every ACTIVE public document (read).
//  4. Shares: non-expired shares naming the user, naming exactly one of
//     the user's orgs (no descendant inheritance), or public shares.
//
// Deleted documents never enter the set. The most permissive applicable
// grant wins.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (*AuthorizedSet, error) {
	if r.cache != nil {
		if set, ok := r.cache.Get(userID); ok {
			return set, nil
		}
	}

	// Stamp before reading so a concurrent invalidation discards this
	// resolution instead of letting it be served stale.
	var version uint64
	if r.cache != nil {
		version = r.cache.Version(userID)
	}

	set := &AuthorizedSet{
		UserID:  userID,
		Version: version,
		grants:  make(map[uuid.UUID]Permission),
	}

	memberships, err := r.querier.Memberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	// Step 1: ownership.
	owned, err := r.querier.DocumentsOwnedBy(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load owned documents: %w", err)
	}
	for _, d := range owned {
		if d.Status == StatusDeleted {
			continue
		}
		set.grant(d.ID, PermissionAdmin)
	}

	// Step 2: organizational visibility, downward-only. A member of org
	// M sees organizational documents of M and of every ancestor of M.
	memberOrgs := make([]uuid.UUID, 0, len(memberships))
	visibleOrgs := make(map[uuid.UUID]struct{})
	for _, m := range memberships {
		memberOrgs = append(memberOrgs, m.OrgID)
		path, err := r.graph.Path(m.OrgID)
		if err != nil {
			// Membership referencing an org missing from the graph:
			// skip the inherited scope but keep the exact org for
			// share targeting below.
			r.logger.Warn("membership org not in graph", "org_id", m.OrgID, "user_id", userID)
			visibleOrgs[m.OrgID] = struct{}{}
			continue
		}
		for _, id := range path {
			visibleOrgs[id] = struct{}{}
		}
	}
	if len(visibleOrgs) > 0 {
		orgIDs := make([]uuid.UUID, 0, len(visibleOrgs))
		for id := range visibleOrgs {
			orgIDs = append(orgIDs, id)
		}
		orgDocs, err := r.querier.OrganizationalDocuments(ctx, orgIDs)
		if err != nil {
			return nil, fmt.Errorf("load organizational documents: %w", err)
		}
		for _, d := range orgDocs {
			if d.Status != StatusActive {
				continue
			}
			set.grant(d.ID, PermissionRead)
		}
	}

	// Step 3: public documents.
	public, err := r.querier.PublicDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load public documents: %w", err)
	}
	for _, d := range public {
		if d.Status != StatusActive {
			continue
		}
		set.grant(d.ID, PermissionRead)
	}

	// Step 4: explicit shares. Org-targeted shares apply to members of
	// exactly that org, not its descendants.
	shares, err := r.querier.SharesFor(ctx, userID, memberOrgs)
	if err != nil {
		return nil, fmt.Errorf("load shares: %w", err)
	}
	now := r.now()
	sharedDocIDs := make([]uuid.UUID, 0, len(shares))
	sharePerm := make(map[uuid.UUID]Permission, len(shares))
	for _, s := range shares {
		if s.Expired(now) {
			continue
		}
		// Duplicate active shares for the same document: most
		// permissive wins.
		if cur, ok := sharePerm[s.DocumentID]; !ok || s.Permission > cur {
			if !ok {
				sharedDocIDs = append(sharedDocIDs, s.DocumentID)
			}
			sharePerm[s.DocumentID] = s.Permission
		}
	}
	if len(sharedDocIDs) > 0 {
		docs, err := r.querier.DocumentsByID(ctx, sharedDocIDs)
		if err != nil {
			return nil, fmt.Errorf("load shared documents: %w", err)
		}
		for _, d := range docs {
			if d.Status == StatusDeleted {
				continue
			}
			set.grant(d.ID, sharePerm[d.ID])
		}
	}

	if r.cache != nil {
		r.cache.Put(set)
	}
	r.logger.Debug("resolved authorized set",
		"user_id", userID,
		"documents", set.Len(),
		"version", version,
	)
	return set, nil
}

// Authorize returns the user's grant level for one document, or
// ErrUnauthorized when the resolved set excludes it. Used by callers
// performing non-retrieval operations (share management, deletion).
func (r *Resolver) Authorize(ctx context.Context, userID, docID uuid.UUID, need Permission) (Permission, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	level, ok := set.Level(docID)
	if !ok || level < need {
		return 0, fmt.Errorf("%w: user %s document %s", ErrUnauthorized, userID, docID)
	}
	return level, nil
}
