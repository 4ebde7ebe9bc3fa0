//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/log"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/retrieval"
	"github.com/docweave/docweave/internal/testutil"
)

// countingInvalidator records invalidation signals.
type countingInvalidator struct {
	users []uuid.UUID
	all   int
}

func (c *countingInvalidator) InvalidateUser(userID uuid.UUID) { c.users = append(c.users, userID) }
func (c *countingInvalidator) InvalidateAll()                  { c.all++ }

func testVector(seed float32) []float32 {
	v := make([]float32, 768)
	v[0] = seed
	v[1] = 1 - seed
	return v
}

func TestStore_Integration(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	inv := &countingInvalidator{}
	st := New(db.Pool, inv, log.NewNop())

	companyID := uuid.New()
	teamID := uuid.New()

	t.Run("organizations round trip", func(t *testing.T) {
		require.NoError(t, st.InsertOrganization(ctx, org.Organization{
			ID: companyID, Name: "Acme", Code: "acme", Type: "company", Status: org.StatusActive, Depth: 1,
		}))
		require.NoError(t, st.InsertOrganization(ctx, org.Organization{
			ID: teamID, Name: "Platform", Code: "platform", Type: "team",
			ParentID: &companyID, Status: org.StatusActive, Depth: 2,
		}))

		orgs, err := st.LoadOrganizations(ctx)
		require.NoError(t, err)
		require.Len(t, orgs, 2)

		g, err := org.NewGraph(orgs)
		require.NoError(t, err)
		path, err := g.Path(teamID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{companyID, teamID}, path)
	})

	userID := uuid.New()

	t.Run("memberships", func(t *testing.T) {
		require.NoError(t, st.AddMembership(ctx, access.Membership{
			UserID: userID, OrgID: teamID, Role: "member", Primary: true,
		}))

		ms, err := st.Memberships(ctx, userID)
		require.NoError(t, err)
		require.Len(t, ms, 1)
		assert.True(t, ms[0].Primary)

		primary, err := st.PrimaryOrg(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, teamID, primary)

		// Re-pointing the primary flag keeps the partial unique index happy.
		require.NoError(t, st.AddMembership(ctx, access.Membership{
			UserID: userID, OrgID: companyID, Role: "member", Primary: true,
		}))
		primary, err = st.PrimaryOrg(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, companyID, primary)

		assert.Contains(t, inv.users, userID)
	})

	docID := uuid.New()
	publicID := uuid.New()

	t.Run("documents", func(t *testing.T) {
		require.NoError(t, st.CreateDocument(ctx, access.Document{
			ID: docID, OwnerID: userID, OrgID: &teamID,
			Visibility: access.VisibilityOrganizational, Status: access.StatusActive,
			Category: "handbook", Tags: []string{"hr"},
		}))
		require.NoError(t, st.CreateDocument(ctx, access.Document{
			ID: publicID, OwnerID: userID,
			Visibility: access.VisibilityPublic, Status: access.StatusActive,
		}))

		owned, err := st.DocumentsOwnedBy(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, owned, 2)

		orgDocs, err := st.OrganizationalDocuments(ctx, []uuid.UUID{teamID})
		require.NoError(t, err)
		require.Len(t, orgDocs, 1)
		assert.Equal(t, docID, orgDocs[0].ID)
		assert.Equal(t, []string{"hr"}, orgDocs[0].Tags)

		public, err := st.PublicDocuments(ctx)
		require.NoError(t, err)
		require.Len(t, public, 1)
		assert.Equal(t, publicID, public[0].ID)

		got, err := st.Document(ctx, docID)
		require.NoError(t, err)
		assert.Equal(t, "handbook", got.Category)

		_, err = st.Document(ctx, uuid.New())
		assert.ErrorIs(t, err, access.ErrNotFound)
	})

	t.Run("status transitions", func(t *testing.T) {
		require.NoError(t, st.SetDocumentStatus(ctx, publicID, access.StatusDeleted))

		public, err := st.PublicDocuments(ctx)
		require.NoError(t, err)
		assert.Empty(t, public)

		owned, err := st.DocumentsOwnedBy(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, owned, 1)

		assert.ErrorIs(t, st.SetDocumentStatus(ctx, uuid.New(), access.StatusArchived), access.ErrNotFound)
	})

	t.Run("shares", func(t *testing.T) {
		target := uuid.New()
		share := access.Share{
			ID: uuid.New(), DocumentID: docID,
			TargetKind: access.ShareTargetUser, TargetID: &target,
			Permission: access.PermissionWrite,
		}
		require.NoError(t, st.UpsertShare(ctx, share, userID))
		assert.Contains(t, inv.users, target)

		shares, err := st.SharesFor(ctx, target, nil)
		require.NoError(t, err)
		require.Len(t, shares, 1)
		assert.Equal(t, access.PermissionWrite, shares[0].Permission)

		// Org-targeted share only surfaces for members of that org.
		orgShare := access.Share{
			ID: uuid.New(), DocumentID: docID,
			TargetKind: access.ShareTargetOrganization, TargetID: &teamID,
			Permission: access.PermissionRead,
		}
		require.NoError(t, st.UpsertShare(ctx, orgShare, userID))

		shares, err = st.SharesFor(ctx, target, []uuid.UUID{teamID})
		require.NoError(t, err)
		assert.Len(t, shares, 2)
		shares, err = st.SharesFor(ctx, target, nil)
		require.NoError(t, err)
		assert.Len(t, shares, 1)

		byDoc, err := st.SharesOf(ctx, docID)
		require.NoError(t, err)
		assert.Len(t, byDoc, 2)

		require.NoError(t, st.RevokeShare(ctx, share.ID))
		assert.ErrorIs(t, st.RevokeShare(ctx, share.ID), access.ErrNotFound)
	})

	t.Run("usage log", func(t *testing.T) {
		require.NoError(t, st.LogUsage(ctx, retrieval.UsageRecord{
			UserID: userID, Query: "vacation policy",
			ChunkCount: 3, TokensUsed: 120, Outcome: retrieval.OutcomeOK,
			RequestedAt: time.Now(), Duration: 40 * time.Millisecond,
		}))

		total, err := st.UsageSince(ctx, userID, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(120), total)
	})

	t.Run("pgvector gateway", func(t *testing.T) {
		gw := index.NewPgvectorGateway(db.Pool, 768, log.NewNop())

		chunks := []index.Chunk{
			{ID: uuid.New(), DocumentID: docID, Ordinal: 0, Text: "first span", Embedding: testVector(0.9), TokenCount: 4},
			{ID: uuid.New(), DocumentID: docID, Ordinal: 1, Text: "second span", Embedding: testVector(0.1), TokenCount: 4},
		}
		require.NoError(t, gw.Upsert(ctx, chunks))

		hits, err := gw.Query(ctx, testVector(0.9), 2, nil)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "first span", hits[0].Chunk.Text)
		assert.Less(t, hits[0].Distance, hits[1].Distance)

		// Filter pushdown excludes everything outside the allow-list.
		hits, err = gw.Query(ctx, testVector(0.9), 2, &index.Filter{DocumentIDs: []uuid.UUID{uuid.New()}})
		require.NoError(t, err)
		assert.Empty(t, hits)

		require.NoError(t, gw.DeleteDocument(ctx, docID))
		hits, err = gw.Query(ctx, testVector(0.9), 2, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}
