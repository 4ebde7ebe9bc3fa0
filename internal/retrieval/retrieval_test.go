package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/log"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/quota"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDim = 4

// ownedQuerier authorizes exactly the documents each user owns.
type ownedQuerier struct {
	owned map[uuid.UUID][]access.Document
}

func (q *ownedQuerier) Memberships(context.Context, uuid.UUID) ([]access.Membership, error) {
	return nil, nil
}

func (q *ownedQuerier) DocumentsOwnedBy(_ context.Context, userID uuid.UUID) ([]access.Document, error) {
	return q.owned[userID], nil
}

func (q *ownedQuerier) OrganizationalDocuments(context.Context, []uuid.UUID) ([]access.Document, error) {
	return nil, nil
}

func (q *ownedQuerier) PublicDocuments(context.Context) ([]access.Document, error) {
	return nil, nil
}

func (q *ownedQuerier) SharesFor(context.Context, uuid.UUID, []uuid.UUID) ([]access.Share, error) {
	return nil, nil
}

func (q *ownedQuerier) DocumentsByID(context.Context, []uuid.UUID) ([]access.Document, error) {
	return nil, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, testDim), nil
}

type fakeGateway struct {
	hits       []index.Hit
	errs       []error
	filterable bool

	calls      int
	lastK      int
	lastFilter *index.Filter
}

func (f *fakeGateway) Upsert(context.Context, []index.Chunk) error     { return nil }
func (f *fakeGateway) Delete(context.Context, []uuid.UUID) error       { return nil }
func (f *fakeGateway) DeleteDocument(context.Context, uuid.UUID) error { return nil }
func (f *fakeGateway) SupportsFilter() bool                            { return f.filterable }
func (f *fakeGateway) Dimension() int                                  { return testDim }

func (f *fakeGateway) Query(_ context.Context, _ []float32, k int, filter *index.Filter) ([]index.Hit, error) {
	f.calls++
	f.lastK = k
	f.lastFilter = filter
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.hits, nil
}

type recordedUsage struct {
	records []UsageRecord
}

func (r *recordedUsage) LogUsage(_ context.Context, rec UsageRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func makeHit(docID uuid.UUID, distance float64, tokens int, text string, updatedAt time.Time) index.Hit {
	return index.Hit{
		Chunk: index.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			Text:       text,
			TokenCount: tokens,
		},
		Distance:          distance,
		DocumentUpdatedAt: updatedAt,
	}
}

type harness struct {
	svc     *Service
	user    uuid.UUID
	docs    []uuid.UUID
	gateway *fakeGateway
	embed   *fakeEmbedder
	usage   *recordedUsage
	tracker *quota.Tracker
}

// newHarness builds a service whose user owns nDocs documents.
func newHarness(t *testing.T, nDocs int, gw *fakeGateway, tracker *quota.Tracker) *harness {
	t.Helper()

	user := uuid.New()
	querier := &ownedQuerier{owned: map[uuid.UUID][]access.Document{}}
	docs := make([]uuid.UUID, nDocs)
	for i := range docs {
		docs[i] = uuid.New()
		querier.owned[user] = append(querier.owned[user], access.Document{
			ID: docs[i], OwnerID: user,
			Visibility: access.VisibilityPersonal, Status: access.StatusActive,
		})
	}

	graph, err := org.NewGraph(nil)
	require.NoError(t, err)
	resolver := access.NewResolver(querier, graph, nil, log.NewNop())

	embed := &fakeEmbedder{}
	usage := &recordedUsage{}
	svc := NewService(embed, resolver, gw, tracker, usage, Config{
		MaxChunks:       8,
		TokenBudget:     100,
		OverfetchFactor: 4,
		DedupThreshold:  0.85,
	}, log.NewNop())

	return &harness{svc: svc, user: user, docs: docs, gateway: gw, embed: embed, usage: usage, tracker: tracker}
}

func TestRetrieve_EmptyAuthorizedSetSkipsIndex(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 0, gw, nil)

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAuthorizedMatches, res.Outcome)
	assert.Empty(t, res.Contexts)
	assert.Zero(t, gw.calls)
	assert.Zero(t, h.embed.calls)
}

func TestRetrieve_NoMatches(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "quarterly report"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatches, res.Outcome)
	assert.Empty(t, res.Contexts)
}

func TestRetrieve_NothingFitsBudget(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)
	gw.hits = []index.Hit{makeHit(h.docs[0], 0.1, 500, "giant span", time.Now())}

	// Authorized matches existed; the empty packing is a budget effect,
	// not an absence of matches.
	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "policy"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Empty(t, res.Contexts)
	assert.Equal(t, estimateTokens("policy"), res.TokensUsed)
}

func TestRetrieve_PostFilterDropsUnauthorized(t *testing.T) {
	now := time.Now()
	foreign := uuid.New()
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)
	gw.hits = []index.Hit{
		makeHit(foreign, 0.1, 10, "secret plan", now),
		makeHit(h.docs[0], 0.2, 10, "shared roadmap", now),
	}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "roadmap"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, res.Contexts, 1)
	assert.Equal(t, h.docs[0], res.Contexts[0].DocumentID)
}

func TestRetrieve_AllMatchesUnauthorized(t *testing.T) {
	gw := &fakeGateway{filterable: false}
	h := newHarness(t, 1, gw, nil)
	gw.hits = []index.Hit{
		makeHit(uuid.New(), 0.1, 10, "foreign one", time.Now()),
		makeHit(uuid.New(), 0.2, 10, "foreign two", time.Now()),
	}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAuthorizedMatches, res.Outcome)
	assert.Empty(t, res.Contexts)
}

func TestRetrieve_FilterPushdown(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 2, gw, nil)

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)

	require.NotNil(t, gw.lastFilter)
	assert.ElementsMatch(t, h.docs, gw.lastFilter.DocumentIDs)
	assert.Equal(t, 32, gw.lastK) // maxChunks 8 × overfetch 4
}

func TestRetrieve_NoFilterWhenUnsupported(t *testing.T) {
	gw := &fakeGateway{filterable: false}
	h := newHarness(t, 2, gw, nil)

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)
	assert.Nil(t, gw.lastFilter)
}

func TestRetrieve_RanksByDistanceThenRecency(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)
	docID := h.docs[0]
	gw.hits = []index.Hit{
		makeHit(docID, 0.3, 10, "far but stale", old),
		makeHit(docID, 0.1, 10, "tie but old", old),
		makeHit(docID, 0.1, 10, "tie but fresh", recent),
	}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)
	require.Len(t, res.Contexts, 3)
	assert.Equal(t, "tie but fresh", res.Contexts[0].Text)
	assert.Equal(t, "tie but old", res.Contexts[1].Text)
	assert.Equal(t, "far but stale", res.Contexts[2].Text)
}

func TestRetrieve_RetriesTransientIndexFailure(t *testing.T) {
	gw := &fakeGateway{
		filterable: true,
		errs:       []error{index.ErrIndexUnavailable, index.ErrIndexUnavailable},
	}
	h := newHarness(t, 1, gw, nil)
	gw.hits = []index.Hit{makeHit(h.docs[0], 0.1, 10, "eventually", time.Now())}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 3, gw.calls)
}

func TestRetrieve_IndexExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{
		filterable: true,
		errs: []error{
			index.ErrIndexUnavailable, index.ErrIndexUnavailable,
			index.ErrIndexUnavailable, index.ErrIndexUnavailable,
		},
	}
	h := newHarness(t, 1, gw, nil)

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	assert.ErrorIs(t, err, index.ErrIndexUnavailable)
	assert.Equal(t, 4, gw.calls) // initial attempt + 3 retries
}

func TestRetrieve_DimensionMismatchNotRetried(t *testing.T) {
	gw := &fakeGateway{filterable: true, errs: []error{index.ErrDimensionMismatch}}
	h := newHarness(t, 1, gw, nil)

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
	assert.Equal(t, 1, gw.calls)
}

func TestRetrieve_EmbedderFailure(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	tracker := quota.NewTracker(quota.Limits{UserTokens: 10_000}, log.NewNop())
	h := newHarness(t, 1, gw, tracker)
	h.embed.err = errors.New("connection refused")

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Zero(t, gw.calls)

	// The reservation was released; nothing counts against the window.
	assert.Zero(t, tracker.Spent(h.user))
}

func TestRetrieve_QuotaExceeded(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	tracker := quota.NewTracker(quota.Limits{UserTokens: 10}, log.NewNop())
	h := newHarness(t, 1, gw, tracker)

	_, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "anything"})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Zero(t, h.embed.calls)
	assert.Zero(t, gw.calls)
}

func TestRetrieve_CommitsActualTokens(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	tracker := quota.NewTracker(quota.Limits{UserTokens: 10_000}, log.NewNop())
	h := newHarness(t, 1, gw, tracker)
	gw.hits = []index.Hit{
		makeHit(h.docs[0], 0.1, 40, "alpha", time.Now()),
		makeHit(h.docs[0], 0.2, 30, "beta", time.Now()),
	}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "budget"})
	require.NoError(t, err)
	assert.Equal(t, res.TokensUsed, tracker.Spent(h.user))
	assert.Less(t, tracker.Spent(h.user), int64(100))
}

func TestRetrieve_RequestOverridesTightenDefaults(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)
	now := time.Now()
	gw.hits = []index.Hit{
		makeHit(h.docs[0], 0.1, 10, "first", now),
		makeHit(h.docs[0], 0.2, 10, "second", now),
		makeHit(h.docs[0], 0.3, 10, "third", now),
	}

	res, err := h.svc.Retrieve(context.Background(), Request{
		UserID: h.user, Query: "anything", MaxChunks: 2,
	})
	require.NoError(t, err)
	assert.Len(t, res.Contexts, 2)
	assert.Equal(t, 8, gw.lastK) // 2 × overfetch 4
}

func TestRetrieve_CancelledContext(t *testing.T) {
	gw := &fakeGateway{filterable: true, errs: []error{context.Canceled}}
	h := newHarness(t, 1, gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Retrieve(ctx, Request{UserID: h.user, Query: "anything"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, gw.calls, 1)
}

func TestRetrieve_LogsUsage(t *testing.T) {
	gw := &fakeGateway{filterable: true}
	h := newHarness(t, 1, gw, nil)
	gw.hits = []index.Hit{makeHit(h.docs[0], 0.1, 10, "hello world", time.Now())}

	res, err := h.svc.Retrieve(context.Background(), Request{UserID: h.user, Query: "hello"})
	require.NoError(t, err)

	require.Len(t, h.usage.records, 1)
	rec := h.usage.records[0]
	assert.Equal(t, h.user, rec.UserID)
	assert.Equal(t, OutcomeOK, rec.Outcome)
	assert.Equal(t, 1, rec.ChunkCount)
	assert.Equal(t, res.TokensUsed, rec.TokensUsed)
}
