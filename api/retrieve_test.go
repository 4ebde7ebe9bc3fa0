package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/log"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
)

const testDim = 4

// stubQuerier authorizes the documents each user owns, nothing else.
type stubQuerier struct {
	owned map[uuid.UUID][]access.Document
}

func (q *stubQuerier) Memberships(context.Context, uuid.UUID) ([]access.Membership, error) {
	return nil, nil
}

func (q *stubQuerier) DocumentsOwnedBy(_ context.Context, userID uuid.UUID) ([]access.Document, error) {
	return q.owned[userID], nil
}

func (q *stubQuerier) OrganizationalDocuments(context.Context, []uuid.UUID) ([]access.Document, error) {
	return nil, nil
}

func (q *stubQuerier) PublicDocuments(context.Context) ([]access.Document, error) {
	return nil, nil
}

func (q *stubQuerier) SharesFor(context.Context, uuid.UUID, []uuid.UUID) ([]access.Share, error) {
	return nil, nil
}

func (q *stubQuerier) DocumentsByID(context.Context, []uuid.UUID) ([]access.Document, error) {
	return nil, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, testDim), nil
}

type stubGateway struct {
	hits []index.Hit
}

func (g *stubGateway) Upsert(context.Context, []index.Chunk) error     { return nil }
func (g *stubGateway) Delete(context.Context, []uuid.UUID) error       { return nil }
func (g *stubGateway) DeleteDocument(context.Context, uuid.UUID) error { return nil }
func (g *stubGateway) SupportsFilter() bool                            { return true }
func (g *stubGateway) Dimension() int                                  { return testDim }

func (g *stubGateway) Query(context.Context, []float32, int, *index.Filter) ([]index.Hit, error) {
	return g.hits, nil
}

// newTestHandler wires a retrieve handler whose user owns one document
// with one indexed chunk.
func newTestHandler(t *testing.T, tracker *quota.Tracker) (*RetrieveHandler, uuid.UUID) {
	t.Helper()

	user := uuid.New()
	docID := uuid.New()
	querier := &stubQuerier{owned: map[uuid.UUID][]access.Document{
		user: {{ID: docID, OwnerID: user, Visibility: access.VisibilityPersonal, Status: access.StatusActive}},
	}}
	graph, err := org.NewGraph(nil)
	require.NoError(t, err)
	resolver := access.NewResolver(querier, graph, nil, log.NewNop())

	gw := &stubGateway{hits: []index.Hit{{
		Chunk: index.Chunk{
			ID: uuid.New(), DocumentID: docID,
			Text: "hello from the handbook", TokenCount: 5,
		},
		Distance:          0.12,
		DocumentUpdatedAt: time.Now(),
	}}}

	svc := retrieval.NewService(stubEmbedder{}, resolver, gw, tracker, nil, retrieval.Config{
		MaxChunks:       8,
		TokenBudget:     100,
		OverfetchFactor: 4,
		DedupThreshold:  0.85,
	}, log.NewNop())

	return NewRetrieveHandler(svc, tracker, log.NewNop()), user
}

func doRetrieve(h *RetrieveHandler, userID string, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandleRetrieve_OK(t *testing.T) {
	h, user := newTestHandler(t, nil)

	w := doRetrieve(h, user.String(), `{"query":"handbook"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res retrieval.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, retrieval.OutcomeOK, res.Outcome)
	require.Len(t, res.Contexts, 1)
	assert.Equal(t, "hello from the handbook", res.Contexts[0].Text)
}

func TestHandleRetrieve_MissingIdentity(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := doRetrieve(h, "", `{"query":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleRetrieve_InvalidIdentity(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := doRetrieve(h, "not-a-uuid", `{"query":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleRetrieve_MalformedBody(t *testing.T) {
	h, user := newTestHandler(t, nil)

	w := doRetrieve(h, user.String(), `{"query":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRetrieve_MissingQuery(t *testing.T) {
	h, user := newTestHandler(t, nil)

	w := doRetrieve(h, user.String(), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "missing_query", res.Error)
}

func TestHandleRetrieve_NegativeOverrides(t *testing.T) {
	h, user := newTestHandler(t, nil)

	w := doRetrieve(h, user.String(), `{"query":"x","max_chunks":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRetrieve_RateLimited(t *testing.T) {
	tracker := quota.NewTracker(quota.Limits{
		UserTokens:        1_000_000,
		RequestsPerMinute: 60,
		RequestBurst:      1,
	}, log.NewNop())
	h, user := newTestHandler(t, tracker)

	w := doRetrieve(h, user.String(), `{"query":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRetrieve(h, user.String(), `{"query":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestHandleRetrieve_QuotaExceeded(t *testing.T) {
	tracker := quota.NewTracker(quota.Limits{UserTokens: 1}, log.NewNop())
	h, user := newTestHandler(t, tracker)

	w := doRetrieve(h, user.String(), `{"query":"x"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "quota_exceeded", res.Error)
}
