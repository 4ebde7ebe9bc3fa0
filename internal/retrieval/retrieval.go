// Package retrieval orchestrates a single retrieval request: authorize,
// embed, query the vector index, post-filter, rank, deduplicate and
// pack chunks into a token budget.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/quota"
)

// ErrEmbeddingUnavailable indicates the embedding service failed to
// produce a query vector. The request cannot proceed without one.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// indexRetries bounds retry attempts for transient index failures.
const indexRetries = 3

// Embedder produces a vector for a query string. internal/embed
// provides the HTTP implementation; tests use deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// UsageRecord is one retrieval's accounting entry.
type UsageRecord struct {
	UserID      uuid.UUID
	OrgID       uuid.UUID
	Query       string
	ChunkCount  int
	TokensUsed  int64
	Outcome     Outcome
	RequestedAt time.Time
	Duration    time.Duration
}

// UsageLogger persists usage records. internal/store implements it over
// PostgreSQL.
type UsageLogger interface {
	LogUsage(ctx context.Context, rec UsageRecord) error
}

// Outcome distinguishes an empty result caused by no semantic matches
// from one caused by authorization filtering. Callers phrase their
// response differently for each.
type Outcome string

const (
	// OutcomeOK means authorized matches were found. Contexts may still
	// be empty when no candidate fits the token budget.
	OutcomeOK Outcome = "ok"

	// OutcomeNoMatches means the index returned nothing near the query.
	OutcomeNoMatches Outcome = "no_matches"

	// OutcomeNoAuthorizedMatches means matches existed but none were in
	// the user's authorized set, or the set itself was empty.
	OutcomeNoAuthorizedMatches Outcome = "no_authorized_matches"
)

// Request is one retrieval call.
type Request struct {
	UserID uuid.UUID

	// OrgID is the user's primary organization for quota accounting.
	// uuid.Nil skips the organization budget.
	OrgID uuid.UUID

	Query string

	// MaxChunks and TokenBudget override the configured defaults when
	// positive.
	MaxChunks   int
	TokenBudget int
}

// Context is one selected chunk with its citation metadata.
type Context struct {
	ChunkID           uuid.UUID `json:"chunk_id"`
	DocumentID        uuid.UUID `json:"document_id"`
	Ordinal           int       `json:"ordinal"`
	Text              string    `json:"text"`
	TokenCount        int       `json:"token_count"`
	Distance          float64   `json:"distance"`
	DocumentUpdatedAt time.Time `json:"document_updated_at"`
}

// Result is the assembled context for one request.
type Result struct {
	Outcome    Outcome   `json:"outcome"`
	Contexts   []Context `json:"contexts"`
	TokensUsed int64     `json:"tokens_used"`
}

// Config tunes the retrieval pipeline.
type Config struct {
	// MaxChunks is the cap on selected chunks per request.
	MaxChunks int

	// TokenBudget is the cap on total selected chunk tokens.
	TokenBudget int

	// OverfetchFactor multiplies MaxChunks to size the index query,
	// leaving headroom for post-filtering and deduplication losses.
	OverfetchFactor int

	// DedupThreshold is the text similarity above which a chunk from an
	// already-selected document is dropped. In (0, 1].
	DedupThreshold float64
}

// Service runs retrieval requests. All dependencies are injected;
// quota and usage may be nil to disable those concerns.
type Service struct {
	embedder Embedder
	resolver *access.Resolver
	gateway  index.Gateway
	quota    *quota.Tracker
	usage    UsageLogger
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a retrieval service.
func NewService(embedder Embedder, resolver *access.Resolver, gateway index.Gateway, tracker *quota.Tracker, usage UsageLogger, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		resolver: resolver,
		gateway:  gateway,
		quota:    tracker,
		usage:    usage,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Retrieve executes one retrieval request.
//
// Pipeline: resolve the authorized set (empty set short-circuits before
// any index traffic), reserve quota, embed the query, query the index
// with the allow-list pushed down where supported, post-filter against
// the authorized set regardless, rank by distance with recency
// tie-break, deduplicate near-identical chunks per document, and pack
// greedily into the token budget.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := s.now()

	maxChunks := s.cfg.MaxChunks
	if req.MaxChunks > 0 && req.MaxChunks < maxChunks {
		maxChunks = req.MaxChunks
	}
	budget := s.cfg.TokenBudget
	if req.TokenBudget > 0 && req.TokenBudget < budget {
		budget = req.TokenBudget
	}

	set, err := s.resolver.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve authorized set: %w", err)
	}
	if set.Len() == 0 {
		s.logger.Debug("empty authorized set, skipping index", "user_id", req.UserID)
		res := &Result{Outcome: OutcomeNoAuthorizedMatches, Contexts: []Context{}}
		s.logUsage(ctx, req, res, start)
		return res, nil
	}

	estimated := estimateTokens(req.Query) + int64(budget)
	var reservation *quota.Reservation
	if s.quota != nil {
		reservation, err = s.quota.CheckAndReserve(req.UserID, req.OrgID, estimated)
		if err != nil {
			return nil, err
		}
	}

	res, err := s.retrieve(ctx, req, set, maxChunks, budget)
	if err != nil {
		if reservation != nil {
			reservation.Release()
		}
		return nil, err
	}

	actual := estimateTokens(req.Query) + res.TokensUsed
	if reservation != nil {
		reservation.Commit(actual)
	}
	res.TokensUsed = actual

	s.logUsage(ctx, req, res, start)
	return res, nil
}

func (s *Service) retrieve(ctx context.Context, req Request, set *access.AuthorizedSet, maxChunks, budget int) (*Result, error) {
	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		return nil, fmt.Errorf("embed query: %w: %w", ErrEmbeddingUnavailable, err)
	}

	factor := s.cfg.OverfetchFactor
	if factor < 1 {
		factor = 1
	}
	k := maxChunks * factor

	var filter *index.Filter
	if s.gateway.SupportsFilter() {
		filter = &index.Filter{DocumentIDs: set.DocumentIDs()}
	}

	hits, err := s.queryWithRetry(ctx, vector, k, filter)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &Result{Outcome: OutcomeNoMatches, Contexts: []Context{}}, nil
	}

	// Post-filter even when the backend claims to pre-filter. The
	// allow-list pushdown is a performance optimization, not the
	// enforcement point.
	authorized := hits[:0]
	for _, h := range hits {
		if set.Contains(h.Chunk.DocumentID) {
			authorized = append(authorized, h)
		}
	}
	if len(authorized) == 0 {
		return &Result{Outcome: OutcomeNoAuthorizedMatches, Contexts: []Context{}}, nil
	}

	rank(authorized)
	selected := dedupe(authorized, s.cfg.DedupThreshold)
	packed, tokens := pack(selected, maxChunks, budget)

	contexts := make([]Context, len(packed))
	for i, h := range packed {
		contexts[i] = Context{
			ChunkID:           h.Chunk.ID,
			DocumentID:        h.Chunk.DocumentID,
			Ordinal:           h.Chunk.Ordinal,
			Text:              h.Chunk.Text,
			TokenCount:        h.Chunk.TokenCount,
			Distance:          h.Distance,
			DocumentUpdatedAt: h.DocumentUpdatedAt,
		}
	}

	return &Result{Outcome: OutcomeOK, Contexts: contexts, TokensUsed: tokens}, nil
}

// queryWithRetry retries transient index failures with exponential
// backoff. Dimension mismatches and cancellations fail immediately.
func (s *Service) queryWithRetry(ctx context.Context, vector []float32, k int, filter *index.Filter) ([]index.Hit, error) {
	var hits []index.Hit
	operation := func() error {
		var err error
		hits, err = s.gateway.Query(ctx, vector, k, filter)
		if err == nil {
			return nil
		}
		if errors.Is(err, index.ErrIndexUnavailable) {
			s.logger.Warn("index query failed, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), indexRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}
	return hits, nil
}

// rank orders hits by distance, breaking ties by document recency and
// finally chunk id so ordering is deterministic.
func rank(hits []index.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		if !hits[i].DocumentUpdatedAt.Equal(hits[j].DocumentUpdatedAt) {
			return hits[i].DocumentUpdatedAt.After(hits[j].DocumentUpdatedAt)
		}
		return hits[i].Chunk.ID.String() < hits[j].Chunk.ID.String()
	})
}

func (s *Service) logUsage(ctx context.Context, req Request, res *Result, start time.Time) {
	now := s.now()
	s.logger.Info("retrieval completed",
		"user_id", req.UserID,
		"outcome", res.Outcome,
		"chunks", len(res.Contexts),
		"tokens", res.TokensUsed,
		"duration", now.Sub(start),
	)
	if s.usage == nil {
		return
	}
	rec := UsageRecord{
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Query:       req.Query,
		ChunkCount:  len(res.Contexts),
		TokensUsed:  res.TokensUsed,
		Outcome:     res.Outcome,
		RequestedAt: start,
		Duration:    now.Sub(start),
	}
	if err := s.usage.LogUsage(ctx, rec); err != nil {
		// Accounting must not fail the request.
		s.logger.Error("failed to log usage", "error", err, "user_id", req.UserID)
	}
}

// estimateTokens approximates the token count of a text as one token
// per four characters, the common heuristic for BPE vocabularies.
func estimateTokens(text string) int64 {
	n := int64(len(text)+3) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
