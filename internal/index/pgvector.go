package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorGateway stores chunk embeddings in the document_chunks table
// and answers nearest-neighbor queries with the pgvector <=> (cosine
// distance) operator over an HNSW index.
//
// PgvectorGateway is safe for concurrent use.
type PgvectorGateway struct {
	pool   *pgxpool.Pool
	dim    int
	logger *slog.Logger
}

// NewPgvectorGateway creates a gateway over the given pool. dim is the
// provisioned vector width; vectors of any other width are rejected.
func NewPgvectorGateway(pool *pgxpool.Pool, dim int, logger *slog.Logger) *PgvectorGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgvectorGateway{pool: pool, dim: dim, logger: logger}
}

// SupportsFilter reports that the allow-list is pushed into the SQL
// query.
func (*PgvectorGateway) SupportsFilter() bool { return true }

// Dimension returns the configured vector width.
func (g *PgvectorGateway) Dimension() int { return g.dim }

// Health verifies the backing pool is reachable.
func (g *PgvectorGateway) Health(ctx context.Context) error {
	if g.pool == nil {
		return errors.New("pgvector pool not configured")
	}
	if err := g.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Upsert writes chunks, replacing existing rows by chunk id.
func (g *PgvectorGateway) Upsert(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != g.dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, expected %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), g.dim)
		}
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, ordinal, content, embedding, token_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				token_count = EXCLUDED.token_count`,
			c.ID, c.DocumentID, c.Ordinal, c.Text, pgvector.NewVector(c.Embedding), c.TokenCount,
		)
	}

	results := g.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return unavailable("upsert chunks", err)
		}
	}

	g.logger.Debug("upserted chunks", "count", len(chunks))
	return nil
}

// Delete removes individual chunks by id.
func (g *PgvectorGateway) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := g.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE id = ANY($1)`, chunkIDs); err != nil {
		return unavailable("delete chunks", err)
	}
	return nil
}

// DeleteDocument removes every chunk of a document.
func (g *PgvectorGateway) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := g.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return unavailable("delete document chunks", err)
	}
	return nil
}

// Query returns the k nearest chunks to the vector. The filter, when
// set, is applied inside the SQL query; the document's updated_at is
// joined in for rank tie-breaking downstream.
func (g *PgvectorGateway) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error) {
	if len(vector) != g.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), g.dim)
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	qv := pgvector.NewVector(vector)
	var rows pgx.Rows
	var err error
	if filter != nil && len(filter.DocumentIDs) > 0 {
		rows, err = g.pool.Query(ctx, `
			SELECT c.id, c.document_id, c.ordinal, c.content, c.token_count,
			       c.embedding <=> $1 AS distance, d.updated_at
			FROM document_chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE c.document_id = ANY($2)
			ORDER BY c.embedding <=> $1
			LIMIT $3`, qv, filter.DocumentIDs, k)
	} else {
		rows, err = g.pool.Query(ctx, `
			SELECT c.id, c.document_id, c.ordinal, c.content, c.token_count,
			       c.embedding <=> $1 AS distance, d.updated_at
			FROM document_chunks c
			JOIN documents d ON d.id = c.document_id
			ORDER BY c.embedding <=> $1
			LIMIT $2`, qv, k)
	}
	if err != nil {
		return nil, unavailable("vector query", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(
			&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Ordinal,
			&h.Chunk.Text, &h.Chunk.TokenCount,
			&h.Distance, &h.DocumentUpdatedAt,
		); err != nil {
			return nil, unavailable("scan hit", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate hits", err)
	}
	return hits, nil
}

// unavailable wraps backend failures as ErrIndexUnavailable so callers
// can retry transient errors uniformly. Context cancellation is passed
// through untouched: a cancelled retrieval must not be retried.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIndexUnavailable, err)
}
