// Package index wraps the external vector store behind a small gateway
// interface. Two backends exist: PostgreSQL + pgvector (the default,
// co-located with the metadata store) and Qdrant.
//
// Both backends support allow-list pre-filtering; callers must still
// post-filter results against the authorized set, since filter support
// is an external capability that may be absent or stale.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIndexUnavailable indicates a transient backend failure.
	// Callers retry with backoff; a timeout maps here, never to an
	// empty result.
	ErrIndexUnavailable = errors.New("embedding index unavailable")

	// ErrDimensionMismatch indicates a vector of the wrong width, a
	// fatal configuration error. Vectors are never truncated or padded.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Chunk is a fixed-span slice of a document's text with its embedding.
// Token counts are precomputed by the extraction pipeline and immutable
// once stored.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Ordinal    int
	Text       string
	Embedding  []float32
	TokenCount int

	// DocumentUpdatedAt is the parent document's updated_at at upsert
	// time. Backends that cannot join document metadata at query time
	// (Qdrant) persist it alongside the vector so recency tie-breaking
	// ranks identically across backends.
	DocumentUpdatedAt time.Time
}

// Hit is one nearest-neighbor result. Distance is cosine distance
// (lower is closer). DocumentUpdatedAt carries the parent document's
// recency for rank tie-breaking; the chunk's Embedding field is empty
// in results.
type Hit struct {
	Chunk             Chunk
	Distance          float64
	DocumentUpdatedAt time.Time
}

// Filter is an optional document-id allow-list pushed down to the
// backend when supported.
type Filter struct {
	DocumentIDs []uuid.UUID
}

// Gateway is the vector store adapter consumed by the retrieval
// service and the ingestion pipeline.
type Gateway interface {
	// Upsert writes chunks (insert or replace by chunk id).
	Upsert(ctx context.Context, chunks []Chunk) error

	// Delete removes individual chunks.
	Delete(ctx context.Context, chunkIDs []uuid.UUID) error

	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, documentID uuid.UUID) error

	// Query returns the k nearest chunks to the vector, closest first.
	// filter may be nil; when the backend cannot pre-filter the caller
	// compensates by over-fetching and post-filtering.
	Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error)

	// SupportsFilter reports whether Query pushes the allow-list down
	// to the backend.
	SupportsFilter() bool

	// Dimension returns the configured vector width.
	Dimension() int
}
