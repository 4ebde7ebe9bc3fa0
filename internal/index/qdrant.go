package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantGateway stores chunk embeddings in a Qdrant collection. The
// allow-list filter is pushed down as a keyword match on the
// document_id payload field, which is indexed at collection creation.
//
// QdrantGateway is safe for concurrent use.
type QdrantGateway struct {
	client     *qdrant.Client
	collection string
	dim        int
	logger     *slog.Logger
}

// NewQdrantGateway connects to Qdrant and ensures the collection
// exists with cosine distance and the payload indexes the filter needs.
func NewQdrantGateway(ctx context.Context, host string, port int, collection string, dim int, logger *slog.Logger) (*QdrantGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	g := &QdrantGateway{client: client, collection: collection, dim: dim, logger: logger}
	if err := g.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return g, nil
}

// Close releases the underlying gRPC connection.
func (g *QdrantGateway) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// SupportsFilter reports that the allow-list is pushed to Qdrant.
func (*QdrantGateway) SupportsFilter() bool { return true }

// Dimension returns the configured vector width.
func (g *QdrantGateway) Dimension() int { return g.dim }

func (g *QdrantGateway) ensureCollection(ctx context.Context) error {
	collections, err := g.client.ListCollections(ctx)
	if err != nil {
		return unavailable("list collections", err)
	}
	for _, name := range collections {
		if name == g.collection {
			return nil
		}
	}

	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: g.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(g.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return unavailable("create collection", err)
	}

	// Without this index the document_id filter degrades to a scan.
	_, err = g.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: g.collection,
		FieldName:      "document_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return unavailable("create payload index", err)
	}
	return nil
}

// Upsert writes chunks as points carrying the chunk text and metadata
// as payload.
func (g *QdrantGateway) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if len(c.Embedding) != g.dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, expected %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), g.dim)
		}
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID.String()),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": c.DocumentID.String(),
				"ordinal":     int64(c.Ordinal),
				"content":     c.Text,
				"token_count": int64(c.TokenCount),
				"doc_updated": c.DocumentUpdatedAt.UTC().Format(time.RFC3339),
			}),
		}
	}

	if _, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: g.collection,
		Points:         points,
	}); err != nil {
		return unavailable("upsert points", err)
	}

	g.logger.Debug("upserted chunks", "count", len(chunks))
	return nil
}

// Delete removes individual chunks by id.
func (g *QdrantGateway) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewIDUUID(id.String())
	}
	if _, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collection,
		Points:         qdrant.NewPointsSelectorIDs(ids),
	}); err != nil {
		return unavailable("delete points", err)
	}
	return nil
}

// DeleteDocument removes every chunk of a document via a payload filter.
func (g *QdrantGateway) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	if _, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID.String()),
			},
		}),
	}); err != nil {
		return unavailable("delete document points", err)
	}
	return nil
}

// Query returns the k nearest chunks. Qdrant reports cosine similarity
// (higher is closer); it is converted to cosine distance so both
// backends rank identically.
func (g *QdrantGateway) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error) {
	if len(vector) != g.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), g.dim)
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var qf *qdrant.Filter
	if filter != nil && len(filter.DocumentIDs) > 0 {
		keywords := make([]string, len(filter.DocumentIDs))
		for i, id := range filter.DocumentIDs {
			keywords[i] = id.String()
		}
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords("document_id", keywords...),
			},
		}
	}

	results, err := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: g.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, unavailable("query points", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		payload := res.Payload

		chunkID, err := uuid.Parse(res.Id.GetUuid())
		if err != nil {
			g.logger.Warn("skipping point with non-uuid id", "id", res.Id.GetUuid())
			continue
		}
		docID, err := uuid.Parse(payload["document_id"].GetStringValue())
		if err != nil {
			g.logger.Warn("skipping point with invalid document_id", "chunk_id", chunkID)
			continue
		}

		updatedAt, err := time.Parse(time.RFC3339, payload["doc_updated"].GetStringValue())
		if err != nil {
			updatedAt = time.Time{}
		}

		hits = append(hits, Hit{
			Chunk: Chunk{
				ID:         chunkID,
				DocumentID: docID,
				Ordinal:    int(payload["ordinal"].GetIntegerValue()),
				Text:       payload["content"].GetStringValue(),
				TokenCount: int(payload["token_count"].GetIntegerValue()),
			},
			Distance:          1 - float64(res.Score),
			DocumentUpdatedAt: updatedAt,
		})
	}
	return hits, nil
}

// Health performs a single health check against Qdrant.
func (g *QdrantGateway) Health(ctx context.Context) error {
	result, err := g.client.HealthCheck(ctx)
	if err != nil {
		return unavailable("health check", err)
	}
	if result == nil || result.Title == "" {
		return errors.New("health check returned invalid response")
	}
	return nil
}
