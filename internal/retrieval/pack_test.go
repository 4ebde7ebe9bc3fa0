package retrieval

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docweave/docweave/internal/index"
)

func TestPack_SkipsOversizedAndContinues(t *testing.T) {
	docID := uuid.New()
	now := time.Now()
	hits := []index.Hit{
		makeHit(docID, 0.1, 80, "a", now),
		makeHit(docID, 0.2, 30, "b", now),
		makeHit(docID, 0.3, 40, "c", now),
		makeHit(docID, 0.4, 10, "d", now),
	}

	// 80 fits, 30 and 40 overflow the remaining 20, 10 fits.
	selected, tokens := pack(hits, 8, 100)
	require.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].Chunk.Text)
	assert.Equal(t, "d", selected[1].Chunk.Text)
	assert.Equal(t, int64(90), tokens)
}

func TestPack_RespectsChunkCap(t *testing.T) {
	docID := uuid.New()
	now := time.Now()
	hits := []index.Hit{
		makeHit(docID, 0.1, 10, "a", now),
		makeHit(docID, 0.2, 10, "b", now),
		makeHit(docID, 0.3, 10, "c", now),
	}

	selected, tokens := pack(hits, 2, 100)
	assert.Len(t, selected, 2)
	assert.Equal(t, int64(20), tokens)
}

func TestPack_EmptyInput(t *testing.T) {
	selected, tokens := pack(nil, 8, 100)
	assert.Empty(t, selected)
	assert.Zero(t, tokens)
}

func TestPack_SingleChunkLargerThanBudget(t *testing.T) {
	hits := []index.Hit{makeHit(uuid.New(), 0.1, 200, "huge", time.Now())}

	selected, tokens := pack(hits, 8, 100)
	assert.Empty(t, selected)
	assert.Zero(t, tokens)
}
