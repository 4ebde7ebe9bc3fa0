package retrieval

import "github.com/docweave/docweave/internal/index"

// pack selects chunks from the ranked list under a token budget and a
// chunk-count cap. A chunk that does not fit is skipped, not a stopping
// point: later, smaller chunks may still fit the remaining budget.
// Returns the selection in rank order and the total tokens consumed.
//
// A single chunk larger than the whole budget can never be selected;
// callers size chunking well below the budget so this stays a
// degenerate case.
func pack(hits []index.Hit, maxChunks, budget int) ([]index.Hit, int64) {
	selected := make([]index.Hit, 0, min(maxChunks, len(hits)))
	remaining := budget
	for _, h := range hits {
		if len(selected) >= maxChunks {
			break
		}
		if h.Chunk.TokenCount > remaining {
			continue
		}
		selected = append(selected, h)
		remaining -= h.Chunk.TokenCount
	}
	return selected, int64(budget - remaining)
}
