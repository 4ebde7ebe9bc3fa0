package retrieval

import (
	"strings"

	"github.com/google/uuid"

	"github.com/docweave/docweave/internal/index"
)

// shingleSize is the word n-gram width used for text similarity.
const shingleSize = 3

// dedupe walks ranked hits in order and drops any hit whose text is
// near-identical to an already-kept hit from the same document.
// Overlapping chunk spans produce such duplicates; keeping the
// closest-ranked copy preserves recall across documents while freeing
// budget within one.
//
// threshold is Jaccard similarity over word shingles; values outside
// (0, 1] disable deduplication.
func dedupe(hits []index.Hit, threshold float64) []index.Hit {
	if threshold <= 0 || threshold > 1 || len(hits) < 2 {
		return hits
	}

	type kept struct {
		shingles map[string]struct{}
	}
	byDoc := make(map[uuid.UUID][]kept)

	out := hits[:0]
	for _, h := range hits {
		sh := shingles(h.Chunk.Text)
		duplicate := false
		for _, k := range byDoc[h.Chunk.DocumentID] {
			if jaccard(sh, k.shingles) > threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		byDoc[h.Chunk.DocumentID] = append(byDoc[h.Chunk.DocumentID], kept{shingles: sh})
		out = append(out, h)
	}
	return out
}

// shingles returns the set of word n-grams in the text, lowercased.
// Texts shorter than the shingle width collapse to a single shingle so
// exact duplicates still compare equal.
func shingles(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{})
	if len(words) < shingleSize {
		set[strings.Join(words, " ")] = struct{}{}
		return set
	}
	for i := 0; i+shingleSize <= len(words); i++ {
		set[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return set
}

// jaccard computes |a ∩ b| / |a ∪ b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	var inter int
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
