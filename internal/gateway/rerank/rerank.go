// Package rerank provides the cross-encoder rerank gateway used to score
// query-document pairs.
//
// The gateway contract is index-aligned, not order-aligned: responses may
// arrive in any order and each entry carries the request position of the
// document it scores. Align restores request order and fails loudly when the
// response cannot be matched to the request.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/tkaneda/queryloop/internal/gateway"
)

// RankedDocument is one rerank score, tagged with the request position of
// the document it refers to.
type RankedDocument struct {
	Index          int
	RelevanceScore float64
}

// Reranker defines the interface for rerank gateways.
type Reranker interface {
	// Rerank scores each document's relevance to the query. The returned
	// slice is unordered; callers must pass it through Align before zipping
	// scores against the document list.
	Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error)
}

// Align sorts a rerank response by its index tags and returns one score per
// request document, in request order. Missing, duplicate, or out-of-range
// indices fail with an index-mismatch error; silently degraded scoring is
// never acceptable.
func Align(ranked []RankedDocument, n int) ([]float64, error) {
	if len(ranked) != n {
		return nil, fmt.Errorf("%w: got %d scores for %d documents", gateway.ErrIndexMismatch, len(ranked), n)
	}

	sorted := make([]RankedDocument, len(ranked))
	copy(sorted, ranked)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	scores := make([]float64, n)
	for pos, rd := range sorted {
		if rd.Index != pos {
			return nil, fmt.Errorf("%w: missing or duplicate index %d", gateway.ErrIndexMismatch, pos)
		}
		scores[pos] = rd.RelevanceScore
	}

	return scores, nil
}
