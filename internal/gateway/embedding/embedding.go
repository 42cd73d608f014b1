// Package embedding provides interfaces and implementations for the text
// embedding gateway.
package embedding

import (
	"context"
	"fmt"
	"sort"

	"github.com/tkaneda/queryloop/internal/gateway"
)

// IndexedVector is one embedding from a batch response, tagged with the
// position of its input text in the request.
type IndexedVector struct {
	Index  int
	Vector []float32
}

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Response order is NOT guaranteed to match input order; every item
	// carries its request index and callers must pass the result through
	// Align before consuming the vector sequence.
	EmbedBatch(ctx context.Context, texts []string) ([]IndexedVector, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// Align sorts a batch response by its index tags and returns the vectors in
// request order. It fails with an index-mismatch error when the response is
// missing an index, repeats one, or refers to a position outside the
// request; callers must never fall back to positional zipping.
func Align(batch []IndexedVector, n int) ([][]float32, error) {
	if len(batch) != n {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", gateway.ErrIndexMismatch, len(batch), n)
	}

	sorted := make([]IndexedVector, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	vectors := make([][]float32, n)
	for pos, iv := range sorted {
		if iv.Index != pos {
			return nil, fmt.Errorf("%w: missing or duplicate index %d", gateway.ErrIndexMismatch, pos)
		}
		vectors[pos] = iv.Vector
	}

	return vectors, nil
}
