// Package index provides the domain-partitioned content index used for
// nearest-neighbor lookup over previously embedded content chunks.
package index

import (
	"context"

	"github.com/tkaneda/queryloop/internal/repository"
)

// Hit is one candidate content chunk from a similarity search.
type Hit struct {
	// ChunkID identifies the content chunk.
	ChunkID string

	// Content is the chunk's text, used downstream by the rerank gateway.
	Content string

	// Score is the cosine similarity to the query vector. Results are
	// ordered nearest first (score descending).
	Score float32

	// Metadata carries the chunk's source item and relation keys.
	Metadata map[string]string
}

// Chunk is a unit of indexed corpus text, keyed by source item and relation.
// The core only reads chunks; Upsert exists for operational tooling.
type Chunk struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// Index defines the content index contract. Each domain maps to its own
// partition.
type Index interface {
	// Search returns up to k chunks from the domain's partition, nearest
	// first against the given embedding.
	Search(ctx context.Context, domain repository.Domain, vector []float32, k int) ([]Hit, error)

	// EnsureCollection creates the domain's partition if it does not exist.
	EnsureCollection(ctx context.Context, domain repository.Domain, dimension int) error

	// Upsert inserts or updates chunks in the domain's partition.
	Upsert(ctx context.Context, domain repository.Domain, chunks []Chunk) error
}
