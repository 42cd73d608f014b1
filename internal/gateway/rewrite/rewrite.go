// Package rewrite provides the query rewrite/classification gateway. Given
// free text it produces the intended reply type, the content domain to
// search, and an improved phrasing of the query.
package rewrite

import (
	"context"

	"github.com/tkaneda/queryloop/internal/repository"
)

// Classification is the gateway's verdict on a piece of free text.
type Classification struct {
	// ReplyType is whether the user wants an enumerated result set or a
	// single recommendation.
	ReplyType repository.ReplyType

	// Domain is the content index partition the query should search.
	Domain repository.Domain

	// ImprovedQuery is a rephrasing of the input better suited for
	// embedding-based retrieval.
	ImprovedQuery string
}

// Rewriter defines the interface for rewrite gateways. Callers apply a
// per-call timeout; the reference timeout for batched calls is 15 seconds.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (*Classification, error)
}
