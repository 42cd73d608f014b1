// Package evaluation drives the explore/evaluate/promote loop that converges
// a query group's canonical identifier toward its best-performing phrasing.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkaneda/queryloop/internal/gateway"
	"github.com/tkaneda/queryloop/internal/gateway/embedding"
	"github.com/tkaneda/queryloop/internal/gateway/rerank"
	"github.com/tkaneda/queryloop/internal/gateway/rewrite"
	"github.com/tkaneda/queryloop/internal/index"
	"github.com/tkaneda/queryloop/internal/repository"
)

const (
	// DefaultTopK is the number of candidate chunks retrieved per evaluation.
	DefaultTopK = 20

	// DefaultRewriteTimeout bounds a single rewrite gateway call.
	DefaultRewriteTimeout = 15 * time.Second

	// DefaultCallTimeout bounds embedding, rerank, and index calls.
	DefaultCallTimeout = 30 * time.Second
)

// Engine converts queries into evaluations and drives group convergence.
// Gateways are injected stateless clients; the engine holds no process-wide
// state of its own.
type Engine struct {
	repo     repository.GroupRepository
	embedder embedding.Embedder
	rewriter rewrite.Rewriter
	reranker rerank.Reranker
	idx      index.Index

	topK           int
	rewriteTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithTopK sets the number of candidate chunks retrieved per evaluation.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithRewriteTimeout sets the per-call timeout for the rewrite gateway.
func WithRewriteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rewriteTimeout = d
		}
	}
}

// WithCallTimeout sets the per-call timeout for embedding, rerank, and index
// calls.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an evaluation engine over the given repository, gateways,
// and content index.
func NewEngine(
	repo repository.GroupRepository,
	embedder embedding.Embedder,
	rewriter rewrite.Rewriter,
	reranker rerank.Reranker,
	idx index.Index,
	opts ...Option,
) *Engine {
	e := &Engine{
		repo:           repo,
		embedder:       embedder,
		rewriter:       rewriter,
		reranker:       reranker,
		idx:            idx,
		topK:           DefaultTopK,
		rewriteTimeout: DefaultRewriteTimeout,
		callTimeout:    DefaultCallTimeout,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate scores a query against the content index and persists the result
// as the query's single evaluation. Re-evaluating is an idempotent skip: the
// stored evaluation is returned unchanged. A cancelled or failed evaluation
// persists nothing.
func (e *Engine) Evaluate(ctx context.Context, q *repository.Query) (*repository.Evaluation, error) {
	existing, err := e.repo.GetEvaluation(ctx, q.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("checking existing evaluation: %w", err)
	}

	amplitude, distribution, err := e.score(ctx, q)
	if err != nil {
		return nil, err
	}

	ev, err := repository.NewEvaluation(q.ID, amplitude, distribution)
	if err != nil {
		return nil, err
	}

	if err := e.repo.CreateEvaluation(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrAlreadyEvaluated) {
			// Lost a race with a concurrent evaluation; theirs stands.
			return e.repo.GetEvaluation(ctx, q.ID)
		}
		return nil, fmt.Errorf("persisting evaluation: %w", err)
	}

	e.logger.Info("evaluated query",
		"query_id", q.ID,
		"group_id", q.GroupID,
		"domain", q.Domain,
		"amplitude", amplitude,
		"chunks", len(distribution),
	)

	return ev, nil
}

// score retrieves candidates, reranks them, and aggregates relevance.
// Amplitude sums ALL relevance scores, not just the top few: during
// exploration a phrasing that surfaces many moderately relevant chunks
// should outrank one that surfaces a handful of excellent ones.
func (e *Engine) score(ctx context.Context, q *repository.Query) (float64, map[string]float64, error) {
	searchCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	hits, err := e.idx.Search(searchCtx, q.Domain, q.Embedding, e.topK)
	if err != nil {
		return 0, nil, gateway.Wrap("index", "search", err)
	}

	// A phrasing that retrieves nothing scores zero; still a valid outcome.
	if len(hits) == 0 {
		return 0, map[string]float64{}, nil
	}

	documents := make([]string, len(hits))
	for i, hit := range hits {
		documents[i] = hit.Content
	}

	rerankCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	ranked, err := e.reranker.Rerank(rerankCtx, q.Content, documents)
	if err != nil {
		return 0, nil, gateway.Wrap("rerank", "rerank", err)
	}

	// The reranker may return scores in any order; align by the echoed
	// index before zipping against the candidate list. Positional zipping
	// would silently attach scores to the wrong chunks.
	scores, err := rerank.Align(ranked, len(documents))
	if err != nil {
		return 0, nil, err
	}

	var amplitude float64
	distribution := make(map[string]float64, len(hits))
	for i, hit := range hits {
		distribution[hit.ChunkID] = scores[i]
		amplitude += scores[i]
	}

	return amplitude, distribution, nil
}

// GenerateVariation is the explore step: it asks the rewrite gateway for a
// new phrasing of the group's canonical identifier, embeds it, and inserts
// it as a new query under the group. If another worker already created the
// same variation, the existing query is returned.
func (e *Engine) GenerateVariation(ctx context.Context, group *repository.QueryGroup) (*repository.Query, error) {
	rewriteCtx, cancel := context.WithTimeout(ctx, e.rewriteTimeout)
	defer cancel()

	cls, err := e.rewriter.Rewrite(rewriteCtx, group.CanonicalIdentifier)
	if err != nil {
		return nil, gateway.Wrap("rewrite", "rewrite", err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	vector, err := e.embedder.Embed(embedCtx, cls.ImprovedQuery)
	if err != nil {
		return nil, gateway.Wrap("embedding", "embed", err)
	}

	q, err := repository.NewQuery(group.ID, cls.ImprovedQuery, cls.Domain, cls.ReplyType, vector)
	if err != nil {
		return nil, err
	}

	if err := e.repo.AddVariation(ctx, q); err != nil {
		if errors.Is(err, repository.ErrDuplicateVariation) {
			// Someone else already did this; reuse the committed row.
			return e.repo.FindVariation(ctx, q.Content, q.Domain)
		}
		return nil, fmt.Errorf("persisting variation: %w", err)
	}

	e.logger.Info("generated variation",
		"query_id", q.ID,
		"group_id", group.ID,
		"domain", q.Domain,
		"content", q.Content,
	)

	return q, nil
}

// CycleResult reports the outcome of one explore/evaluate/promote cycle.
type CycleResult struct {
	Query      *repository.Query
	Evaluation *repository.Evaluation
	Group      *repository.QueryGroup
}

// RunCycle executes one full cycle: generate a variation, evaluate it, and
// promote the group's best performer. Steps are strictly sequential because
// each depends on the previous step's output. The cycle has no built-in
// termination condition; callers decide when to stop (see RunCampaign).
// RunCycle is safe to re-enter: duplicates and existing evaluations resolve
// to the committed rows.
func (e *Engine) RunCycle(ctx context.Context, group *repository.QueryGroup) (*CycleResult, error) {
	q, err := e.GenerateVariation(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	ev, err := e.Evaluate(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	promoted, err := e.repo.Promote(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}

	e.logger.Info("cycle complete",
		"group_id", group.ID,
		"canonical_identifier", promoted.CanonicalIdentifier,
		"amplitude", ev.Amplitude,
	)

	return &CycleResult{Query: q, Evaluation: ev, Group: promoted}, nil
}
