// Package router is the runtime entry point: it resolves a live user query
// to a group's best-performing phrasing, or creates a new group on a miss,
// then retrieves and reranks content for the caller.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/cache"
	"github.com/tkaneda/queryloop/internal/gateway"
	"github.com/tkaneda/queryloop/internal/gateway/embedding"
	"github.com/tkaneda/queryloop/internal/gateway/rerank"
	"github.com/tkaneda/queryloop/internal/gateway/rewrite"
	"github.com/tkaneda/queryloop/internal/index"
	"github.com/tkaneda/queryloop/internal/repository"
)

// State describes how far a group has progressed through the evaluation loop.
type State string

const (
	// StateColdStart means the group has no evaluated query yet; results come
	// from an unscored phrasing.
	StateColdStart State = "cold_start"

	// StateScored means at least one evaluation exists.
	StateScored State = "scored"

	// StateConverged means promotion has run and the canonical identifier
	// reflects a scored winner.
	StateConverged State = "converged"
)

// Default relevance thresholds per reply mode. Recommendation mode keeps
// only strong matches; results mode keeps anything plausibly relevant.
const (
	DefaultMinScoreResults   = 0.1
	DefaultMinScoreRecommend = 0.5
)

// ScoredChunk is one relevance-filtered result.
type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Response is the outcome of routing one user query.
type Response struct {
	GroupID   uuid.UUID            `json:"group_id"`
	State     State                `json:"state"`
	ReplyType repository.ReplyType `json:"reply_type"`
	Domain    repository.Domain    `json:"domain"`
	Phrasing  string               `json:"phrasing"`
	Results   []ScoredChunk        `json:"results"`
}

// Router resolves user queries through the group store and content index.
type Router struct {
	repo     repository.GroupRepository
	embedder embedding.Embedder
	rewriter rewrite.Rewriter
	reranker rerank.Reranker
	idx      index.Index
	cache    *cache.PerformerCache

	topK              int
	minScoreResults   float64
	minScoreRecommend float64
	rewriteTimeout    time.Duration
	callTimeout       time.Duration
	logger            *slog.Logger
}

// Option is a functional option for configuring the Router.
type Option func(*Router)

// WithTopK sets the number of candidate chunks retrieved per query.
func WithTopK(k int) Option {
	return func(r *Router) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithThresholds sets the per-mode relevance cutoffs.
func WithThresholds(results, recommend float64) Option {
	return func(r *Router) {
		r.minScoreResults = results
		r.minScoreRecommend = recommend
	}
}

// WithRewriteTimeout sets the per-call timeout for the rewrite gateway.
func WithRewriteTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.rewriteTimeout = d
		}
	}
}

// WithCallTimeout sets the per-call timeout for embedding, rerank, and index
// calls.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithCache attaches a best-performer cache to the live path.
func WithCache(c *cache.PerformerCache) Option {
	return func(r *Router) {
		r.cache = c
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a query router.
func New(
	repo repository.GroupRepository,
	embedder embedding.Embedder,
	rewriter rewrite.Rewriter,
	reranker rerank.Reranker,
	idx index.Index,
	opts ...Option,
) *Router {
	r := &Router{
		repo:              repo,
		embedder:          embedder,
		rewriter:          rewriter,
		reranker:          reranker,
		idx:               idx,
		topK:              20,
		minScoreResults:   DefaultMinScoreResults,
		minScoreRecommend: DefaultMinScoreRecommend,
		rewriteTimeout:    15 * time.Second,
		callTimeout:       30 * time.Second,
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve routes one user query: group lookup, best-performer selection or
// cold-start creation, retrieval, reranking, and threshold filtering.
func (r *Router) Resolve(ctx context.Context, rawText string) (*Response, error) {
	if rawText == "" {
		return nil, errors.New("router: empty query")
	}

	group, err := r.repo.FindGroup(ctx, rawText)
	switch {
	case err == nil:
		return r.resolveExisting(ctx, group, rawText)
	case errors.Is(err, repository.ErrNotFound):
		return r.resolveNew(ctx, rawText)
	default:
		return nil, fmt.Errorf("group lookup: %w", err)
	}
}

// resolveExisting serves a known intent. The payoff of the evaluation loop
// lives here: a scored best performer is reused directly, skipping the
// rewrite model entirely. If no evaluation exists yet the query falls back
// to the cold-start path against the same group.
func (r *Router) resolveExisting(ctx context.Context, group *repository.QueryGroup, rawText string) (*Response, error) {
	best, ok := r.bestPerformer(ctx, group.ID)
	if !ok {
		cls, vector, err := r.classifyAndEmbed(ctx, rawText)
		if err != nil {
			return nil, err
		}
		results, err := r.retrieve(ctx, cls.ImprovedQuery, cls.Domain, vector, cls.ReplyType)
		if err != nil {
			return nil, err
		}
		return &Response{
			GroupID:   group.ID,
			State:     StateColdStart,
			ReplyType: cls.ReplyType,
			Domain:    cls.Domain,
			Phrasing:  cls.ImprovedQuery,
			Results:   results,
		}, nil
	}

	results, err := r.retrieve(ctx, best.Query.Content, best.Query.Domain, best.Query.Embedding, best.Query.Expectation)
	if err != nil {
		return nil, err
	}

	state := StateScored
	if group.PromotedAt != nil {
		state = StateConverged
	}

	return &Response{
		GroupID:   group.ID,
		State:     state,
		ReplyType: best.Query.Expectation,
		Domain:    best.Query.Domain,
		Phrasing:  best.Query.Content,
		Results:   results,
	}, nil
}

// resolveNew creates a group for an unseen intent and serves it cold.
func (r *Router) resolveNew(ctx context.Context, rawText string) (*Response, error) {
	cls, vector, err := r.classifyAndEmbed(ctx, rawText)
	if err != nil {
		return nil, err
	}

	group, err := repository.NewQueryGroup(rawText)
	if err != nil {
		return nil, err
	}
	first, err := repository.NewQuery(group.ID, cls.ImprovedQuery, cls.Domain, cls.ReplyType, vector)
	if err != nil {
		return nil, err
	}

	if err := r.repo.CreateGroup(ctx, group, first); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateGroup):
			// Another request created the group first; serve theirs.
			committed, ferr := r.repo.FindGroup(ctx, rawText)
			if ferr != nil {
				return nil, fmt.Errorf("re-reading group after duplicate: %w", ferr)
			}
			return r.resolveExisting(ctx, committed, rawText)
		case errors.Is(err, repository.ErrDuplicateVariation):
			// The phrasing already exists under another group; serve the
			// results under that group without creating anything.
			existing, ferr := r.repo.FindVariation(ctx, cls.ImprovedQuery, cls.Domain)
			if ferr != nil {
				return nil, fmt.Errorf("re-reading variation after duplicate: %w", ferr)
			}
			results, rerr := r.retrieve(ctx, cls.ImprovedQuery, cls.Domain, vector, cls.ReplyType)
			if rerr != nil {
				return nil, rerr
			}
			return &Response{
				GroupID:   existing.GroupID,
				State:     StateColdStart,
				ReplyType: cls.ReplyType,
				Domain:    cls.Domain,
				Phrasing:  cls.ImprovedQuery,
				Results:   results,
			}, nil
		default:
			return nil, fmt.Errorf("creating group: %w", err)
		}
	}

	r.logger.Info("created query group",
		"group_id", group.ID,
		"canonical_identifier", rawText,
		"domain", cls.Domain,
	)

	results, err := r.retrieve(ctx, cls.ImprovedQuery, cls.Domain, vector, cls.ReplyType)
	if err != nil {
		return nil, err
	}

	return &Response{
		GroupID:   group.ID,
		State:     StateColdStart,
		ReplyType: cls.ReplyType,
		Domain:    cls.Domain,
		Phrasing:  cls.ImprovedQuery,
		Results:   results,
	}, nil
}

// bestPerformer loads the group's top evaluated query, consulting the cache
// first. A miss on evaluation data is not an error; it routes the caller to
// the cold-start fallback.
func (r *Router) bestPerformer(ctx context.Context, groupID uuid.UUID) (cache.Entry, bool) {
	if r.cache != nil {
		if entry, ok := r.cache.Get(groupID); ok {
			return entry, true
		}
	}

	q, ev, err := r.repo.BestPerformer(ctx, groupID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("best performer lookup failed, serving cold", "group_id", groupID, "error", err)
		}
		return cache.Entry{}, false
	}

	entry := cache.Entry{Query: q, Evaluation: ev}
	if r.cache != nil {
		r.cache.Set(groupID, entry)
	}
	return entry, true
}

// InvalidateGroup drops any cached best performer for the group. Call after
// a promotion or evaluation deletion.
func (r *Router) InvalidateGroup(groupID uuid.UUID) {
	if r.cache != nil {
		r.cache.Invalidate(groupID)
	}
}

// classifyAndEmbed runs the rewrite gateway on the raw text and embeds the
// improved phrasing.
func (r *Router) classifyAndEmbed(ctx context.Context, rawText string) (*rewrite.Classification, []float32, error) {
	rewriteCtx, cancel := context.WithTimeout(ctx, r.rewriteTimeout)
	defer cancel()

	cls, err := r.rewriter.Rewrite(rewriteCtx, rawText)
	if err != nil {
		return nil, nil, gateway.Wrap("rewrite", "rewrite", err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	vector, err := r.embedder.Embed(embedCtx, cls.ImprovedQuery)
	if err != nil {
		return nil, nil, gateway.Wrap("embedding", "embed", err)
	}

	return cls, vector, nil
}

// retrieve searches the content index, reranks the hits against the chosen
// phrasing, and returns results above the mode's relevance threshold,
// highest score first.
func (r *Router) retrieve(ctx context.Context, phrasing string, domain repository.Domain, vector []float32, mode repository.ReplyType) ([]ScoredChunk, error) {
	searchCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	hits, err := r.idx.Search(searchCtx, domain, vector, r.topK)
	if err != nil {
		return nil, gateway.Wrap("index", "search", err)
	}
	if len(hits) == 0 {
		return []ScoredChunk{}, nil
	}

	documents := make([]string, len(hits))
	for i, hit := range hits {
		documents[i] = hit.Content
	}

	rerankCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	ranked, err := r.reranker.Rerank(rerankCtx, phrasing, documents)
	if err != nil {
		return nil, gateway.Wrap("rerank", "rerank", err)
	}

	scores, err := rerank.Align(ranked, len(documents))
	if err != nil {
		return nil, err
	}

	threshold := r.minScoreResults
	if mode == repository.ReplyRecommendation {
		threshold = r.minScoreRecommend
	}

	results := make([]ScoredChunk, 0, len(hits))
	for i, hit := range hits {
		if scores[i] < threshold {
			continue
		}
		results = append(results, ScoredChunk{
			ChunkID: hit.ChunkID,
			Content: hit.Content,
			Score:   scores[i],
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	return results, nil
}
