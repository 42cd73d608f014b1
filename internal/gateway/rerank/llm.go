package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tkaneda/queryloop/internal/llm"
)

// LLMReranker uses a completion model to re-score query-document pairs.
// The model sees query and document together, enabling a cross-encoder-like
// relevance assessment that single-vector retrieval cannot provide.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     "llama3.2",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// relevanceScore represents one scored document in the model output.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores each document's relevance to the query. The returned slice
// reflects whatever order and indices the model produced; validation happens
// in Align.
func (r *LLMReranker) Rerank(ctx context.Context, query string, documents []string) ([]RankedDocument, error) {
	if len(documents) == 0 {
		return []RankedDocument{}, nil
	}

	prompt := r.buildRerankPrompt(query, documents)

	opts := llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
	}

	response, err := r.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("rerank generation failed: %w", err)
	}

	return parseRerankResponse(response)
}

// buildRerankPrompt constructs the scoring prompt.
func (r *LLMReranker) buildRerankPrompt(query string, documents []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, doc := range documents {
		// Truncate content to avoid token limits
		if len(doc) > 500 {
			doc = doc[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, doc))
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Score every document exactly once, using its doc_index.
Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts index-tagged scores from the model response.
func parseRerankResponse(response string) ([]RankedDocument, error) {
	response = stripCodeFences(response)

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	ranked := make([]RankedDocument, 0, len(parsed.Scores))
	for _, s := range parsed.Scores {
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		ranked = append(ranked, RankedDocument{Index: s.DocIndex, RelevanceScore: score})
	}

	return ranked, nil
}

// stripCodeFences removes markdown code fences the model sometimes wraps
// JSON output in.
func stripCodeFences(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	return strings.TrimSpace(response)
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
