package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tkaneda/queryloop/internal/llm"
	"github.com/tkaneda/queryloop/internal/repository"
)

// LLMRewriter implements Rewriter using a completion model with a strict
// JSON output contract.
type LLMRewriter struct {
	llmClient llm.LLM
	model     string
}

// LLMRewriterOption is a functional option for configuring LLMRewriter.
type LLMRewriterOption func(*LLMRewriter)

// WithModel sets the model to use for rewriting.
func WithModel(model string) LLMRewriterOption {
	return func(r *LLMRewriter) {
		r.model = model
	}
}

// NewLLMRewriter creates a new LLM-based rewriter.
func NewLLMRewriter(llmClient llm.LLM, opts ...LLMRewriterOption) *LLMRewriter {
	r := &LLMRewriter{
		llmClient: llmClient,
		model:     "llama3.2",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// rewriteResult is the JSON shape the model must produce.
type rewriteResult struct {
	ReplyType     string `json:"reply_type"`
	Domain        string `json:"domain"`
	ImprovedQuery string `json:"improved_query"`
}

// Rewrite classifies the text and produces an improved phrasing.
func (r *LLMRewriter) Rewrite(ctx context.Context, text string) (*Classification, error) {
	prompt := buildRewritePrompt(text)

	opts := llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // Classification must be deterministic
		MaxTokens:   512,
	}

	response, err := r.llmClient.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("rewrite generation failed: %w", err)
	}

	return parseRewriteResponse(response)
}

func buildRewritePrompt(text string) string {
	var sb strings.Builder

	sb.WriteString("You classify and rephrase search queries for a retrieval system.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString(`Decide three things:
1. reply_type: "results" if the user wants a list of matches, "recommendation" if they want one best pick.
2. domain: "description" if the query is about what the content is, "setting" if it is about where or when it takes place.
3. improved_query: a clearer rephrasing of the query, optimized for semantic search.

Output ONLY valid JSON in this exact format:
{"reply_type": "results", "domain": "description", "improved_query": "..."}

Output only JSON, no explanation:`)

	return sb.String()
}

// parseRewriteResponse validates the model output against the enum types at
// the boundary, so invalid classifications are rejected here rather than at
// persistence time.
func parseRewriteResponse(response string) (*Classification, error) {
	response = stripCodeFences(response)

	var parsed rewriteResult
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rewrite response: %w", err)
	}

	replyType, err := repository.ParseReplyType(parsed.ReplyType)
	if err != nil {
		return nil, fmt.Errorf("invalid rewrite response: %w", err)
	}

	domain, err := repository.ParseDomain(parsed.Domain)
	if err != nil {
		return nil, fmt.Errorf("invalid rewrite response: %w", err)
	}

	improved := strings.TrimSpace(parsed.ImprovedQuery)
	if improved == "" {
		return nil, fmt.Errorf("invalid rewrite response: empty improved_query")
	}

	return &Classification{
		ReplyType:     replyType,
		Domain:        domain,
		ImprovedQuery: improved,
	}, nil
}

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

// Ensure LLMRewriter implements Rewriter interface.
var _ Rewriter = (*LLMRewriter)(nil)
