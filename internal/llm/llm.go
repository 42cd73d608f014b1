// Package llm provides the completion-model client used by the rerank and
// rewrite gateways.
package llm

import "context"

// GenerateOptions configures a single generation request.
type GenerateOptions struct {
	// Model specifies the model to use (e.g., "llama3.2").
	Model string

	// SystemPrompt sets system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic). Scoring and
	// classification calls run at 0.
	Temperature float32

	// MaxTokens limits the response length (0 = no limit).
	MaxTokens int
}

// LLM is the interface for completion-model clients.
type LLM interface {
	// Generate sends a prompt and blocks until the full response is
	// received or the context is done.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
