package rewrite

import (
	"context"
	"testing"

	"github.com/tkaneda/queryloop/internal/llm"
	"github.com/tkaneda/queryloop/internal/repository"
)

// fakeLLM returns a canned response for every Generate call.
type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(_ context.Context, _ string, _ llm.GenerateOptions) (string, error) {
	return f.response, f.err
}

func TestLLMRewriter_Rewrite(t *testing.T) {
	client := &fakeLLM{
		response: `{"reply_type": "results", "domain": "description", "improved_query": "films set in the deep ocean"}`,
	}
	rewriter := NewLLMRewriter(client)

	cls, err := rewriter.Rewrite(context.Background(), "ocean movies")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cls.ReplyType != repository.ReplyResults {
		t.Errorf("expected reply type results, got %q", cls.ReplyType)
	}
	if cls.Domain != repository.DomainDescription {
		t.Errorf("expected domain description, got %q", cls.Domain)
	}
	if cls.ImprovedQuery != "films set in the deep ocean" {
		t.Errorf("unexpected improved query %q", cls.ImprovedQuery)
	}
}

func TestParseRewriteResponse_CodeFences(t *testing.T) {
	response := "```json\n{\"reply_type\": \"recommendation\", \"domain\": \"setting\", \"improved_query\": \"movies in Venice\"}\n```"

	cls, err := parseRewriteResponse(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cls.ReplyType != repository.ReplyRecommendation || cls.Domain != repository.DomainSetting {
		t.Errorf("unexpected classification: %+v", cls)
	}
}

func TestParseRewriteResponse_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"not json", "sure, here is the rewritten query"},
		{"bad reply type", `{"reply_type": "answer", "domain": "description", "improved_query": "x"}`},
		{"bad domain", `{"reply_type": "results", "domain": "plot", "improved_query": "x"}`},
		{"empty improved query", `{"reply_type": "results", "domain": "description", "improved_query": "  "}`},
	}

	for _, tc := range cases {
		if _, err := parseRewriteResponse(tc.response); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
