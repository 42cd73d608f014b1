package rerank

import (
	"errors"
	"testing"

	"github.com/tkaneda/queryloop/internal/gateway"
)

func TestAlign_PermutationIndependence(t *testing.T) {
	forward := []RankedDocument{
		{Index: 0, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.05},
		{Index: 2, RelevanceScore: 0.2},
	}
	reverse := []RankedDocument{
		{Index: 2, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.05},
		{Index: 0, RelevanceScore: 0.9},
	}

	a, err := Align(forward, 3)
	if err != nil {
		t.Fatalf("forward: unexpected error: %v", err)
	}
	b, err := Align(reverse, 3)
	if err != nil {
		t.Fatalf("reverse: unexpected error: %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Errorf("position %d differs: forward %v, reverse %v", i, a[i], b[i])
		}
	}

	var sum float64
	for _, s := range a {
		sum += s
	}
	if sum != 1.15 {
		t.Errorf("expected score sum 1.15, got %v", sum)
	}
}

func TestAlign_MissingScore(t *testing.T) {
	ranked := []RankedDocument{
		{Index: 0, RelevanceScore: 0.9},
		{Index: 2, RelevanceScore: 0.2},
	}

	if _, err := Align(ranked, 3); !errors.Is(err, gateway.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch for short response, got %v", err)
	}
}

func TestAlign_DuplicateIndex(t *testing.T) {
	ranked := []RankedDocument{
		{Index: 1, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.2},
	}

	if _, err := Align(ranked, 2); !errors.Is(err, gateway.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch for duplicate index, got %v", err)
	}
}

func TestParseRerankResponse_Valid(t *testing.T) {
	response := `{"scores": [{"doc_index": 1, "score": 0.3}, {"doc_index": 0, "score": 0.9}]}`

	ranked, err := parseRerankResponse(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(ranked))
	}
	// Order is preserved as-is; alignment happens later
	if ranked[0].Index != 1 || ranked[0].RelevanceScore != 0.3 {
		t.Errorf("unexpected first entry: %+v", ranked[0])
	}
}

func TestParseRerankResponse_ClampsScores(t *testing.T) {
	response := `{"scores": [{"doc_index": 0, "score": 1.7}, {"doc_index": 1, "score": -0.4}]}`

	ranked, err := parseRerankResponse(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ranked[0].RelevanceScore != 1.0 {
		t.Errorf("expected clamp to 1.0, got %v", ranked[0].RelevanceScore)
	}
	if ranked[1].RelevanceScore != 0.0 {
		t.Errorf("expected clamp to 0.0, got %v", ranked[1].RelevanceScore)
	}
}

func TestParseRerankResponse_CodeFences(t *testing.T) {
	response := "```json\n{\"scores\": [{\"doc_index\": 0, \"score\": 0.5}]}\n```"

	ranked, err := parseRerankResponse(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 1 || ranked[0].RelevanceScore != 0.5 {
		t.Errorf("unexpected result: %+v", ranked)
	}
}

func TestParseRerankResponse_Invalid(t *testing.T) {
	if _, err := parseRerankResponse("the documents look relevant"); err == nil {
		t.Error("expected error for non-JSON response")
	}
}
