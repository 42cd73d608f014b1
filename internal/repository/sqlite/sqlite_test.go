package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGroup(t *testing.T, identifier string) *repository.QueryGroup {
	t.Helper()
	g, err := repository.NewQueryGroup(identifier)
	if err != nil {
		t.Fatalf("NewQueryGroup: %v", err)
	}
	return g
}

func mustQuery(t *testing.T, groupID uuid.UUID, content string, embedding []float32) *repository.Query {
	t.Helper()
	q, err := repository.NewQuery(groupID, content, repository.DomainDescription, repository.ReplyResults, embedding)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	return q
}

func TestStore_GroupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	q := mustQuery(t, g.ID, "films set underwater", []float32{0.25, -1.5, 3})
	if err := s.CreateGroup(ctx, g, q); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	found, err := s.FindGroup(ctx, "ocean movies")
	if err != nil {
		t.Fatalf("FindGroup: %v", err)
	}
	if found.ID != g.ID {
		t.Errorf("FindGroup id %v, want %v", found.ID, g.ID)
	}
	if found.PromotedAt != nil {
		t.Error("new group should not be promoted")
	}

	got, err := s.GetQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if got.Content != q.Content || got.Domain != q.Domain || got.Expectation != q.Expectation {
		t.Errorf("query fields do not round-trip: %+v", got)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding length %d, want 3", len(got.Embedding))
	}
	for i, want := range []float32{0.25, -1.5, 3} {
		if got.Embedding[i] != want {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], want)
		}
	}
}

func TestStore_CreateGroupAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	first := mustQuery(t, g.ID, "films set underwater", []float32{1})
	if err := s.CreateGroup(ctx, g, first); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// Second group with a fresh identifier but a colliding first query must
	// leave no group row behind.
	g2 := mustGroup(t, "sea movies")
	dup := mustQuery(t, g2.ID, "films set underwater", []float32{1})
	if err := s.CreateGroup(ctx, g2, dup); !errors.Is(err, repository.ErrDuplicateVariation) {
		t.Fatalf("expected ErrDuplicateVariation, got %v", err)
	}
	if _, err := s.FindGroup(ctx, "sea movies"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("failed creation must roll back the group row, got %v", err)
	}
}

func TestStore_DuplicateGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	if err := s.CreateGroup(ctx, g, mustQuery(t, g.ID, "films set underwater", []float32{1})); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	g2 := mustGroup(t, "ocean movies")
	err := s.CreateGroup(ctx, g2, mustQuery(t, g2.ID, "movies about the sea", []float32{1}))
	if !errors.Is(err, repository.ErrDuplicateGroup) {
		t.Errorf("expected ErrDuplicateGroup, got %v", err)
	}
}

func TestStore_VariationsAndFindVariation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	first := mustQuery(t, g.ID, "films set underwater", []float32{1})
	if err := s.CreateGroup(ctx, g, first); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	v := mustQuery(t, g.ID, "deep sea documentaries", []float32{2})
	v.CreatedAt = first.CreatedAt.Add(time.Second)
	if err := s.AddVariation(ctx, v); err != nil {
		t.Fatalf("AddVariation: %v", err)
	}

	dup := mustQuery(t, g.ID, "deep sea documentaries", []float32{3})
	if err := s.AddVariation(ctx, dup); !errors.Is(err, repository.ErrDuplicateVariation) {
		t.Errorf("expected ErrDuplicateVariation, got %v", err)
	}

	found, err := s.FindVariation(ctx, "deep sea documentaries", repository.DomainDescription)
	if err != nil {
		t.Fatalf("FindVariation: %v", err)
	}
	if found.ID != v.ID {
		t.Errorf("FindVariation id %v, want %v", found.ID, v.ID)
	}

	queries, err := s.ListQueries(ctx, g.ID)
	if err != nil {
		t.Fatalf("ListQueries: %v", err)
	}
	if len(queries) != 2 || queries[0].ID != first.ID {
		t.Errorf("expected oldest-first listing, got %+v", queries)
	}
}

func TestStore_EvaluationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	q := mustQuery(t, g.ID, "films set underwater", []float32{1})
	if err := s.CreateGroup(ctx, g, q); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	ev, err := repository.NewEvaluation(q.ID, 1.15, map[string]float64{"chunk-a": 0.9, "chunk-b": 0.05, "chunk-c": 0.2})
	if err != nil {
		t.Fatalf("NewEvaluation: %v", err)
	}
	if err := s.CreateEvaluation(ctx, ev); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}

	dup, _ := repository.NewEvaluation(q.ID, 2.0, nil)
	if err := s.CreateEvaluation(ctx, dup); !errors.Is(err, repository.ErrAlreadyEvaluated) {
		t.Errorf("expected ErrAlreadyEvaluated, got %v", err)
	}

	got, err := s.GetEvaluation(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if math.Abs(got.Amplitude-1.15) > 1e-9 {
		t.Errorf("amplitude %v, want 1.15", got.Amplitude)
	}
	if got.Distribution["chunk-a"] != 0.9 {
		t.Errorf("distribution did not round-trip: %+v", got.Distribution)
	}

	if err := s.DeleteEvaluation(ctx, q.ID); err != nil {
		t.Fatalf("DeleteEvaluation: %v", err)
	}
	if err := s.DeleteEvaluation(ctx, q.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	// The slot is free for re-scoring
	if err := s.CreateEvaluation(ctx, dup); err != nil {
		t.Errorf("expected re-creation after delete, got %v", err)
	}
}

func TestStore_PromoteSelectsHighestAmplitude(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	a := mustQuery(t, g.ID, "films set underwater", []float32{1})
	if err := s.CreateGroup(ctx, g, a); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	b := mustQuery(t, g.ID, "deep sea documentaries", []float32{2})
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	if err := s.AddVariation(ctx, b); err != nil {
		t.Fatalf("AddVariation: %v", err)
	}

	if _, err := s.Promote(ctx, g.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unevaluated group, got %v", err)
	}

	evA, _ := repository.NewEvaluation(a.ID, 2.0, nil)
	evB, _ := repository.NewEvaluation(b.ID, 7.4, nil)
	if err := s.CreateEvaluation(ctx, evA); err != nil {
		t.Fatalf("CreateEvaluation a: %v", err)
	}
	if err := s.CreateEvaluation(ctx, evB); err != nil {
		t.Fatalf("CreateEvaluation b: %v", err)
	}

	bestQ, bestEv, err := s.BestPerformer(ctx, g.ID)
	if err != nil {
		t.Fatalf("BestPerformer: %v", err)
	}
	if bestQ.ID != b.ID || bestEv.Amplitude != 7.4 {
		t.Errorf("best performer %v/%v, want %v/7.4", bestQ.ID, bestEv.Amplitude, b.ID)
	}

	promoted, err := s.Promote(ctx, g.ID)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.CanonicalIdentifier != b.Content {
		t.Errorf("canonical identifier %q, want %q", promoted.CanonicalIdentifier, b.Content)
	}
	if promoted.PromotedAt == nil {
		t.Error("expected PromotedAt to be set")
	}
}

func TestStore_TieBreaksToNewestAcrossSubsecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := mustGroup(t, "ocean movies")
	older := mustQuery(t, g.ID, "older phrasing", []float32{1})
	older.CreatedAt = time.Date(2026, 8, 25, 10, 0, 0, 200_000_000, time.UTC)
	if err := s.CreateGroup(ctx, g, older); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// 50ms later; the stored fractional seconds differ only in width, which
	// must not affect the ordering.
	newer := mustQuery(t, g.ID, "newer phrasing", []float32{2})
	newer.CreatedAt = older.CreatedAt.Add(50 * time.Millisecond)
	if err := s.AddVariation(ctx, newer); err != nil {
		t.Fatalf("AddVariation: %v", err)
	}

	evOlder, _ := repository.NewEvaluation(older.ID, 3.0, nil)
	evNewer, _ := repository.NewEvaluation(newer.ID, 3.0, nil)
	if err := s.CreateEvaluation(ctx, evOlder); err != nil {
		t.Fatalf("CreateEvaluation older: %v", err)
	}
	if err := s.CreateEvaluation(ctx, evNewer); err != nil {
		t.Fatalf("CreateEvaluation newer: %v", err)
	}

	bestQ, _, err := s.BestPerformer(ctx, g.ID)
	if err != nil {
		t.Fatalf("BestPerformer: %v", err)
	}
	if bestQ.ID != newer.ID {
		t.Errorf("tie must break to newest: got %q, want %q", bestQ.Content, newer.Content)
	}

	promoted, err := s.Promote(ctx, g.ID)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.CanonicalIdentifier != newer.Content {
		t.Errorf("Promote picked %q, want %q", promoted.CanonicalIdentifier, newer.Content)
	}
}

func TestStore_ListGroupsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, name := range []string{"first", "second", "third"} {
		g := mustGroup(t, name)
		g.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateGroup(ctx, g, mustQuery(t, g.ID, name+" phrasing", []float32{1})); err != nil {
			t.Fatalf("CreateGroup %s: %v", name, err)
		}
	}

	groups, total, err := s.ListGroups(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if total != 3 || len(groups) != 2 {
		t.Fatalf("got %d groups of %d total, want 2 of 3", len(groups), total)
	}
	if groups[0].CanonicalIdentifier != "third" {
		t.Errorf("expected newest first, got %q", groups[0].CanonicalIdentifier)
	}
}

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0, 1.5, -2.25, math.MaxFloat32}
	out := decodeVector(encodeVector(in))

	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("position %d: %v != %v", i, out[i], in[i])
		}
	}
}
