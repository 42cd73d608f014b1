package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
	"github.com/tkaneda/queryloop/internal/repository/memory"
)

func newQueriesHandler(repo repository.GroupRepository) http.Handler {
	h := &handlers{deps: Deps{Repo: repo}, logger: slog.Default()}
	mux := chi.NewRouter()
	mux.Get("/v1/groups/{groupID}/queries", h.listGroupQueries)
	return mux
}

func seedGroupWithQueries(t *testing.T, repo repository.GroupRepository) (*repository.QueryGroup, *repository.Query, *repository.Query) {
	t.Helper()
	ctx := context.Background()

	g, err := repository.NewQueryGroup("ocean movies")
	if err != nil {
		t.Fatalf("NewQueryGroup: %v", err)
	}
	first, err := repository.NewQuery(g.ID, "films set underwater", repository.DomainDescription, repository.ReplyResults, []float32{1})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if err := repo.CreateGroup(ctx, g, first); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	second, err := repository.NewQuery(g.ID, "deep sea documentaries", repository.DomainDescription, repository.ReplyResults, []float32{2})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	if err := repo.AddVariation(ctx, second); err != nil {
		t.Fatalf("AddVariation: %v", err)
	}
	return g, first, second
}

func TestListGroupQueries_UnevaluatedOmitsAmplitude(t *testing.T) {
	repo := memory.NewStore()
	g, first, _ := seedGroupWithQueries(t, repo)

	ev, err := repository.NewEvaluation(first.ID, 1.15, nil)
	if err != nil {
		t.Fatalf("NewEvaluation: %v", err)
	}
	if err := repo.CreateEvaluation(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/groups/"+g.ID.String()+"/queries", nil)
	newQueriesHandler(repo).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var body struct {
		Queries []queryResponse `json:"queries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(body.Queries))
	}
	if body.Queries[0].Amplitude == nil || *body.Queries[0].Amplitude != 1.15 {
		t.Errorf("evaluated query should carry amplitude 1.15, got %+v", body.Queries[0].Amplitude)
	}
	if body.Queries[1].Amplitude != nil {
		t.Errorf("unevaluated query should omit amplitude, got %v", *body.Queries[1].Amplitude)
	}
}

func TestListGroupQueries_EvaluationLoadFailure(t *testing.T) {
	repo := memory.NewStore()
	g, _, _ := seedGroupWithQueries(t, repo)

	failing := &failingEvalRepo{GroupRepository: repo}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/groups/"+g.ID.String()+"/queries", nil)
	newQueriesHandler(failing).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("repository failure must surface as 500, got %d", rec.Code)
	}
}

type failingEvalRepo struct {
	repository.GroupRepository
}

func (r *failingEvalRepo) GetEvaluation(context.Context, uuid.UUID) (*repository.Evaluation, error) {
	return nil, errors.New("connection reset")
}
