// Package memory provides an in-memory group repository for tests and
// development mode. It enforces the same uniqueness invariants as the
// database-backed implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
)

// Store implements repository.GroupRepository in memory.
type Store struct {
	mu          sync.RWMutex
	groups      map[uuid.UUID]*repository.QueryGroup
	queries     map[uuid.UUID]*repository.Query
	evaluations map[uuid.UUID]*repository.Evaluation // keyed by query ID
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		groups:      make(map[uuid.UUID]*repository.QueryGroup),
		queries:     make(map[uuid.UUID]*repository.Query),
		evaluations: make(map[uuid.UUID]*repository.Evaluation),
	}
}

func copyGroup(g *repository.QueryGroup) *repository.QueryGroup {
	cp := *g
	if g.PromotedAt != nil {
		t := *g.PromotedAt
		cp.PromotedAt = &t
	}
	return &cp
}

func copyQuery(q *repository.Query) *repository.Query {
	cp := *q
	cp.Embedding = append([]float32(nil), q.Embedding...)
	return &cp
}

func copyEvaluation(ev *repository.Evaluation) *repository.Evaluation {
	cp := *ev
	cp.Distribution = make(map[string]float64, len(ev.Distribution))
	for k, v := range ev.Distribution {
		cp.Distribution[k] = v
	}
	return &cp
}

// FindGroup retrieves a group by exact canonical identifier match.
func (s *Store) FindGroup(_ context.Context, identifier string) (*repository.QueryGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.groups {
		if g.CanonicalIdentifier == identifier {
			return copyGroup(g), nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(_ context.Context, id uuid.UUID) (*repository.QueryGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyGroup(g), nil
}

// ListGroups retrieves groups with pagination, newest first.
func (s *Store) ListGroups(_ context.Context, limit, offset int) ([]*repository.QueryGroup, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*repository.QueryGroup, 0, len(s.groups))
	for _, g := range s.groups {
		all = append(all, copyGroup(g))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// CreateGroup atomically inserts a group and its first query.
func (s *Store) CreateGroup(_ context.Context, group *repository.QueryGroup, first *repository.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.CanonicalIdentifier == group.CanonicalIdentifier {
			return repository.ErrDuplicateGroup
		}
	}
	for _, q := range s.queries {
		if q.Content == first.Content && q.Domain == first.Domain {
			return repository.ErrDuplicateVariation
		}
	}

	s.groups[group.ID] = copyGroup(group)
	s.queries[first.ID] = copyQuery(first)
	return nil
}

// AddVariation inserts a new query under an existing group.
func (s *Store) AddVariation(_ context.Context, q *repository.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[q.GroupID]; !ok {
		return repository.ErrNotFound
	}
	for _, existing := range s.queries {
		if existing.Content == q.Content && existing.Domain == q.Domain {
			return repository.ErrDuplicateVariation
		}
	}

	s.queries[q.ID] = copyQuery(q)
	return nil
}

// FindVariation retrieves a query by its unique (content, domain) pair.
func (s *Store) FindVariation(_ context.Context, content string, domain repository.Domain) (*repository.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, q := range s.queries {
		if q.Content == content && q.Domain == domain {
			return copyQuery(q), nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetQuery retrieves a query by ID.
func (s *Store) GetQuery(_ context.Context, id uuid.UUID) (*repository.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyQuery(q), nil
}

// ListQueries retrieves all queries under a group, oldest first.
func (s *Store) ListQueries(_ context.Context, groupID uuid.UUID) ([]*repository.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var queries []*repository.Query
	for _, q := range s.queries {
		if q.GroupID == groupID {
			queries = append(queries, copyQuery(q))
		}
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].CreatedAt.Before(queries[j].CreatedAt) })
	return queries, nil
}

// CreateEvaluation persists an evaluation, at most one per query.
func (s *Store) CreateEvaluation(_ context.Context, ev *repository.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queries[ev.QueryID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.evaluations[ev.QueryID]; ok {
		return repository.ErrAlreadyEvaluated
	}

	s.evaluations[ev.QueryID] = copyEvaluation(ev)
	return nil
}

// GetEvaluation retrieves the evaluation for a query.
func (s *Store) GetEvaluation(_ context.Context, queryID uuid.UUID) (*repository.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.evaluations[queryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyEvaluation(ev), nil
}

// DeleteEvaluation removes a query's evaluation.
func (s *Store) DeleteEvaluation(_ context.Context, queryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.evaluations[queryID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.evaluations, queryID)
	return nil
}

// bestPerformerLocked returns the evaluated query with the highest
// amplitude, ties broken by most recent creation. Caller holds the lock.
func (s *Store) bestPerformerLocked(groupID uuid.UUID) (*repository.Query, *repository.Evaluation) {
	var bestQ *repository.Query
	var bestEv *repository.Evaluation

	for _, q := range s.queries {
		if q.GroupID != groupID {
			continue
		}
		ev, ok := s.evaluations[q.ID]
		if !ok {
			continue
		}
		if bestQ == nil ||
			ev.Amplitude > bestEv.Amplitude ||
			(ev.Amplitude == bestEv.Amplitude && q.CreatedAt.After(bestQ.CreatedAt)) {
			bestQ, bestEv = q, ev
		}
	}
	return bestQ, bestEv
}

// BestPerformer returns the group's top-scoring evaluated query.
func (s *Store) BestPerformer(_ context.Context, groupID uuid.UUID) (*repository.Query, *repository.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ev := s.bestPerformerLocked(groupID)
	if q == nil {
		return nil, nil, repository.ErrNotFound
	}
	return copyQuery(q), copyEvaluation(ev), nil
}

// Promote sets the group's canonical identifier to its best performer's
// content.
func (s *Store) Promote(_ context.Context, groupID uuid.UUID) (*repository.QueryGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	q, _ := s.bestPerformerLocked(groupID)
	if q == nil {
		return nil, repository.ErrNotFound
	}

	for _, other := range s.groups {
		if other.ID != groupID && other.CanonicalIdentifier == q.Content {
			return nil, repository.ErrDuplicateGroup
		}
	}

	now := time.Now().UTC()
	g.CanonicalIdentifier = q.Content
	g.PromotedAt = &now
	g.UpdatedAt = now
	return copyGroup(g), nil
}

// Ensure Store implements the interface.
var _ repository.GroupRepository = (*Store)(nil)
