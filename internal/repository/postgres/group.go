package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tkaneda/queryloop/internal/repository"
)

// GroupRepo implements repository.GroupRepository.
type GroupRepo struct {
	db *DB
}

// NewGroupRepo creates a new group repository.
func NewGroupRepo(db *DB) *GroupRepo {
	return &GroupRepo{db: db}
}

const groupColumns = `id, canonical_identifier, promoted_at, created_at, updated_at`

// FindGroup retrieves a group by exact canonical identifier match.
func (r *GroupRepo) FindGroup(ctx context.Context, identifier string) (*repository.QueryGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM query_groups WHERE canonical_identifier = $1`
	return r.scanGroup(ctx, query, identifier)
}

// GetGroup retrieves a group by ID.
func (r *GroupRepo) GetGroup(ctx context.Context, id uuid.UUID) (*repository.QueryGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM query_groups WHERE id = $1`
	return r.scanGroup(ctx, query, id)
}

func (r *GroupRepo) scanGroup(ctx context.Context, query string, args ...any) (*repository.QueryGroup, error) {
	var group repository.QueryGroup
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&group.ID, &group.CanonicalIdentifier, &group.PromotedAt,
		&group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query group: %w", err)
	}
	return &group, nil
}

// ListGroups retrieves groups with pagination, newest first.
func (r *GroupRepo) ListGroups(ctx context.Context, limit, offset int) ([]*repository.QueryGroup, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM query_groups`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count query groups: %w", err)
	}

	query := `SELECT ` + groupColumns + ` FROM query_groups ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list query groups: %w", err)
	}
	defer rows.Close()

	var groups []*repository.QueryGroup
	for rows.Next() {
		var group repository.QueryGroup
		if err := rows.Scan(&group.ID, &group.CanonicalIdentifier, &group.PromotedAt,
			&group.CreatedAt, &group.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan query group: %w", err)
		}
		groups = append(groups, &group)
	}

	return groups, total, nil
}

// CreateGroup atomically inserts a group and its first query in a single
// transaction; both rows exist afterwards or neither does.
func (r *GroupRepo) CreateGroup(ctx context.Context, group *repository.QueryGroup, first *repository.Query) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO query_groups (id, canonical_identifier, promoted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, group.ID, group.CanonicalIdentifier, group.PromotedAt, group.CreatedAt, group.UpdatedAt)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create query group: %w", err)
	}

	if err := insertQuery(ctx, tx, first); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit group creation: %w", err)
	}
	return nil
}

// AddVariation inserts a new query under an existing group.
func (r *GroupRepo) AddVariation(ctx context.Context, q *repository.Query) error {
	return insertQuery(ctx, r.db.Pool, q)
}

// execer covers both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertQuery(ctx context.Context, db execer, q *repository.Query) error {
	_, err := db.Exec(ctx, `
		INSERT INTO queries (id, query_group_id, content, domain, expectation, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.ID, q.GroupID, q.Content, string(q.Domain), string(q.Expectation), q.Embedding, q.CreatedAt)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create query: %w", err)
	}
	return nil
}

const queryColumns = `id, query_group_id, content, domain, expectation, embedding, created_at`

// FindVariation retrieves a query by its unique (content, domain) pair.
func (r *GroupRepo) FindVariation(ctx context.Context, content string, domain repository.Domain) (*repository.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE content = $1 AND domain = $2`
	return r.scanQuery(ctx, query, content, string(domain))
}

// GetQuery retrieves a query by ID.
func (r *GroupRepo) GetQuery(ctx context.Context, id uuid.UUID) (*repository.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE id = $1`
	return r.scanQuery(ctx, query, id)
}

func (r *GroupRepo) scanQuery(ctx context.Context, query string, args ...any) (*repository.Query, error) {
	var q repository.Query
	var domain, expectation string
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&q.ID, &q.GroupID, &q.Content, &domain, &expectation, &q.Embedding, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	q.Domain = repository.Domain(domain)
	q.Expectation = repository.ReplyType(expectation)
	return &q, nil
}

// ListQueries retrieves all queries under a group, oldest first.
func (r *GroupRepo) ListQueries(ctx context.Context, groupID uuid.UUID) ([]*repository.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE query_group_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var queries []*repository.Query
	for rows.Next() {
		var q repository.Query
		var domain, expectation string
		if err := rows.Scan(&q.ID, &q.GroupID, &q.Content, &domain, &expectation,
			&q.Embedding, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		q.Domain = repository.Domain(domain)
		q.Expectation = repository.ReplyType(expectation)
		queries = append(queries, &q)
	}

	return queries, nil
}

// CreateEvaluation persists an evaluation; the unique constraint on query_id
// rejects a second evaluation for the same query.
func (r *GroupRepo) CreateEvaluation(ctx context.Context, ev *repository.Evaluation) error {
	distJSON, err := json.Marshal(ev.Distribution)
	if err != nil {
		return fmt.Errorf("failed to marshal distribution: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO query_evaluations (id, query_id, amplitude, distribution, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.QueryID, ev.Amplitude, distJSON, ev.CreatedAt)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create evaluation: %w", err)
	}
	return nil
}

// GetEvaluation retrieves the evaluation for a query.
func (r *GroupRepo) GetEvaluation(ctx context.Context, queryID uuid.UUID) (*repository.Evaluation, error) {
	var ev repository.Evaluation
	var distJSON []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, query_id, amplitude, distribution, created_at
		FROM query_evaluations
		WHERE query_id = $1
	`, queryID).Scan(&ev.ID, &ev.QueryID, &ev.Amplitude, &distJSON, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}

	ev.Distribution = make(map[string]float64)
	if err := json.Unmarshal(distJSON, &ev.Distribution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distribution: %w", err)
	}

	return &ev, nil
}

// DeleteEvaluation removes a query's evaluation.
func (r *GroupRepo) DeleteEvaluation(ctx context.Context, queryID uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM query_evaluations WHERE query_id = $1`, queryID)
	if err != nil {
		return fmt.Errorf("failed to delete evaluation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// BestPerformer returns the evaluated query with the highest amplitude under
// the group, ties broken by most recent creation.
func (r *GroupRepo) BestPerformer(ctx context.Context, groupID uuid.UUID) (*repository.Query, *repository.Evaluation, error) {
	var q repository.Query
	var domain, expectation string
	var ev repository.Evaluation
	var distJSON []byte

	err := r.db.Pool.QueryRow(ctx, `
		SELECT q.id, q.query_group_id, q.content, q.domain, q.expectation, q.embedding, q.created_at,
		       e.id, e.query_id, e.amplitude, e.distribution, e.created_at
		FROM queries q
		JOIN query_evaluations e ON e.query_id = q.id
		WHERE q.query_group_id = $1
		ORDER BY e.amplitude DESC, q.created_at DESC
		LIMIT 1
	`, groupID).Scan(
		&q.ID, &q.GroupID, &q.Content, &domain, &expectation, &q.Embedding, &q.CreatedAt,
		&ev.ID, &ev.QueryID, &ev.Amplitude, &distJSON, &ev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get best performer: %w", err)
	}

	q.Domain = repository.Domain(domain)
	q.Expectation = repository.ReplyType(expectation)

	ev.Distribution = make(map[string]float64)
	if err := json.Unmarshal(distJSON, &ev.Distribution); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal distribution: %w", err)
	}

	return &q, &ev, nil
}

// Promote sets the group's canonical identifier to its best performer's
// content in a single statement.
func (r *GroupRepo) Promote(ctx context.Context, groupID uuid.UUID) (*repository.QueryGroup, error) {
	var group repository.QueryGroup
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE query_groups g
		SET canonical_identifier = best.content,
		    promoted_at = now(),
		    updated_at = now()
		FROM (
			SELECT q.content
			FROM queries q
			JOIN query_evaluations e ON e.query_id = q.id
			WHERE q.query_group_id = $1
			ORDER BY e.amplitude DESC, q.created_at DESC
			LIMIT 1
		) best
		WHERE g.id = $1
		RETURNING g.id, g.canonical_identifier, g.promoted_at, g.created_at, g.updated_at
	`, groupID).Scan(&group.ID, &group.CanonicalIdentifier, &group.PromotedAt,
		&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		if mapped := mapUniqueViolation(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to promote group: %w", err)
	}

	return &group, nil
}

// Ensure GroupRepo implements the interface.
var _ repository.GroupRepository = (*GroupRepo)(nil)
