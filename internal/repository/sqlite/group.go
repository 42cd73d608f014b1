package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
)

// Timestamps are stored as fixed-width text so lexicographic ORDER BY agrees
// with time order. RFC3339Nano trims trailing fractional zeros, which makes
// "...00.2Z" sort after "...00.25Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// FindGroup retrieves a group by exact canonical identifier match.
func (s *Store) FindGroup(ctx context.Context, identifier string) (*repository.QueryGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_identifier, promoted_at, created_at, updated_at
		FROM query_groups WHERE canonical_identifier = ?
	`, identifier)
	return scanGroup(row)
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(ctx context.Context, id uuid.UUID) (*repository.QueryGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_identifier, promoted_at, created_at, updated_at
		FROM query_groups WHERE id = ?
	`, id.String())
	return scanGroup(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*repository.QueryGroup, error) {
	var (
		id, identifier, createdAt, updatedAt string
		promotedAt                           sql.NullString
	)
	if err := row.Scan(&id, &identifier, &promotedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query group: %w", err)
	}

	group := repository.QueryGroup{CanonicalIdentifier: identifier}
	var err error
	if group.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse group id: %w", err)
	}
	if group.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if group.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if promotedAt.Valid {
		t, err := parseTime(promotedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse promoted_at: %w", err)
		}
		group.PromotedAt = &t
	}
	return &group, nil
}

// ListGroups retrieves groups with pagination, newest first.
func (s *Store) ListGroups(ctx context.Context, limit, offset int) ([]*repository.QueryGroup, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_groups`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count query groups: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_identifier, promoted_at, created_at, updated_at
		FROM query_groups ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list query groups: %w", err)
	}
	defer rows.Close()

	var groups []*repository.QueryGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, 0, err
		}
		groups = append(groups, group)
	}
	return groups, total, rows.Err()
}

// CreateGroup atomically inserts a group and its first query.
func (s *Store) CreateGroup(ctx context.Context, group *repository.QueryGroup, first *repository.Query) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var promotedAt any
	if group.PromotedAt != nil {
		promotedAt = formatTime(*group.PromotedAt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_groups (id, canonical_identifier, promoted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, group.ID.String(), group.CanonicalIdentifier, promotedAt,
		formatTime(group.CreatedAt), formatTime(group.UpdatedAt))
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create query group: %w", err)
	}

	if err := insertQuery(ctx, tx, first); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group creation: %w", err)
	}
	return nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertQuery(ctx context.Context, db execContexter, q *repository.Query) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO queries (id, query_group_id, content, domain, expectation, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.ID.String(), q.GroupID.String(), q.Content, string(q.Domain), string(q.Expectation),
		encodeVector(q.Embedding), formatTime(q.CreatedAt))
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create query: %w", err)
	}
	return nil
}

// AddVariation inserts a new query under an existing group.
func (s *Store) AddVariation(ctx context.Context, q *repository.Query) error {
	return insertQuery(ctx, s.db, q)
}

func scanQuery(row rowScanner) (*repository.Query, error) {
	var (
		id, groupID, content, domain, expectation, createdAt string
		embedding                                            []byte
	)
	if err := row.Scan(&id, &groupID, &content, &domain, &expectation, &embedding, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query: %w", err)
	}

	q := repository.Query{
		Content:     content,
		Domain:      repository.Domain(domain),
		Expectation: repository.ReplyType(expectation),
		Embedding:   decodeVector(embedding),
	}
	var err error
	if q.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse query id: %w", err)
	}
	if q.GroupID, err = uuid.Parse(groupID); err != nil {
		return nil, fmt.Errorf("failed to parse group id: %w", err)
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &q, nil
}

// FindVariation retrieves a query by its unique (content, domain) pair.
func (s *Store) FindVariation(ctx context.Context, content string, domain repository.Domain) (*repository.Query, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query_group_id, content, domain, expectation, embedding, created_at
		FROM queries WHERE content = ? AND domain = ?
	`, content, string(domain))
	return scanQuery(row)
}

// GetQuery retrieves a query by ID.
func (s *Store) GetQuery(ctx context.Context, id uuid.UUID) (*repository.Query, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query_group_id, content, domain, expectation, embedding, created_at
		FROM queries WHERE id = ?
	`, id.String())
	return scanQuery(row)
}

// ListQueries retrieves all queries under a group, oldest first.
func (s *Store) ListQueries(ctx context.Context, groupID uuid.UUID) ([]*repository.Query, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query_group_id, content, domain, expectation, embedding, created_at
		FROM queries WHERE query_group_id = ? ORDER BY created_at ASC
	`, groupID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var queries []*repository.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// CreateEvaluation persists an evaluation.
func (s *Store) CreateEvaluation(ctx context.Context, ev *repository.Evaluation) error {
	distJSON, err := json.Marshal(ev.Distribution)
	if err != nil {
		return fmt.Errorf("failed to marshal distribution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_evaluations (id, query_id, amplitude, distribution, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID.String(), ev.QueryID.String(), ev.Amplitude, string(distJSON), formatTime(ev.CreatedAt))
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to create evaluation: %w", err)
	}
	return nil
}

func scanEvaluation(row rowScanner) (*repository.Evaluation, error) {
	var (
		id, queryID, distJSON, createdAt string
		amplitude                        float64
	)
	if err := row.Scan(&id, &queryID, &amplitude, &distJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}

	ev := repository.Evaluation{Amplitude: amplitude, Distribution: make(map[string]float64)}
	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation id: %w", err)
	}
	if ev.QueryID, err = uuid.Parse(queryID); err != nil {
		return nil, fmt.Errorf("failed to parse query id: %w", err)
	}
	if err := json.Unmarshal([]byte(distJSON), &ev.Distribution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distribution: %w", err)
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &ev, nil
}

// GetEvaluation retrieves the evaluation for a query.
func (s *Store) GetEvaluation(ctx context.Context, queryID uuid.UUID) (*repository.Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query_id, amplitude, distribution, created_at
		FROM query_evaluations WHERE query_id = ?
	`, queryID.String())
	return scanEvaluation(row)
}

// DeleteEvaluation removes a query's evaluation.
func (s *Store) DeleteEvaluation(ctx context.Context, queryID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM query_evaluations WHERE query_id = ?`, queryID.String())
	if err != nil {
		return fmt.Errorf("failed to delete evaluation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete evaluation: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// BestPerformer returns the evaluated query with the highest amplitude under
// the group, ties broken by most recent creation.
func (s *Store) BestPerformer(ctx context.Context, groupID uuid.UUID) (*repository.Query, *repository.Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT q.id, q.query_group_id, q.content, q.domain, q.expectation, q.embedding, q.created_at
		FROM queries q
		JOIN query_evaluations e ON e.query_id = q.id
		WHERE q.query_group_id = ?
		ORDER BY e.amplitude DESC, q.created_at DESC
		LIMIT 1
	`, groupID.String())

	q, err := scanQuery(row)
	if err != nil {
		return nil, nil, err
	}

	ev, err := s.GetEvaluation(ctx, q.ID)
	if err != nil {
		return nil, nil, err
	}
	return q, ev, nil
}

// Promote sets the group's canonical identifier to its best performer's
// content.
func (s *Store) Promote(ctx context.Context, groupID uuid.UUID) (*repository.QueryGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var content string
	err = tx.QueryRowContext(ctx, `
		SELECT q.content
		FROM queries q
		JOIN query_evaluations e ON e.query_id = q.id
		WHERE q.query_group_id = ?
		ORDER BY e.amplitude DESC, q.created_at DESC
		LIMIT 1
	`, groupID.String()).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find best performer: %w", err)
	}

	now := formatTime(time.Now())
	result, err := tx.ExecContext(ctx, `
		UPDATE query_groups
		SET canonical_identifier = ?, promoted_at = ?, updated_at = ?
		WHERE id = ?
	`, content, now, now, groupID.String())
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to promote group: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to promote group: %w", err)
	}
	if n == 0 {
		return nil, repository.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}

	return s.GetGroup(ctx, groupID)
}

// Ensure Store implements the interface.
var _ repository.GroupRepository = (*Store)(nil)
