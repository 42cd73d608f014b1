// Package postgres implements the group repository on PostgreSQL via pgx.
// Uniqueness invariants (canonical identifier, (content, domain), one
// evaluation per query) are enforced by database constraints and mapped to
// the repository's duplicate errors.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tkaneda/queryloop/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// EnsureSchema creates the tables and constraints if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Constraint names referenced by the unique-violation mapping below. They
// must match schema.sql.
const (
	constraintGroupIdentifier = "query_groups_canonical_identifier_key"
	constraintQueryContent    = "queries_content_domain_key"
	constraintEvaluationQuery = "query_evaluations_query_id_key"
)

// mapUniqueViolation converts a 23505 unique violation into the matching
// repository duplicate error, or returns err unchanged.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}

	switch pgErr.ConstraintName {
	case constraintGroupIdentifier:
		return repository.ErrDuplicateGroup
	case constraintQueryContent:
		return repository.ErrDuplicateVariation
	case constraintEvaluationQuery:
		return repository.ErrAlreadyEvaluated
	default:
		return err
	}
}
