// Package sqlite implements the group repository on SQLite for single-node
// deployments. It enforces the same uniqueness invariants as the PostgreSQL
// backend through database constraints.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tkaneda/queryloop/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS query_groups (
	id                   TEXT PRIMARY KEY,
	canonical_identifier TEXT NOT NULL UNIQUE,
	promoted_at          TEXT,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queries (
	id             TEXT PRIMARY KEY,
	query_group_id TEXT NOT NULL REFERENCES query_groups(id) ON DELETE RESTRICT,
	content        TEXT NOT NULL,
	domain         TEXT NOT NULL,
	expectation    TEXT NOT NULL,
	embedding      BLOB NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (content, domain)
);

CREATE INDEX IF NOT EXISTS idx_queries_group ON queries(query_group_id);

CREATE TABLE IF NOT EXISTS query_evaluations (
	id           TEXT PRIMARY KEY,
	query_id     TEXT NOT NULL UNIQUE REFERENCES queries(id) ON DELETE CASCADE,
	amplitude    REAL NOT NULL CHECK (amplitude >= 0),
	distribution TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
`

// Store implements repository.GroupRepository on SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, applies pragmas, and creates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency; single writer suits SQLite best
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapUniqueViolation converts a SQLite unique-constraint failure into the
// matching repository duplicate error, or returns err unchanged.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "query_groups.canonical_identifier"):
		return repository.ErrDuplicateGroup
	case strings.Contains(msg, "queries.content"):
		return repository.ErrDuplicateVariation
	case strings.Contains(msg, "query_evaluations.query_id"):
		return repository.ErrAlreadyEvaluated
	default:
		return err
	}
}

// encodeVector packs a float32 slice as little-endian bytes for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
