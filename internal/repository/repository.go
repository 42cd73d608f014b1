// Package repository defines domain models and data access interfaces for
// query groups, query variations, and their evaluations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateGroup is returned when a query group with the same
	// canonical identifier already exists.
	ErrDuplicateGroup = errors.New("query group already exists")

	// ErrDuplicateVariation is returned when a query with the same
	// (content, domain) pair already exists.
	ErrDuplicateVariation = errors.New("query variation already exists")

	// ErrAlreadyEvaluated is returned when a query already has an evaluation.
	ErrAlreadyEvaluated = errors.New("query already evaluated")
)

// Domain identifies the partition of the content index a query targets.
type Domain string

const (
	// DomainDescription targets general content descriptions.
	DomainDescription Domain = "description"

	// DomainSetting targets setting and location content.
	DomainSetting Domain = "setting"
)

// ParseDomain validates and converts a string into a Domain.
func ParseDomain(s string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(s))) {
	case DomainDescription:
		return DomainDescription, nil
	case DomainSetting:
		return DomainSetting, nil
	default:
		return "", fmt.Errorf("unknown domain %q", s)
	}
}

// ReplyType describes whether the user wants an enumerated result set or a
// single recommendation.
type ReplyType string

const (
	// ReplyResults requests an enumerated result set.
	ReplyResults ReplyType = "results"

	// ReplyRecommendation requests a single best recommendation.
	ReplyRecommendation ReplyType = "recommendation"
)

// ParseReplyType validates and converts a string into a ReplyType.
func ParseReplyType(s string) (ReplyType, error) {
	switch ReplyType(strings.ToLower(strings.TrimSpace(s))) {
	case ReplyResults:
		return ReplyResults, nil
	case ReplyRecommendation:
		return ReplyRecommendation, nil
	default:
		return "", fmt.Errorf("unknown reply type %q", s)
	}
}

// QueryGroup represents one canonical user intent. CanonicalIdentifier is the
// current best-known phrasing of the intent; it is the only mutable field and
// is updated exclusively by Promote.
type QueryGroup struct {
	ID                  uuid.UUID
	CanonicalIdentifier string
	PromotedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewQueryGroup creates a validated query group for the given identifier.
func NewQueryGroup(identifier string) (*QueryGroup, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("canonical identifier must not be empty")
	}
	now := time.Now().UTC()
	return &QueryGroup{
		ID:                  uuid.New(),
		CanonicalIdentifier: identifier,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Query is one concrete phrasing belonging to a group. Queries are immutable
// once created; content and embedding are never updated after insert.
type Query struct {
	ID          uuid.UUID
	GroupID     uuid.UUID
	Content     string
	Domain      Domain
	Expectation ReplyType
	Embedding   []float32
	CreatedAt   time.Time
}

// NewQuery creates a validated query variation.
func NewQuery(groupID uuid.UUID, content string, domain Domain, expectation ReplyType, embedding []float32) (*Query, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("query content must not be empty")
	}
	if groupID == uuid.Nil {
		return nil, errors.New("query group id must not be nil")
	}
	if _, err := ParseDomain(string(domain)); err != nil {
		return nil, err
	}
	if _, err := ParseReplyType(string(expectation)); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errors.New("query embedding must not be empty")
	}
	return &Query{
		ID:          uuid.New(),
		GroupID:     groupID,
		Content:     content,
		Domain:      domain,
		Expectation: expectation,
		Embedding:   embedding,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Evaluation is the scored outcome of running one query against the content
// index. At most one evaluation exists per query; re-scoring requires delete
// and recreate, never in-place mutation.
type Evaluation struct {
	ID           uuid.UUID
	QueryID      uuid.UUID
	Amplitude    float64
	Distribution map[string]float64
	CreatedAt    time.Time
}

// NewEvaluation creates a validated evaluation record. Amplitude is the sum
// of the per-chunk relevance scores in Distribution.
func NewEvaluation(queryID uuid.UUID, amplitude float64, distribution map[string]float64) (*Evaluation, error) {
	if queryID == uuid.Nil {
		return nil, errors.New("evaluation query id must not be nil")
	}
	if amplitude < 0 {
		return nil, fmt.Errorf("amplitude must be non-negative, got %v", amplitude)
	}
	if distribution == nil {
		distribution = map[string]float64{}
	}
	return &Evaluation{
		ID:           uuid.New(),
		QueryID:      queryID,
		Amplitude:    amplitude,
		Distribution: distribution,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// GroupRepository defines persistence operations for query groups and their
// variations and evaluations.
type GroupRepository interface {
	// FindGroup performs an exact string match against the canonical
	// identifier. Returns ErrNotFound when no group matches.
	FindGroup(ctx context.Context, identifier string) (*QueryGroup, error)

	// GetGroup retrieves a group by ID.
	GetGroup(ctx context.Context, id uuid.UUID) (*QueryGroup, error)

	// ListGroups retrieves groups with pagination, newest first. The second
	// return value is the total group count.
	ListGroups(ctx context.Context, limit, offset int) ([]*QueryGroup, int, error)

	// CreateGroup atomically inserts a group and its first query. Either both
	// rows exist afterwards or neither does. Returns ErrDuplicateGroup when
	// the canonical identifier is already taken.
	CreateGroup(ctx context.Context, group *QueryGroup, first *Query) error

	// AddVariation inserts a new query under an existing group. Returns
	// ErrDuplicateVariation when (content, domain) already exists.
	AddVariation(ctx context.Context, q *Query) error

	// FindVariation retrieves a query by its unique (content, domain) pair.
	FindVariation(ctx context.Context, content string, domain Domain) (*Query, error)

	// GetQuery retrieves a query by ID.
	GetQuery(ctx context.Context, id uuid.UUID) (*Query, error)

	// ListQueries retrieves all queries under a group, oldest first.
	ListQueries(ctx context.Context, groupID uuid.UUID) ([]*Query, error)

	// CreateEvaluation persists an evaluation. Returns ErrAlreadyEvaluated
	// when the query already has one.
	CreateEvaluation(ctx context.Context, ev *Evaluation) error

	// GetEvaluation retrieves the evaluation for a query, if any.
	GetEvaluation(ctx context.Context, queryID uuid.UUID) (*Evaluation, error)

	// DeleteEvaluation removes a query's evaluation so it can be re-scored.
	DeleteEvaluation(ctx context.Context, queryID uuid.UUID) error

	// BestPerformer returns the evaluated query under the group with the
	// highest amplitude, ties broken by most recent creation. Returns
	// ErrNotFound when no query under the group has been evaluated.
	BestPerformer(ctx context.Context, groupID uuid.UUID) (*Query, *Evaluation, error)

	// Promote sets the group's canonical identifier to the content of its
	// best performer and returns the updated group. Returns ErrNotFound when
	// the group does not exist or has no evaluated queries.
	Promote(ctx context.Context, groupID uuid.UUID) (*QueryGroup, error)
}
