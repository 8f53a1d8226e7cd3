// Package artifact persists the response text produced by each billable
// attempt, keyed by the request-context id stamped on the corresponding
// ledger transaction. The reconciliation worker treats a stored artifact as
// proof that the work was actually delivered.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no artifact exists for a request context.
var ErrNotFound = errors.New("artifact not found")

// Artifact is the persisted output of one model call, partial or complete.
type Artifact struct {
	RequestContext string    `json:"request_context"`
	AccountID      string    `json:"account_id"`
	ModelID        string    `json:"model_id"`
	Content        string    `json:"content"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store provides database operations for response artifacts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new artifact store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save persists an artifact. Saving twice for the same request context keeps
// the first write; a billable attempt produces at most one artifact.
func (s *Store) Save(ctx context.Context, a Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (request_context, account_id, model_id, content, input_tokens, output_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_context) DO NOTHING`,
		a.RequestContext, a.AccountID, a.ModelID, a.Content, a.InputTokens, a.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}
	return nil
}

// FindByRequestContext returns the artifact for the given correlation key, or
// ErrNotFound when the attempt never produced output.
func (s *Store) FindByRequestContext(ctx context.Context, requestContext string) (*Artifact, error) {
	a := &Artifact{}
	err := s.pool.QueryRow(ctx,
		`SELECT request_context, account_id, model_id, content, input_tokens, output_tokens, created_at
		 FROM artifacts WHERE request_context = $1`,
		requestContext,
	).Scan(&a.RequestContext, &a.AccountID, &a.ModelID, &a.Content, &a.InputTokens, &a.OutputTokens, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	return a, nil
}
