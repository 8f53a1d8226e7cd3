package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the credit ledger: account balances
// plus the append-only transaction log. All balance mutation goes through the
// atomic primitives here; no caller ever read-then-writes a balance.
type Store struct {
	pool          *pgxpool.Pool
	minBalance    float64
	maxAdjustment float64
}

// NewStore creates a Store backed by the given connection pool. minBalance is
// the small positive floor an account must hold to open new transactions;
// maxAdjustment bounds the magnitude of a single admin adjustment.
func NewStore(pool *pgxpool.Pool, minBalance, maxAdjustment float64) *Store {
	return &Store{pool: pool, minBalance: minBalance, maxAdjustment: maxAdjustment}
}

// MinBalance returns the configured minimum balance threshold.
func (s *Store) MinBalance() float64 {
	return s.minBalance
}

const txColumns = `id, account_id, type, status, estimated_cost, actual_tokens,
	actual_cost, model_id, request_context, reason, created_at, resolved_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	tx := &Transaction{}
	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Type, &tx.Status, &tx.EstimatedCost,
		&tx.ActualTokens, &tx.ActualCost, &tx.ModelID, &tx.RequestContext,
		&tx.Reason, &tx.CreatedAt, &tx.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CreateAccount inserts a new account with its starting balance. Accounts are
// created once at signup and never deleted.
func (s *Store) CreateAccount(ctx context.Context, in CreateAccountInput) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, name, balance, api_key_hash, api_key_prefix)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, balance, lifetime_tokens_used, lifetime_spent, api_key_prefix, created_at`,
		uuid.NewString(), in.Name, in.InitialGrant, in.APIKeyHash, in.APIKeyPrefix,
	).Scan(&a.ID, &a.Name, &a.Balance, &a.LifetimeTokensUsed, &a.LifetimeSpent, &a.APIKeyPrefix, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}

// GetAccount returns the account's balance and lifetime counters.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance, lifetime_tokens_used, lifetime_spent, api_key_prefix, created_at
		 FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Name, &a.Balance, &a.LifetimeTokensUsed, &a.LifetimeSpent, &a.APIKeyPrefix, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return a, nil
}

// GetByKeyHash looks up an account by the SHA-256 hash of its API key.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance, lifetime_tokens_used, lifetime_spent, api_key_prefix, created_at
		 FROM accounts WHERE api_key_hash = $1`,
		hash,
	).Scan(&a.ID, &a.Name, &a.Balance, &a.LifetimeTokensUsed, &a.LifetimeSpent, &a.APIKeyPrefix, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account by key hash: %w", err)
	}
	return a, nil
}

// OpenTransaction inserts a new pending usage transaction, gated on the
// account holding at least the minimum balance. The gate and the insert are a
// single conditional statement, so a concurrent balance change cannot slip a
// transaction past the threshold check. The balance itself is not touched.
func (s *Store) OpenTransaction(ctx context.Context, in OpenInput) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO transactions (id, account_id, type, status, estimated_cost, model_id, request_context)
		 SELECT $1, a.id, 'usage', 'pending', $3, $4, $5
		 FROM accounts a
		 WHERE a.id = $2 AND a.balance >= $6
		 RETURNING `+txColumns,
		uuid.NewString(), in.AccountID, in.EstimatedCost, in.ModelID, in.RequestContext, s.minBalance,
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing account from a balance rejection.
		if _, gerr := s.GetAccount(ctx, in.AccountID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("opening transaction: %w", err)
	}
	return tx, nil
}

// CompleteTransaction resolves a pending transaction to completed and deducts
// the actual cost from the account balance as a single all-or-nothing unit.
// If the transaction is no longer pending (already resolved by a concurrent
// caller) it reports resolved=false without error — idempotent by design.
func (s *Store) CompleteTransaction(ctx context.Context, txID string, actualTokens int64, actualCost float64) (resolved bool, err error) {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer dbtx.Rollback(ctx) // no-op once committed

	var accountID string
	err = dbtx.QueryRow(ctx,
		`UPDATE transactions
		 SET status = 'completed', actual_tokens = $2, actual_cost = $3, resolved_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING account_id`,
		txID, actualTokens, actualCost,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already resolved, or unknown id. Either way there is nothing to do.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("completing transaction: %w", err)
	}

	_, err = dbtx.Exec(ctx,
		`UPDATE accounts
		 SET balance = balance - $2,
		     lifetime_tokens_used = lifetime_tokens_used + $3,
		     lifetime_spent = lifetime_spent + $2
		 WHERE id = $1`,
		accountID, actualCost, actualTokens,
	)
	if err != nil {
		return false, fmt.Errorf("deducting balance: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing complete transaction: %w", err)
	}
	return true, nil
}

// FailTransaction resolves a pending transaction to failed with no balance
// change. Like CompleteTransaction it is a no-op if already resolved.
func (s *Store) FailTransaction(ctx context.Context, txID string) (resolved bool, err error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = 'failed', resolved_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		txID,
	)
	if err != nil {
		return false, fmt.Errorf("failing transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTransaction returns a single transaction by id.
func (s *Store) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return tx, nil
}

// Adjust records a manual admin credit or debit as a completed adjustment
// transaction and applies it to the balance in one database transaction. The
// signed amount is stored in actual_cost for the audit trail.
func (s *Store) Adjust(ctx context.Context, in AdjustInput) (*Transaction, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return nil, ErrReasonRequired
	}
	if math.Abs(in.Amount) > s.maxAdjustment {
		return nil, fmt.Errorf("%w: |%.2f| > %.2f", ErrAdjustmentTooLarge, in.Amount, s.maxAdjustment)
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning adjustment: %w", err)
	}
	defer dbtx.Rollback(ctx) // no-op once committed

	tag, err := dbtx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2 WHERE id = $1`,
		in.AccountID, in.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("applying adjustment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAccountNotFound
	}

	row := dbtx.QueryRow(ctx,
		`INSERT INTO transactions (id, account_id, type, status, estimated_cost, actual_cost, reason, resolved_at)
		 VALUES ($1, $2, 'adjustment', 'completed', 0, $3, $4, now())
		 RETURNING `+txColumns,
		uuid.NewString(), in.AccountID, in.Amount, in.Reason,
	)
	tx, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("recording adjustment: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing adjustment: %w", err)
	}
	return tx, nil
}

// StalePending returns pending usage transactions created before the given
// cutoff, oldest first. The reconciliation worker uses this scan to find
// attempts that crashed before finalizing.
func (s *Store) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+`
		 FROM transactions
		 WHERE status = 'pending' AND type = 'usage' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale pending transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale transaction row: %w", err)
		}
		txns = append(txns, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale transaction rows: %w", err)
	}
	return txns, nil
}

// ListTransactions returns a page of transactions matching the query filters,
// ordered by created_at DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) ListTransactions(ctx context.Context, q Query) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + txColumns + ` FROM transactions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transaction rows: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		txns = txns[:limit]
	}

	return txns, nextCursor, nil
}

// AcquireSweepLease takes a session-level Postgres advisory lock so that at
// most one reconciliation sweep runs at a time across replicas. It returns
// ok=false without error when another holder has the lease. The caller must
// invoke release when done.
func (s *Store) AcquireSweepLease(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for sweep lease: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquiring sweep lease: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Unlock on a background context so a cancelled sweep still releases.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.AccountID != "" {
		args = append(args, q.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
