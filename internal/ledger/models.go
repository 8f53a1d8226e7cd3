package ledger

import "time"

// Status is the lifecycle state of a transaction. A transaction is immutable
// once it reaches a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Type distinguishes ordinary usage billing from manual admin adjustments.
type Type string

const (
	TypeUsage      Type = "usage"
	TypeAdjustment Type = "adjustment"
)

// Account holds a user's credit balance and lifetime usage counters. Balance
// is mutated only through the store's atomic primitives and may dip slightly
// negative when an in-flight request's actual cost exceeds its estimate.
type Account struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Balance            float64   `json:"balance"`
	LifetimeTokensUsed int64     `json:"lifetime_tokens_used"`
	LifetimeSpent      float64   `json:"lifetime_spent"`
	APIKeyPrefix       string    `json:"api_key_prefix,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Transaction is one billable attempt (or one admin adjustment). ActualTokens
// and ActualCost stay nil until the transaction is resolved; for adjustments
// ActualCost carries the signed adjustment amount.
type Transaction struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	EstimatedCost  float64    `json:"estimated_cost"`
	ActualTokens   *int64     `json:"actual_tokens,omitempty"`
	ActualCost     *float64   `json:"actual_cost,omitempty"`
	ModelID        string     `json:"model_id,omitempty"`
	RequestContext string     `json:"request_context,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// OpenInput is the input for opening a pending usage transaction.
type OpenInput struct {
	AccountID      string
	EstimatedCost  float64
	ModelID        string
	RequestContext string
}

// AdjustInput is the input for a manual admin credit (positive amount) or
// debit (negative amount). Reason is required for auditability.
type AdjustInput struct {
	AccountID string
	Amount    float64
	Reason    string
}

// CreateAccountInput is the input for creating an account at signup.
type CreateAccountInput struct {
	Name         string
	InitialGrant float64
	APIKeyHash   string
	APIKeyPrefix string
}

// Query defines filters and pagination for listing transactions.
type Query struct {
	AccountID string    `json:"account_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Type      Type      `json:"type,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
