package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/ledger"
)

// accountsHandler groups account-scoped HTTP handlers.
type accountsHandler struct {
	store LedgerStore
}

func newAccountsHandler(store LedgerStore) *accountsHandler {
	return &accountsHandler{store: store}
}

// balanceResponse is the JSON shape for balance queries.
type balanceResponse struct {
	AccountID          string  `json:"account_id"`
	Balance            float64 `json:"balance"`
	LifetimeTokensUsed int64   `json:"lifetime_tokens_used"`
	LifetimeSpent      float64 `json:"lifetime_spent"`
}

// GetBalance handles GET /api/v1/accounts/me/balance (account-authed).
func (h *accountsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	acct, err := h.store.GetAccount(r.Context(), identity.AccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:          acct.ID,
		Balance:            acct.Balance,
		LifetimeTokensUsed: acct.LifetimeTokensUsed,
		LifetimeSpent:      acct.LifetimeSpent,
	})
}

// ListTransactions handles GET /api/v1/accounts/me/transactions (account-authed).
// The account id from the auth context scopes the query; filters and cursor
// come from query params.
func (h *accountsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	q, err := buildTransactionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	q.AccountID = identity.AccountID

	txns, nextCursor, err := h.store.ListTransactions(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}

	if txns == nil {
		txns = []*ledger.Transaction{}
	}
	resp := map[string]interface{}{
		"transactions": txns,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildTransactionQuery constructs a ledger.Query from query params. The
// caller decides how to scope it by account.
func buildTransactionQuery(r *http.Request) (ledger.Query, error) {
	q := ledger.Query{
		Status: ledger.Status(r.URL.Query().Get("status")),
		Type:   ledger.Type(r.URL.Query().Get("type")),
		Cursor: r.URL.Query().Get("cursor"),
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return q, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return q, err
	}
	q.To = to

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = l
	}

	return q, nil
}
