package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/ledger"
)

// adminHandler groups admin-only HTTP handlers.
type adminHandler struct {
	store LedgerStore
}

func newAdminHandler(store LedgerStore) *adminHandler {
	return &adminHandler{store: store}
}

// createAccountRequest is the JSON body for creating an account.
type createAccountRequest struct {
	Name         string  `json:"name"`
	InitialGrant float64 `json:"initial_grant"`
}

// CreateAccount handles POST /api/v1/admin/accounts.
// Generates an API key and returns the plaintext key in the response (only
// time it is shown).
func (h *adminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if req.InitialGrant < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "initial_grant must not be negative")
		return
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	acct, err := h.store.CreateAccount(r.Context(), ledger.CreateAccountInput{
		Name:         req.Name,
		InitialGrant: req.InitialGrant,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	auditLog(r, "create", "account", acct.ID, "name", acct.Name, "initial_grant", req.InitialGrant)

	resp := map[string]interface{}{
		"id":             acct.ID,
		"name":           acct.Name,
		"balance":        acct.Balance,
		"api_key_prefix": acct.APIKeyPrefix,
		"api_key":        plaintext,
		"created_at":     acct.CreatedAt,
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetAccount handles GET /api/v1/admin/accounts/{id}.
func (h *adminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id is required")
		return
	}

	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// GetBalance handles GET /api/v1/admin/accounts/{id}/balance.
func (h *adminHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id is required")
		return
	}

	acct, err := h.store.GetAccount(r.Context(), id)
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

// adjustmentRequest is the JSON body for a manual balance adjustment.
type adjustmentRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// CreateAdjustment handles POST /api/v1/admin/accounts/{id}/adjustments.
// Positive amounts grant credits, negative amounts revoke them. Every
// adjustment is recorded as a completed ledger transaction.
func (h *adminHandler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id is required")
		return
	}

	var req adjustmentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	txn, err := h.store.Adjust(r.Context(), ledger.AdjustInput{
		AccountID: id,
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrReasonRequired):
			writeError(w, http.StatusBadRequest, "reason_required", "adjustment reason is required")
		case errors.Is(err, ledger.ErrAdjustmentTooLarge):
			writeError(w, http.StatusUnprocessableEntity, "adjustment_too_large", "adjustment exceeds the maximum magnitude")
		case errors.Is(err, ledger.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "not_found", "account not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to record adjustment")
		}
		return
	}

	auditLog(r, "adjust", "account", id, "amount", req.Amount, "reason", req.Reason)

	writeJSON(w, http.StatusCreated, txn)
}

// ListTransactions handles GET /api/v1/admin/transactions. Admin may query
// any account via the account_id param.
func (h *adminHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q, err := buildTransactionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	q.AccountID = r.URL.Query().Get("account_id")

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

// GetTransaction handles GET /api/v1/admin/transactions/{id}.
func (h *adminHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "transaction id is required")
		return
	}

	txn, err := h.store.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get transaction")
		return
	}

	writeJSON(w, http.StatusOK, txn)
}
