package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/billing"
	"github.com/alecgard/obol/internal/ledger"
	"github.com/alecgard/obol/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	accounts map[string]*ledger.Account
	txns     []*ledger.Transaction

	createErr error
	listErr   error

	adjusted []ledger.AdjustInput
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*ledger.Account)}
}

func (f *fakeLedger) CreateAccount(_ context.Context, in ledger.CreateAccountInput) (*ledger.Account, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	acct := &ledger.Account{
		ID:           fmt.Sprintf("acct-%d", len(f.accounts)+1),
		Name:         in.Name,
		Balance:      in.InitialGrant,
		APIKeyPrefix: in.APIKeyPrefix,
		CreatedAt:    time.Now(),
	}
	f.accounts[acct.ID] = acct
	return acct, nil
}

func (f *fakeLedger) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, txID string) (*ledger.Transaction, error) {
	for _, tx := range f.txns {
		if tx.ID == txID {
			return tx, nil
		}
	}
	return nil, ledger.ErrTransactionNotFound
}

func (f *fakeLedger) Adjust(_ context.Context, in ledger.AdjustInput) (*ledger.Transaction, error) {
	if in.Reason == "" {
		return nil, ledger.ErrReasonRequired
	}
	if in.Amount > 1000 || in.Amount < -1000 {
		return nil, ledger.ErrAdjustmentTooLarge
	}
	acct, ok := f.accounts[in.AccountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	acct.Balance += in.Amount
	f.adjusted = append(f.adjusted, in)
	amount := in.Amount
	now := time.Now()
	return &ledger.Transaction{
		ID:         fmt.Sprintf("txn-%d", len(f.adjusted)),
		AccountID:  in.AccountID,
		Type:       ledger.TypeAdjustment,
		Status:     ledger.StatusCompleted,
		ActualCost: &amount,
		Reason:     in.Reason,
		CreatedAt:  now,
		ResolvedAt: &now,
	}, nil
}

func (f *fakeLedger) ListTransactions(_ context.Context, q ledger.Query) ([]*ledger.Transaction, string, error) {
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	var out []*ledger.Transaction
	for _, tx := range f.txns {
		if q.AccountID != "" && tx.AccountID != q.AccountID {
			continue
		}
		if q.Status != "" && tx.Status != q.Status {
			continue
		}
		out = append(out, tx)
	}
	return out, "", nil
}

type fakeBilling struct {
	chunks  []string
	receipt *billing.Receipt
	err     error

	// errAfterChunks makes Run stream all chunks and then return err, which
	// exercises the mid-stream error path.
	errAfterChunks bool

	gotReq billing.Request
}

func (f *fakeBilling) Run(_ context.Context, req billing.Request, sink func(string) error) (*billing.Receipt, error) {
	f.gotReq = req
	if f.err != nil && !f.errAfterChunks {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if err := sink(c); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

type fakeLookup struct {
	identities map[string]*auth.Identity // key hash -> identity
}

func (f *fakeLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Identity, error) {
	id, ok := f.identities[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return id, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

const (
	testAccountKey = "obol_test-account-key-0123456789"
	testAdminKey   = "admin-secret"
)

type testEnv struct {
	ledger  *fakeLedger
	billing *fakeBilling
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newFakeLedger()
	store.accounts["acct-main"] = &ledger.Account{
		ID:                 "acct-main",
		Name:               "main",
		Balance:            50,
		LifetimeTokensUsed: 1234,
		LifetimeSpent:      10.5,
		CreatedAt:          time.Now(),
	}

	lookup := &fakeLookup{identities: map[string]*auth.Identity{
		auth.HashKey(testAccountKey): {AccountID: "acct-main", Name: "main"},
	}}

	adminHash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing admin key: %v", err)
	}

	b := &fakeBilling{}
	router := NewRouter(RouterDeps{
		Ledger:         store,
		Billing:        b,
		Auth:           auth.NewService(lookup),
		Limiter:        ratelimit.New(100, time.Minute),
		AdminKeyHash:   string(adminHash),
		AllowedOrigins: []string{"*"},
	})

	return &testEnv{ledger: store, billing: b, router: router}
}

func (e *testEnv) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return env.Error.Code
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthOK(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestHealthDegradedOnDBError(t *testing.T) {
	router := NewRouter(RouterDeps{
		DB: &fakePinger{err: errors.New("connection refused")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected status=degraded, got %q", body["status"])
	}
}

// ---------------------------------------------------------------------------
// Account routes
// ---------------------------------------------------------------------------

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/balance", testAccountKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body balanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.AccountID != "acct-main" {
		t.Errorf("expected account_id=acct-main, got %q", body.AccountID)
	}
	if body.Balance != 50 {
		t.Errorf("expected balance 50, got %v", body.Balance)
	}
	if body.LifetimeTokensUsed != 1234 {
		t.Errorf("expected lifetime_tokens_used 1234, got %d", body.LifetimeTokensUsed)
	}
}

func TestGetBalanceRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/balance", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/accounts/me/balance", "obol_wrong-key", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", rec.Code)
	}
}

func TestListOwnTransactionsScopedToAccount(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.txns = []*ledger.Transaction{
		{ID: "t1", AccountID: "acct-main", Type: ledger.TypeUsage, Status: ledger.StatusCompleted},
		{ID: "t2", AccountID: "someone-else", Type: ledger.TypeUsage, Status: ledger.StatusCompleted},
		{ID: "t3", AccountID: "acct-main", Type: ledger.TypeUsage, Status: ledger.StatusPending},
	}

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/transactions", testAccountKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(body.Transactions))
	}
	for _, tx := range body.Transactions {
		if tx.AccountID != "acct-main" {
			t.Errorf("leaked transaction for account %q", tx.AccountID)
		}
	}
}

func TestListOwnTransactionsStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.txns = []*ledger.Transaction{
		{ID: "t1", AccountID: "acct-main", Status: ledger.StatusCompleted},
		{ID: "t2", AccountID: "acct-main", Status: ledger.StatusPending},
	}

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/transactions?status=pending", testAccountKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Transactions) != 1 || body.Transactions[0].ID != "t2" {
		t.Fatalf("expected only t2, got %+v", body.Transactions)
	}
}

func TestListTransactionsInvalidLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/transactions?limit=zero", testAccountKey, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "invalid_params" {
		t.Errorf("expected code invalid_params, got %q", code)
	}
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/admin/accounts", testAdminKey,
		`{"name":"research-bot","initial_grant":100}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	apiKey, _ := body["api_key"].(string)
	if !strings.HasPrefix(apiKey, "obol_") {
		t.Errorf("expected api_key with obol_ prefix, got %q", apiKey)
	}
	if prefix, _ := body["api_key_prefix"].(string); !strings.HasPrefix(apiKey, prefix) {
		t.Errorf("prefix %q does not match key %q", prefix, apiKey)
	}
	if balance, _ := body["balance"].(float64); balance != 100 {
		t.Errorf("expected balance 100, got %v", balance)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"missing name", `{"initial_grant":10}`, http.StatusUnprocessableEntity},
		{"negative grant", `{"name":"x","initial_grant":-5}`, http.StatusUnprocessableEntity},
		{"malformed json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/admin/accounts", testAdminKey, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestAdminRoutesRejectNonAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/admin/accounts", testAccountKey, `{"name":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with account key on admin route, got %d", rec.Code)
	}
}

func TestAdminGetBalance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/admin/accounts/acct-main/balance", testAdminKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/admin/accounts/nope/balance", testAdminKey, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestCreateAdjustment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/admin/accounts/acct-main/adjustments", testAdminKey,
		`{"amount":25,"reason":"goodwill credit"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var txn ledger.Transaction
	if err := json.NewDecoder(rec.Body).Decode(&txn); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if txn.Type != ledger.TypeAdjustment {
		t.Errorf("expected type adjustment, got %q", txn.Type)
	}
	if txn.Status != ledger.StatusCompleted {
		t.Errorf("expected status completed, got %q", txn.Status)
	}
	if env.ledger.accounts["acct-main"].Balance != 75 {
		t.Errorf("expected balance 75 after adjustment, got %v", env.ledger.accounts["acct-main"].Balance)
	}
}

func TestCreateAdjustmentErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing reason",
			path:       "/api/v1/admin/accounts/acct-main/adjustments",
			body:       `{"amount":25}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "reason_required",
		},
		{
			name:       "too large",
			path:       "/api/v1/admin/accounts/acct-main/adjustments",
			body:       `{"amount":5000,"reason":"oops"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "adjustment_too_large",
		},
		{
			name:       "unknown account",
			path:       "/api/v1/admin/accounts/ghost/adjustments",
			body:       `{"amount":5,"reason":"refund"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.path, testAdminKey, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := decodeError(t, rec); code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

func TestAdminListTransactionsAnyAccount(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.txns = []*ledger.Transaction{
		{ID: "t1", AccountID: "a"},
		{ID: "t2", AccountID: "b"},
	}

	rec := env.do(http.MethodGet, "/api/v1/admin/transactions", testAdminKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(body.Transactions))
	}

	rec = env.do(http.MethodGet, "/api/v1/admin/transactions?account_id=b", testAdminKey, "")
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Transactions) != 1 || body.Transactions[0].ID != "t2" {
		t.Fatalf("expected only t2, got %+v", body.Transactions)
	}
}

// ---------------------------------------------------------------------------
// Completions
// ---------------------------------------------------------------------------

func TestCompletionStreamsAndEmitsReceipt(t *testing.T) {
	env := newTestEnv(t)
	env.billing.chunks = []string{"hello ", "world"}
	env.billing.receipt = &billing.Receipt{
		TransactionID: "txn-1",
		ModelID:       "echo-1",
		InputTokens:   2,
		OutputTokens:  2,
		Cost:          0.05,
	}

	rec := env.do(http.MethodPost, "/api/v1/completions", testAccountKey,
		`{"prompt":"hi","model_id":"echo-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"text":"hello "}`) {
		t.Errorf("missing first chunk in body:\n%s", body)
	}
	if !strings.Contains(body, `data: {"text":"world"}`) {
		t.Errorf("missing second chunk in body:\n%s", body)
	}
	if !strings.Contains(body, "event: receipt") {
		t.Errorf("missing receipt event in body:\n%s", body)
	}
	if !strings.Contains(body, `"transaction_id":"txn-1"`) {
		t.Errorf("missing transaction id in receipt:\n%s", body)
	}

	if env.billing.gotReq.AccountID != "acct-main" {
		t.Errorf("expected request scoped to acct-main, got %q", env.billing.gotReq.AccountID)
	}
}

func TestCompletionInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.billing.err = ledger.ErrInsufficientBalance

	rec := env.do(http.MethodPost, "/api/v1/completions", testAccountKey,
		`{"prompt":"hi","model_id":"echo-1"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "insufficient_balance" {
		t.Errorf("expected code insufficient_balance, got %q", code)
	}
}

func TestCompletionProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.billing.err = fmt.Errorf("%w: upstream timeout", billing.ErrProviderFailure)

	rec := env.do(http.MethodPost, "/api/v1/completions", testAccountKey,
		`{"prompt":"hi","model_id":"echo-1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "provider_failure" {
		t.Errorf("expected code provider_failure, got %q", code)
	}
}

func TestCompletionMidStreamErrorEvent(t *testing.T) {
	env := newTestEnv(t)
	env.billing.chunks = []string{"partial "}
	env.billing.err = errors.New("stream broke")
	env.billing.errAfterChunks = true

	rec := env.do(http.MethodPost, "/api/v1/completions", testAccountKey,
		`{"prompt":"hi","model_id":"echo-1"}`)
	// Headers were already streamed, so the status stays 200 and the error
	// arrives as an event.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"text":"partial "}`) {
		t.Errorf("missing delivered chunk in body:\n%s", body)
	}
	if !strings.Contains(body, "event: error") {
		t.Errorf("missing error event in body:\n%s", body)
	}
}

func TestCompletionValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"missing prompt", `{"model_id":"echo-1"}`, http.StatusUnprocessableEntity},
		{"missing model", `{"prompt":"hi"}`, http.StatusUnprocessableEntity},
		{"negative max_tokens", `{"prompt":"hi","model_id":"echo-1","max_tokens":-1}`, http.StatusUnprocessableEntity},
		{"malformed json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/completions", testAccountKey, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCompletionRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/completions", "", `{"prompt":"hi","model_id":"echo-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimitExceeded(t *testing.T) {
	store := newFakeLedger()
	store.accounts["acct-main"] = &ledger.Account{ID: "acct-main", Name: "main", Balance: 50}
	lookup := &fakeLookup{identities: map[string]*auth.Identity{
		auth.HashKey(testAccountKey): {AccountID: "acct-main", Name: "main"},
	}}

	router := NewRouter(RouterDeps{
		Ledger:  store,
		Billing: &fakeBilling{},
		Auth:    auth.NewService(lookup),
		Limiter: ratelimit.New(1, time.Minute),
	})
	env := &testEnv{ledger: store, router: router}

	rec := env.do(http.MethodGet, "/api/v1/accounts/me/balance", testAccountKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/accounts/me/balance", testAccountKey, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("expected X-RateLimit-Limit=1, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/completions", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected Access-Control-Allow-Origin=*, got %q",
			rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
