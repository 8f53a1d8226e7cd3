package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/billing"
	"github.com/alecgard/obol/internal/ledger"
)

// completionsHandler serves the metered completion endpoint.
type completionsHandler struct {
	billing BillingRunner
}

func newCompletionsHandler(b BillingRunner) *completionsHandler {
	return &completionsHandler{billing: b}
}

// completionRequest is the JSON body for a completion.
type completionRequest struct {
	Prompt    string `json:"prompt"`
	ModelID   string `json:"model_id"`
	Modifier  string `json:"modifier,omitempty"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
}

// Create handles POST /api/v1/completions (account-authed, rate-limited).
// Output streams as server-sent events: one data event per text chunk, then a
// final receipt event carrying what was billed. Errors that occur before any
// output was streamed map to plain JSON error responses; once the stream has
// started they are reported as an error event.
func (h *completionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	var req completionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "prompt is required")
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "model_id is required")
		return
	}
	if req.MaxTokens < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "max_tokens must not be negative")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	// SSE headers are deferred until the first chunk so that pre-stream
	// failures can still produce a proper error status.
	started := false
	startStream := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	sink := func(text string) error {
		if !started {
			startStream()
		}
		payload, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	receipt, err := h.billing.Run(r.Context(), billing.Request{
		AccountID: identity.AccountID,
		Prompt:    req.Prompt,
		ModelID:   req.ModelID,
		Modifier:  req.Modifier,
		MaxTokens: req.MaxTokens,
	}, sink)
	if err != nil {
		if started {
			writeSSEError(w, flusher, err)
			return
		}
		writeBillingError(w, err)
		return
	}

	if !started {
		startStream()
	}

	payload, mErr := json.Marshal(receipt)
	if mErr != nil {
		writeSSEError(w, flusher, mErr)
		return
	}
	fmt.Fprintf(w, "event: receipt\ndata: %s\n\n", payload)
	flusher.Flush()
}

// writeBillingError maps billing errors to HTTP statuses before any output
// has been streamed.
func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", "account balance is below the minimum threshold")
	case errors.Is(err, billing.ErrProviderFailure):
		writeError(w, http.StatusBadGateway, "provider_failure", "the model provider failed before producing output; nothing was charged, try again")
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "not_found", "account not found")
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

// writeSSEError reports a failure on an already-started event stream.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	payload, mErr := json.Marshal(map[string]string{"message": err.Error()})
	if mErr != nil {
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}
