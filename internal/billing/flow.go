// Package billing orchestrates a single metered request: pre-flight balance
// gate, pending ledger transaction, external model call, atomic settlement.
// The pending transaction opened before the call is the crash safety net the
// reconciliation worker relies on.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/obol/internal/artifact"
	"github.com/alecgard/obol/internal/ledger"
	"github.com/alecgard/obol/internal/pricing"
	"github.com/alecgard/obol/internal/provider"
)

// ErrProviderFailure means the external model call errored before producing
// any usable output. The transaction is failed and nothing is charged; the
// caller may retry.
var ErrProviderFailure = errors.New("provider failure")

// finalizeTimeout bounds the ledger settlement once the stream has closed.
const finalizeTimeout = 10 * time.Second

// LedgerStore is the subset of ledger operations the flow needs.
type LedgerStore interface {
	OpenTransaction(ctx context.Context, in ledger.OpenInput) (*ledger.Transaction, error)
	CompleteTransaction(ctx context.Context, txID string, actualTokens int64, actualCost float64) (bool, error)
	FailTransaction(ctx context.Context, txID string) (bool, error)
}

// ArtifactSaver persists response artifacts for reconciliation evidence.
type ArtifactSaver interface {
	Save(ctx context.Context, a artifact.Artifact) error
}

// MetricsRecorder is an optional interface for recording billing metrics.
type MetricsRecorder interface {
	IncBillingRequest(modelID, outcome string)
	IncInsufficientBalance()
	IncProviderFailure(modelID string)
	IncPartialDeliveryBilled(modelID string)
	IncUsageFallback(modelID string)
}

// Request is one metered request entering the flow.
type Request struct {
	AccountID string
	Prompt    string
	ModelID   string
	Modifier  string
	MaxTokens int64
}

// Receipt summarizes how a request was billed.
type Receipt struct {
	TransactionID  string  `json:"transaction_id"`
	RequestContext string  `json:"request_context"`
	ModelID        string  `json:"model_id"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	Cost           float64 `json:"cost"`
	Partial        bool    `json:"partial"`
}

// Flow executes the per-request billing state machine.
type Flow struct {
	store            LedgerStore
	artifacts        ArtifactSaver
	invoker          provider.Invoker
	table            *pricing.Table
	defaultMaxTokens int64
	metrics          MetricsRecorder
}

// NewFlow creates a billing flow. defaultMaxTokens is used when a request does
// not set its own limit.
func NewFlow(store LedgerStore, artifacts ArtifactSaver, invoker provider.Invoker, table *pricing.Table, defaultMaxTokens int64) *Flow {
	return &Flow{
		store:            store,
		artifacts:        artifacts,
		invoker:          invoker,
		table:            table,
		defaultMaxTokens: defaultMaxTokens,
	}
}

// SetMetrics sets the optional metrics recorder.
func (f *Flow) SetMetrics(m MetricsRecorder) {
	f.metrics = m
}

// Run executes one metered request, streaming output text to sink as it
// arrives. The returned receipt reflects what was actually charged.
//
// Billing semantics: partial output already delivered when the call breaks is
// still billed (the upstream compute is real); a failure before any output
// fails the transaction with zero charge. A cancelled request context never
// abandons the transaction in pending — settlement runs on a detached context.
func (f *Flow) Run(ctx context.Context, req Request, sink func(text string) error) (*Receipt, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = f.defaultMaxTokens
	}

	// CHECKING: validate model and modifier up front, then compute the
	// conservative pre-flight estimate.
	if _, err := f.table.Cost(0, 0, req.ModelID, req.Modifier); err != nil {
		return nil, err
	}
	estimate, err := f.table.Estimate(req.ModelID, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	// OPENED: the pending record must exist before anything external runs.
	requestContext := uuid.NewString()
	tx, err := f.store.OpenTransaction(ctx, ledger.OpenInput{
		AccountID:      req.AccountID,
		EstimatedCost:  estimate,
		ModelID:        req.ModelID,
		RequestContext: requestContext,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) && f.metrics != nil {
			f.metrics.IncInsufficientBalance()
		}
		return nil, err
	}

	// CALLING: invoke the collaborator and relay chunks. Usage accounting is
	// a side-channel that arrives at stream completion, not per chunk.
	chunks, err := f.invoker.Invoke(ctx, provider.Request{
		Prompt:    req.Prompt,
		ModelID:   req.ModelID,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, f.failNoOutput(tx.ID, req.ModelID, err)
	}

	var (
		output     strings.Builder
		usage      *provider.Usage
		streamErr  error
		sinkBroken bool
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Text == "" {
			continue
		}
		output.WriteString(chunk.Text)
		if !sinkBroken && sink != nil {
			if err := sink(chunk.Text); err != nil {
				// The client went away. Keep draining so the usage report is
				// not lost; the compute already happened and must be billed.
				sinkBroken = true
			}
		}
	}

	// CLOSED: settle on a context that survives client disconnects.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if output.Len() == 0 && usage == nil {
		// Nothing was delivered and nothing was computed: no charge.
		return nil, f.failNoOutput(tx.ID, req.ModelID, streamErr)
	}

	partial := streamErr != nil || sinkBroken || ctx.Err() != nil

	inputTokens, outputTokens := f.resolveUsage(req, usage, output.String(), tx.ID)

	cost, err := f.table.Cost(inputTokens, outputTokens, req.ModelID, req.Modifier)
	if err != nil {
		// Model and modifier were validated pre-flight; fall back to the
		// estimate rather than leaving the transaction pending.
		slog.Error("actual cost computation failed, billing estimate",
			"transaction_id", tx.ID, "error", err)
		cost = estimate
	}

	// Evidence first: if the process dies between these two writes, the
	// reconciler finds the artifact and completes the transaction.
	if err := f.artifacts.Save(fctx, artifact.Artifact{
		RequestContext: requestContext,
		AccountID:      req.AccountID,
		ModelID:        req.ModelID,
		Content:        output.String(),
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
	}); err != nil {
		slog.Error("failed to save response artifact", "transaction_id", tx.ID, "error", err)
	}

	resolved, err := f.store.CompleteTransaction(fctx, tx.ID, inputTokens+outputTokens, cost)
	if err != nil {
		return nil, fmt.Errorf("settling transaction %s: %w", tx.ID, err)
	}
	if !resolved {
		// The reconciliation worker won the race; its settlement stands.
		slog.Info("transaction already resolved at settlement", "transaction_id", tx.ID)
	}

	if partial {
		slog.Warn("partial delivery billed",
			"transaction_id", tx.ID,
			"account_id", req.AccountID,
			"model_id", req.ModelID,
			"output_tokens", outputTokens,
			"cost", cost,
		)
		if f.metrics != nil {
			f.metrics.IncPartialDeliveryBilled(req.ModelID)
		}
	}
	if f.metrics != nil {
		f.metrics.IncBillingRequest(req.ModelID, "completed")
	}

	return &Receipt{
		TransactionID:  tx.ID,
		RequestContext: requestContext,
		ModelID:        req.ModelID,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		Cost:           cost,
		Partial:        partial,
	}, nil
}

// resolveUsage returns the token counts to bill, falling back to the local
// estimator when the provider never reported usage.
func (f *Flow) resolveUsage(req Request, usage *provider.Usage, output string, txID string) (inputTokens, outputTokens int64) {
	if usage != nil {
		return usage.InputTokens, usage.OutputTokens
	}

	inputTokens = pricing.EstimateTokens(req.Prompt)
	outputTokens = pricing.EstimateTokens(output)
	slog.Warn("provider reported no usage, falling back to local estimate",
		"transaction_id", txID,
		"model_id", req.ModelID,
		"estimated_input_tokens", inputTokens,
		"estimated_output_tokens", outputTokens,
	)
	if f.metrics != nil {
		f.metrics.IncUsageFallback(req.ModelID)
	}
	return inputTokens, outputTokens
}

// failNoOutput fails the transaction (no charge — the user was never served)
// and wraps the cause as a retryable provider failure.
func (f *Flow) failNoOutput(txID, modelID string, cause error) error {
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if _, err := f.store.FailTransaction(fctx, txID); err != nil {
		slog.Error("failed to mark transaction failed", "transaction_id", txID, "error", err)
	}
	if f.metrics != nil {
		f.metrics.IncProviderFailure(modelID)
		f.metrics.IncBillingRequest(modelID, "failed")
	}
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, cause)
	}
	return ErrProviderFailure
}
