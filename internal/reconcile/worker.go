// Package reconcile repairs billing records left pending by a crash or
// partial failure. It trades strict synchronous consistency for an
// eventually-consistent sweep bounded by the staleness threshold, so the
// common-case request path never pays a coordination tax.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alecgard/obol/internal/artifact"
	"github.com/alecgard/obol/internal/ledger"
	"github.com/alecgard/obol/internal/pricing"
)

// LedgerStore is the subset of ledger operations the worker needs.
type LedgerStore interface {
	StalePending(ctx context.Context, olderThan time.Time, limit int) ([]*ledger.Transaction, error)
	CompleteTransaction(ctx context.Context, txID string, actualTokens int64, actualCost float64) (bool, error)
	FailTransaction(ctx context.Context, txID string) (bool, error)
	AcquireSweepLease(ctx context.Context, key int64) (release func(), ok bool, err error)
}

// ArtifactFinder looks up response artifacts as evidence of delivered work.
type ArtifactFinder interface {
	FindByRequestContext(ctx context.Context, requestContext string) (*artifact.Artifact, error)
}

// MetricsRecorder is an optional interface for recording sweep metrics.
type MetricsRecorder interface {
	IncReconciliation(outcome string)
	SetStalePending(n int)
	ObserveSweepDuration(seconds float64)
}

// Worker periodically scans for stale pending transactions and resolves each
// to completed (evidence of delivered work exists) or failed (the user was
// never served). It never raises to its caller; per-transaction failures are
// logged and the sweep continues.
type Worker struct {
	store     LedgerStore
	artifacts ArtifactFinder
	table     *pricing.Table

	interval  time.Duration
	staleness time.Duration
	limit     int
	leaseKey  int64

	metrics MetricsRecorder
	done    chan struct{}
	now     func() time.Time // injectable clock for testing
}

// NewWorker creates a reconciliation worker. staleness must exceed the
// slowest plausible external-call duration, otherwise the worker would race
// live requests for transactions that are still legitimately in flight.
func NewWorker(store LedgerStore, artifacts ArtifactFinder, table *pricing.Table, interval, staleness time.Duration, limit int, leaseKey int64) *Worker {
	return &Worker{
		store:     store,
		artifacts: artifacts,
		table:     table,
		interval:  interval,
		staleness: staleness,
		limit:     limit,
		leaseKey:  leaseKey,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (w *Worker) SetMetrics(m MetricsRecorder) {
	w.metrics = m
}

// Start runs the sweep on a fixed interval. It blocks until Stop is called or
// the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// Stop signals the background goroutine to exit.
func (w *Worker) Stop() {
	close(w.done)
}

// Sweep performs one reconciliation pass. A session lease ensures at most one
// sweep runs at a time across replicas; losing the lease skips the pass.
func (w *Worker) Sweep(ctx context.Context) {
	release, ok, err := w.store.AcquireSweepLease(ctx, w.leaseKey)
	if err != nil {
		slog.Error("failed to acquire sweep lease", "error", err)
		return
	}
	if !ok {
		slog.Debug("sweep lease held elsewhere, skipping pass")
		return
	}
	defer release()

	start := w.now()
	cutoff := start.Add(-w.staleness)

	txns, err := w.store.StalePending(ctx, cutoff, w.limit)
	if err != nil {
		slog.Error("failed to scan stale pending transactions", "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.SetStalePending(len(txns))
	}
	if len(txns) == 0 {
		return
	}

	slog.Info("reconciling stale pending transactions", "count", len(txns), "cutoff", cutoff)
	for _, tx := range txns {
		w.resolve(ctx, tx)
	}

	if w.metrics != nil {
		w.metrics.ObserveSweepDuration(w.now().Sub(start).Seconds())
	}
}

// resolve finalizes one stale transaction. Both outcomes are conditioned on
// the row still being pending, so racing the billing flow is harmless: the
// loser's call is a no-op.
func (w *Worker) resolve(ctx context.Context, tx *ledger.Transaction) {
	a, err := w.artifacts.FindByRequestContext(ctx, tx.RequestContext)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		// No evidence the work was delivered: the user must not be charged.
		resolved, err := w.store.FailTransaction(ctx, tx.ID)
		if err != nil {
			slog.Error("failed to fail stale transaction", "transaction_id", tx.ID, "error", err)
			w.record("error")
			return
		}
		if resolved {
			slog.Warn("reconciliation correction: no evidence, transaction failed",
				"transaction_id", tx.ID,
				"account_id", tx.AccountID,
				"age", w.now().Sub(tx.CreatedAt).String(),
			)
			w.record("failed")
		}
		return
	case err != nil:
		slog.Error("failed to look up artifact", "transaction_id", tx.ID, "error", err)
		w.record("error")
		return
	}

	inputTokens, outputTokens := a.InputTokens, a.OutputTokens
	if inputTokens == 0 && outputTokens == 0 {
		// The original usage report was lost; count what we still have.
		outputTokens = pricing.EstimateTokens(a.Content)
	}

	cost, err := w.table.Cost(inputTokens, outputTokens, tx.ModelID, "")
	if err != nil {
		// Pricing no longer knows the model. The pre-flight estimate is the
		// best remaining upper bound.
		slog.Warn("falling back to estimated cost during reconciliation",
			"transaction_id", tx.ID, "model_id", tx.ModelID, "error", err)
		cost = tx.EstimatedCost
	}

	resolved, err := w.store.CompleteTransaction(ctx, tx.ID, inputTokens+outputTokens, cost)
	if err != nil {
		slog.Error("failed to complete stale transaction", "transaction_id", tx.ID, "error", err)
		w.record("error")
		return
	}
	if resolved {
		slog.Warn("reconciliation correction: evidence found, transaction completed",
			"transaction_id", tx.ID,
			"account_id", tx.AccountID,
			"cost", cost,
			"age", w.now().Sub(tx.CreatedAt).String(),
		)
		w.record("completed")
	}
}

func (w *Worker) record(outcome string) {
	if w.metrics != nil {
		w.metrics.IncReconciliation(outcome)
	}
}
