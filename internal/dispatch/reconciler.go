package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/pool"
)

// reconcileTimeout bounds the writes of one reconciliation. They run on a fresh context
// because a cancelled batch is reconciled after the pool context is gone.
const reconcileTimeout = 30 * time.Second

// Reconciler applies the terminal outcome of a batch to its messages. Every write only
// touches messages still queued, so reconciling twice is harmless.
type Reconciler struct {
	repo Repo
	now  func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo Repo) *Reconciler {
	return &Reconciler{repo: repo, now: time.Now}
}

// Complete reconciles the batch ids with the pool result.
func (r *Reconciler) Complete(ids []string, res pool.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	now := r.now().UTC()

	switch res.Outcome {
	case pool.OutcomeSuccess:
		sent, _ := res.Value.(*Result)
		if sent == nil {
			return
		}
		for i, id := range sent.SentIDs {
			if err := r.repo.MarkSent(ctx, id, sent.ExternalIDs[i]); err != nil {
				slog.Error("Reconciler.Complete: mark sent failed", "id", id, "error", err)
			}
		}
	case pool.OutcomeFailed:
		n, err := r.repo.ResolveQueued(ctx, ids, models.StatusFailed, models.RetriesExhausted, now)
		if err != nil {
			slog.Error("Reconciler.Complete: resolve failed batch", "batch", len(ids), "error", err)
			return
		}
		metrics.DispatchResults.WithLabelValues("retries_exhausted").Add(float64(n))
		slog.Warn("Reconciler.Complete: batch failed after retries", "batch", len(ids), "failed", n, "error", res.Err)
	case pool.OutcomeCanceled:
		n, err := r.repo.ResolveQueued(ctx, ids, models.StatusCancelled, models.CancelledInDispatch, now)
		if err != nil {
			slog.Error("Reconciler.Complete: resolve cancelled batch", "batch", len(ids), "error", err)
			return
		}
		metrics.DispatchResults.WithLabelValues("cancelled").Add(float64(n))
		slog.Warn("Reconciler.Complete: batch cancelled", "batch", len(ids), "cancelled", n)
	}
}
