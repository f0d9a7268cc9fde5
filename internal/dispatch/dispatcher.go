package dispatch

import (
	"context"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/pool"
)

// Defaults applied when the send configuration leaves the retry policy unset.
const (
	DefaultRetryAttempts  = 5
	DefaultInitialBackoff = 30 * time.Second
)

// Dispatcher runs batches on a worker pool and reconciles their outcome.
type Dispatcher struct {
	pool       *pool.Pool
	worker     *Worker
	reconciler *Reconciler
}

// NewDispatcher creates a Dispatcher on p.
func NewDispatcher(p *pool.Pool, worker *Worker, reconciler *Reconciler) *Dispatcher {
	return &Dispatcher{pool: p, worker: worker, reconciler: reconciler}
}

// RetryPolicyFor derives the batch retry policy from cfg.
func RetryPolicyFor(cfg models.SendConfig) pool.RetryPolicy {
	policy := pool.RetryPolicy{MaxAttempts: cfg.RetryAttempts, InitialBackoff: cfg.InitialBackoff()}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultInitialBackoff
	}
	return policy
}

// Enqueue schedules the batch ids to be sent after delay. The reconciler runs exactly once
// for the batch, also when the pool is already stopped.
func (d *Dispatcher) Enqueue(ids []string, cfg models.SendConfig, delay time.Duration) error {
	batch := append([]string(nil), ids...)
	return d.pool.Enqueue(pool.Task{
		Name:  "dispatch",
		Delay: delay,
		Retry: RetryPolicyFor(cfg),
		Run: func(ctx context.Context) (any, error) {
			res, err := d.worker.Dispatch(ctx, batch, cfg)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
		OnComplete: func(res pool.Result) {
			d.reconciler.Complete(batch, res)
		},
	})
}
