// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed. Errors wrapping
// ErrNoRetry fail the job permanently.
type JobHandler func(ctx context.Context, payload string) error

// GiveUpHandler is called after the runner stops retrying a job, either because its handler
// returned ErrNoRetry or because the job used its last attempt. cause is the last error.
type GiveUpHandler func(ctx context.Context, job Job, cause error)

// Defaults for the job runner.
const (
	DefaultJobPollInterval   = 500 * time.Millisecond
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobRetryBase      = 2 * time.Second
	defaultJobClaimLimit     = 10
)

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers. Jobs run one at a time in claim order.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	giveUp         map[string]GiveUpHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	retryBase      time.Duration
	claimLimit     int
	wake           chan struct{}
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithRetryBase sets the first retry delay of a failing job. Later retries double it.
func WithRetryBase(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.retryBase = d
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before recovery requeues it.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		giveUp:         make(map[string]GiveUpHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		retryBase:      DefaultJobRetryBase,
		claimLimit:     defaultJobClaimLimit,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RegisterGiveUpHandler registers a handler that runs when a job of the given kind fails for
// good.
func (r *JobRunner) RegisterGiveUpHandler(kind string, handler GiveUpHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.giveUp[kind] = handler
}

// RunAfter schedules a job of the given kind to run after delay. The payload is
// encoded as JSON.
func (r *JobRunner) RunAfter(ctx context.Context, delay time.Duration, kind string, payload any) (string, error) {
	return r.RunAfterOnce(ctx, delay, kind, payload, "")
}

// RunAfterOnce is RunAfter with a dedupe key: while a queued or running job with
// the same key exists, its ID is returned and nothing new is scheduled.
func (r *JobRunner) RunAfterOnce(ctx context.Context, delay time.Duration, kind string, payload any, dedupeKey string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload failed: %w", kind, err)
	}
	if delay < 0 {
		delay = 0
	}
	id, err := r.repo.EnqueueJob(ctx, kind, time.Now().Add(delay), string(data), dedupeKey)
	if err != nil {
		return "", err
	}
	if delay < r.pollInterval {
		r.Wake()
	}
	return id, nil
}

// Wake asks the polling loop to check for due jobs without waiting for the next tick.
func (r *JobRunner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		case <-r.wake:
			r.poll(ctx)
		}
	}
}

// poll drains every job that is due now.
func (r *JobRunner) poll(ctx context.Context) {
	for ctx.Err() == nil {
		jobs, err := r.repo.ClaimDueJobs(ctx, time.Now(), r.claimLimit)
		if err != nil {
			slog.Error("JobRunner.poll: claim failed", "error", err)
			return
		}
		for _, job := range jobs {
			r.execute(ctx, job)
		}
		if len(jobs) < r.claimLimit {
			return
		}
	}
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, time.Now().Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	err := handler(ctx, job.PayloadJSON)
	switch {
	case err == nil:
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
	case errors.Is(err, ErrNoRetry):
		slog.Error("JobRunner.execute: job failed permanently", "id", job.ID, "kind", job.Kind, "error", err)
		if aerr := r.repo.AbandonJob(ctx, job.ID, err.Error()); aerr != nil {
			slog.Error("JobRunner.execute: abandon job error", "id", job.ID, "error", aerr)
			return
		}
		r.gaveUp(ctx, job, err)
	default:
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
		// Exponential backoff from retryBase: 1x, 2x, 4x, ...
		backoff := time.Duration(1<<job.Attempt) * r.retryBase
		if ferr := r.repo.FailJob(ctx, job.ID, err.Error(), time.Now().Add(backoff)); ferr != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", ferr)
			return
		}
		if job.MaxAttempts > 0 && job.Attempt+1 >= job.MaxAttempts {
			slog.Error("JobRunner.execute: job exhausted its attempts", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1)
			r.gaveUp(ctx, job, err)
		}
	}
}

func (r *JobRunner) gaveUp(ctx context.Context, job Job, cause error) {
	r.mu.RLock()
	handler, ok := r.giveUp[job.Kind]
	r.mu.RUnlock()
	if ok {
		handler(ctx, job, cause)
	}
}
