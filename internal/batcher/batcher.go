// Package batcher implements the batch scheduler: a self-rescheduling durable job that pulls
// waiting messages into batches and hands them to the dispatch pool.
//
// At most one build job is pending at a time. The singleton run marker in the store exists
// exactly while a build job is scheduled or running; producers call ScheduleIfAbsent after every
// insert and it is a no-op while the marker exists.
package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/ratelimit"
	"github.com/BTreeMap/MailPipe/internal/segment"
	"github.com/BTreeMap/MailPipe/internal/store"
)

const (
	// JobKind is the durable job kind of the build step.
	JobKind = "batch.build"
	// DefaultBatchSize is the most messages one batch carries.
	DefaultBatchSize = 100
	// DefaultBaseDelay separates build passes when the backlog is not full.
	DefaultBaseDelay = time.Second
)

// ErrMissingConfig means a build job ran although no send configuration was ever stored.
var ErrMissingConfig = errors.New("batch build scheduled without a stored send configuration")

// Repo is the part of the store the scheduler needs.
type Repo interface {
	ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]models.Message, error)
	HasWaiting(ctx context.Context) (bool, error)
	MarkQueued(ctx context.Context, ids []string) ([]string, error)

	CreateRunMarker(ctx context.Context) (bool, error)
	SetRunMarkerJob(ctx context.Context, jobID string) error
	DeleteRunMarker(ctx context.Context) error
	DeleteRunMarkerForJob(ctx context.Context, jobID string) (bool, error)
	SaveSendConfig(ctx context.Context, cfg models.SendConfig) (bool, error)
	GetSendConfig(ctx context.Context) (*models.SendConfig, error)
}

// Runner schedules durable jobs.
type Runner interface {
	RunAfter(ctx context.Context, delay time.Duration, kind string, payload any) (string, error)
}

// Dispatcher accepts a batch for delivery after delay.
type Dispatcher interface {
	Enqueue(ids []string, cfg models.SendConfig, delay time.Duration) error
}

// BuildArgs is the payload of a build job.
type BuildArgs struct {
	Reloop  bool  `json:"reloop"`
	Segment int64 `json:"segment"`
}

// Scheduler builds batches.
type Scheduler struct {
	repo       Repo
	runner     Runner
	dispatcher Dispatcher
	limiter    ratelimit.Limiter

	batchSize int
	baseDelay time.Duration
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBaseDelay overrides DefaultBaseDelay.
func WithBaseDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler. Register Handle with the job runner under JobKind.
func New(repo Repo, runner Runner, dispatcher Dispatcher, limiter ratelimit.Limiter, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:       repo,
		runner:     runner,
		dispatcher: dispatcher,
		limiter:    limiter,
		batchSize:  DefaultBatchSize,
		baseDelay:  DefaultBaseDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleIfAbsent stores cfg as the last send configuration and makes sure a build job is
// pending.
func (s *Scheduler) ScheduleIfAbsent(ctx context.Context, cfg models.SendConfig) error {
	changed, err := s.repo.SaveSendConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if changed {
		slog.Info("Scheduler.ScheduleIfAbsent: send configuration updated")
	}
	return s.arm(ctx)
}

// Arm schedules a build job unless one is pending. Recovery uses it to restart a backlog left
// over from a previous process.
func (s *Scheduler) Arm(ctx context.Context) error {
	return s.arm(ctx)
}

func (s *Scheduler) arm(ctx context.Context) error {
	created, err := s.repo.CreateRunMarker(ctx)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if err := s.scheduleNext(ctx, s.baseDelay, BuildArgs{Segment: s.segmentAfter(s.baseDelay)}); err != nil {
		if derr := s.repo.DeleteRunMarker(ctx); derr != nil {
			slog.Error("Scheduler.arm: failed to release run marker", "error", derr)
		}
		return err
	}
	slog.Debug("Scheduler.arm: build job scheduled")
	return nil
}

// Handle is the job handler for JobKind.
func (s *Scheduler) Handle(ctx context.Context, payload string) error {
	var args BuildArgs
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		return fmt.Errorf("decode build args: %v: %w", err, store.ErrNoRetry)
	}
	return s.buildBatch(ctx, args)
}

// GiveUp is the give-up handler for JobKind. It releases the run marker held by a build job
// the runner stopped retrying. When the job exhausted its attempts on a transient error and
// messages are still waiting, a fresh build job is armed; after a permanent error the next
// ScheduleIfAbsent re-arms instead.
func (s *Scheduler) GiveUp(ctx context.Context, job store.Job, cause error) {
	released, err := s.repo.DeleteRunMarkerForJob(ctx, job.ID)
	if err != nil {
		slog.Error("Scheduler.GiveUp: failed to release run marker", "job", job.ID, "error", err)
		return
	}
	if !released {
		return
	}
	metrics.Batches.WithLabelValues("abandoned").Inc()
	slog.Warn("Scheduler.GiveUp: build job abandoned, run marker released", "job", job.ID, "error", cause)

	if errors.Is(cause, store.ErrNoRetry) {
		return
	}
	waiting, err := s.repo.HasWaiting(ctx)
	if err != nil {
		slog.Error("Scheduler.GiveUp: failed to check waiting messages", "error", err)
		return
	}
	if waiting {
		if err := s.arm(ctx); err != nil {
			slog.Error("Scheduler.GiveUp: failed to re-arm", "error", err)
		}
	}
}

func (s *Scheduler) buildBatch(ctx context.Context, args BuildArgs) error {
	cfg, err := s.repo.GetSendConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		slog.Error("Scheduler.buildBatch: no send configuration stored", "segment", args.Segment)
		return fmt.Errorf("%w: %w", ErrMissingConfig, store.ErrNoRetry)
	}

	msgs, err := s.repo.ListWaiting(ctx, segment.Eligible(args.Segment), s.batchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 || (args.Reloop && len(msgs) < s.batchSize) {
		return s.reschedule(ctx, len(msgs) == 0)
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	queued, err := s.repo.MarkQueued(ctx, ids)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return s.reschedule(ctx, true)
	}

	delay, err := s.limiter.Reserve(ctx, ratelimit.KeyMailAPI, len(queued))
	if err != nil {
		slog.Warn("Scheduler.buildBatch: rate limiter unavailable, dispatching without delay", "error", err)
		delay = 0
	}
	if err := s.dispatcher.Enqueue(queued, *cfg, delay); err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	metrics.Batches.WithLabelValues("dispatched").Inc()
	slog.Info("Scheduler.buildBatch: batch enqueued", "size", len(queued), "delay", delay, "segment", args.Segment)

	return s.scheduleNext(ctx, 0, BuildArgs{Reloop: true, Segment: args.Segment})
}

// reschedule keeps the loop alive while anything is waiting and releases the run marker
// otherwise. emptyHint only affects logging.
func (s *Scheduler) reschedule(ctx context.Context, emptyHint bool) error {
	waiting, err := s.repo.HasWaiting(ctx)
	if err != nil {
		return err
	}
	if waiting {
		metrics.Batches.WithLabelValues("rescheduled").Inc()
		slog.Debug("Scheduler.reschedule: backlog remains", "emptySelection", emptyHint)
		return s.scheduleNext(ctx, s.baseDelay, BuildArgs{Segment: s.segmentAfter(s.baseDelay)})
	}

	if err := s.repo.DeleteRunMarker(ctx); err != nil {
		return err
	}
	metrics.Batches.WithLabelValues("idle").Inc()
	slog.Debug("Scheduler.reschedule: queue drained, scheduler idle")

	// A producer may have inserted between the check and the delete while the marker still
	// existed; its ScheduleIfAbsent was a no-op.
	waiting, err = s.repo.HasWaiting(ctx)
	if err != nil {
		return err
	}
	if waiting {
		return s.arm(ctx)
	}
	return nil
}

func (s *Scheduler) scheduleNext(ctx context.Context, delay time.Duration, args BuildArgs) error {
	jobID, err := s.runner.RunAfter(ctx, delay, JobKind, args)
	if err != nil {
		return fmt.Errorf("schedule build job: %w", err)
	}
	return s.repo.SetRunMarkerJob(ctx, jobID)
}

// segmentAfter is the anchor segment for a pass that runs d from now.
func (s *Scheduler) segmentAfter(d time.Duration) int64 {
	return segment.Of(s.now().Add(d))
}
