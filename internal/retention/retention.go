// Package retention deletes old message records.
//
// Two sweeps run as durable jobs. The finalized sweep removes messages whose outcome is older
// than the finalized age; the abandoned sweep removes messages created before the abandoned
// age whatever their state. Each run deletes a bounded batch and schedules another run while
// full batches keep coming back.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// Job kinds.
const (
	KindFinalized = "retention.finalized"
	KindAbandoned = "retention.abandoned"
)

// Defaults.
const (
	DefaultFinalizedAge = 7 * 24 * time.Hour
	DefaultAbandonedAge = 30 * 24 * time.Hour
	DefaultBatchLimit   = 500
)

// Repo is the part of the store the sweeps need.
type Repo interface {
	DeleteFinalizedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
	PruneInboundBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Runner schedules durable jobs.
type Runner interface {
	RunAfter(ctx context.Context, delay time.Duration, kind string, payload any) (string, error)
	RunAfterOnce(ctx context.Context, delay time.Duration, kind string, payload any, dedupeKey string) (string, error)
}

// Args is the payload of a sweep job.
type Args struct {
	OlderThanMs int64 `json:"older_than_ms"`
}

func (a Args) olderThan() time.Duration {
	return time.Duration(a.OlderThanMs) * time.Millisecond
}

// Sweeper runs the retention sweeps.
type Sweeper struct {
	repo   Repo
	runner Runner

	finalizedAge time.Duration
	abandonedAge time.Duration
	limit        int
	now          func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithFinalizedAge overrides DefaultFinalizedAge.
func WithFinalizedAge(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.finalizedAge = d
		}
	}
}

// WithAbandonedAge overrides DefaultAbandonedAge.
func WithAbandonedAge(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.abandonedAge = d
		}
	}
}

// WithBatchLimit overrides DefaultBatchLimit.
func WithBatchLimit(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates a Sweeper. Register HandleFinalized and HandleAbandoned with the job
// runner under KindFinalized and KindAbandoned.
func NewSweeper(repo Repo, runner Runner, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:         repo,
		runner:       runner,
		finalizedAge: DefaultFinalizedAge,
		abandonedAge: DefaultAbandonedAge,
		limit:        DefaultBatchLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger starts both sweeps unless they are already pending.
func (s *Sweeper) Trigger(ctx context.Context) error {
	for kind, age := range map[string]time.Duration{KindFinalized: s.finalizedAge, KindAbandoned: s.abandonedAge} {
		if _, err := s.runner.RunAfterOnce(ctx, 0, kind, Args{OlderThanMs: age.Milliseconds()}, kind); err != nil {
			return fmt.Errorf("trigger %s: %w", kind, err)
		}
	}
	slog.Info("Sweeper.Trigger: retention sweeps scheduled")
	return nil
}

// HandleFinalized deletes one batch of finalized messages. It also prunes finished jobs and
// inbound dedup records older than the same age.
func (s *Sweeper) HandleFinalized(ctx context.Context, payload string) error {
	args, err := s.decode(payload, s.finalizedAge)
	if err != nil {
		return err
	}
	cutoff := s.now().UTC().Add(-args.olderThan())

	n, err := s.repo.DeleteFinalizedBefore(ctx, cutoff, s.limit)
	if err != nil {
		return err
	}
	metrics.RetentionDeleted.WithLabelValues("finalized").Add(float64(n))
	slog.Info("Sweeper.HandleFinalized: deleted finalized messages", "count", n, "cutoff", cutoff)

	if jobs, err := s.repo.DeleteFinishedJobsBefore(ctx, cutoff); err != nil {
		slog.Warn("Sweeper.HandleFinalized: failed to prune finished jobs", "error", err)
	} else if jobs > 0 {
		slog.Debug("Sweeper.HandleFinalized: pruned finished jobs", "count", jobs)
	}
	if records, err := s.repo.PruneInboundBefore(ctx, cutoff); err != nil {
		slog.Warn("Sweeper.HandleFinalized: failed to prune dedup records", "error", err)
	} else if records > 0 {
		slog.Debug("Sweeper.HandleFinalized: pruned dedup records", "count", records)
	}

	return s.continueIfFull(ctx, KindFinalized, args, n)
}

// HandleAbandoned deletes one batch of messages created before the abandoned age.
func (s *Sweeper) HandleAbandoned(ctx context.Context, payload string) error {
	args, err := s.decode(payload, s.abandonedAge)
	if err != nil {
		return err
	}
	cutoff := s.now().UTC().Add(-args.olderThan())

	n, err := s.repo.DeleteCreatedBefore(ctx, cutoff, s.limit)
	if err != nil {
		return err
	}
	metrics.RetentionDeleted.WithLabelValues("abandoned").Add(float64(n))
	if n > 0 {
		slog.Warn("Sweeper.HandleAbandoned: deleted messages that never reached a terminal state", "count", n, "cutoff", cutoff)
	}
	return s.continueIfFull(ctx, KindAbandoned, args, n)
}

func (s *Sweeper) continueIfFull(ctx context.Context, kind string, args Args, deleted int) error {
	if deleted < s.limit {
		return nil
	}
	if _, err := s.runner.RunAfter(ctx, 0, kind, args); err != nil {
		return fmt.Errorf("reschedule %s: %w", kind, err)
	}
	return nil
}

func (s *Sweeper) decode(payload string, fallback time.Duration) (Args, error) {
	var args Args
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &args); err != nil {
			return Args{}, fmt.Errorf("decode retention args: %v: %w", err, store.ErrNoRetry)
		}
	}
	if args.OlderThanMs <= 0 {
		args.OlderThanMs = fallback.Milliseconds()
	}
	return args, nil
}
