// Package scheduler runs periodic triggers from cron expressions.
//
// Triggers only enqueue durable jobs; the work itself runs on the store's job runner so that it
// survives restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron parser (min, hour, dom, month, dow) plus @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a valid 5-field cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// slogLogger adapts slog to the cron.Logger interface.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler provides cron-based triggers.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*[]cron.Option)

// WithLocation evaluates expressions in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(opts *[]cron.Option) {
		*opts = append(*opts, cron.WithLocation(loc))
	}
}

// NewScheduler creates a scheduler. Call Start to begin firing triggers.
func NewScheduler(opts ...Option) *Scheduler {
	logger := slogLogger{}
	cronOpts := []cron.Option{
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}
	for _, opt := range opts {
		opt(&cronOpts)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{cron: cron.New(cronOpts...), ctx: ctx, stop: stop}
}

// AddJob registers task under expr. The task context is cancelled when the scheduler stops.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	if err := Validate(expr); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler: trigger fired", "job", name)
		task(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("add job %s: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: job registered", "job", name, "expr", expr)
	return nil
}

// Entries returns how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start begins firing triggers in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running triggers to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
