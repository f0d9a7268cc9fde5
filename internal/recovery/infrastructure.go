package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/store"
)

// DefaultMarkerGrace is how long a marker without a job id is trusted. Arming sets the job id
// right after creating the marker, so an older empty marker belongs to a crashed process.
const DefaultMarkerGrace = time.Minute

// StaleJobRequeuer is implemented by store.JobRunner.
type StaleJobRequeuer interface {
	RecoverStaleJobs(ctx context.Context) error
}

// StaleJobRecovery requeues jobs that were running when the process stopped.
type StaleJobRecovery struct {
	runner StaleJobRequeuer
}

// NewStaleJobRecovery wraps a job runner.
func NewStaleJobRecovery(runner StaleJobRequeuer) *StaleJobRecovery {
	return &StaleJobRecovery{runner: runner}
}

func (r *StaleJobRecovery) Name() string { return "jobs" }

func (r *StaleJobRecovery) RecoverState(ctx context.Context) error {
	if err := r.runner.RecoverStaleJobs(ctx); err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	return nil
}

// DefaultQueuedStaleAfter is how long a queued message may go untouched before another
// instance treats its dispatch as lost. It outlasts the dispatch retry schedule.
const DefaultQueuedStaleAfter = 30 * time.Minute

// QueuedResetter returns stale queued messages to waiting.
type QueuedResetter interface {
	ResetQueued(ctx context.Context, staleBefore time.Time) (int, error)
}

// QueuedMessageRecovery returns messages stranded in queued back to waiting.
type QueuedMessageRecovery struct {
	repo       QueuedResetter
	staleAfter time.Duration
	now        func() time.Time
}

// NewQueuedMessageRecovery wraps the message store. Messages queued within staleAfter are left
// alone; zero resets every queued message, which is only safe while this process is the sole
// dispatcher.
func NewQueuedMessageRecovery(repo QueuedResetter, staleAfter time.Duration) *QueuedMessageRecovery {
	return &QueuedMessageRecovery{repo: repo, staleAfter: staleAfter, now: time.Now}
}

func (r *QueuedMessageRecovery) Name() string { return "messages" }

func (r *QueuedMessageRecovery) RecoverState(ctx context.Context) error {
	n, err := r.repo.ResetQueued(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return fmt.Errorf("reset queued messages: %w", err)
	}
	if n > 0 {
		slog.Info("QueuedMessageRecovery.RecoverState: returned queued messages to waiting", "count", n, "staleAfter", r.staleAfter)
	}
	return nil
}

// SchedulerRepo is the part of the store scheduler recovery needs.
type SchedulerRepo interface {
	GetRunMarker(ctx context.Context) (*store.RunMarker, error)
	DeleteRunMarker(ctx context.Context) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	HasWaiting(ctx context.Context) (bool, error)
}

// Armer starts the batch scheduler if it is not running.
type Armer interface {
	Arm(ctx context.Context) error
}

// SchedulerRecovery drops an orphaned run marker and re-arms the batch scheduler when messages
// are waiting.
type SchedulerRecovery struct {
	repo  SchedulerRepo
	armer Armer
	grace time.Duration
	now   func() time.Time
}

// NewSchedulerRecovery creates a SchedulerRecovery.
func NewSchedulerRecovery(repo SchedulerRepo, armer Armer) *SchedulerRecovery {
	return &SchedulerRecovery{repo: repo, armer: armer, grace: DefaultMarkerGrace, now: time.Now}
}

func (r *SchedulerRecovery) Name() string { return "scheduler" }

func (r *SchedulerRecovery) RecoverState(ctx context.Context) error {
	orphaned, err := r.markerOrphaned(ctx)
	if err != nil {
		return err
	}
	if orphaned {
		if err := r.repo.DeleteRunMarker(ctx); err != nil {
			return fmt.Errorf("delete orphaned run marker: %w", err)
		}
		slog.Info("SchedulerRecovery.RecoverState: deleted orphaned run marker")
	}

	waiting, err := r.repo.HasWaiting(ctx)
	if err != nil {
		return fmt.Errorf("check waiting messages: %w", err)
	}
	if !waiting {
		return nil
	}
	if err := r.armer.Arm(ctx); err != nil {
		return fmt.Errorf("arm batch scheduler: %w", err)
	}
	slog.Info("SchedulerRecovery.RecoverState: batch scheduler armed for waiting messages")
	return nil
}

// markerOrphaned reports whether a marker exists that no live job will ever clear.
func (r *SchedulerRecovery) markerOrphaned(ctx context.Context) (bool, error) {
	marker, err := r.repo.GetRunMarker(ctx)
	if err != nil {
		return false, fmt.Errorf("load run marker: %w", err)
	}
	if marker == nil {
		return false, nil
	}
	if marker.JobID == "" {
		return r.now().Sub(marker.CreatedAt) > r.grace, nil
	}
	job, err := r.repo.GetJob(ctx, marker.JobID)
	if err != nil {
		return false, fmt.Errorf("load marker job %s: %w", marker.JobID, err)
	}
	if job == nil {
		return true, nil
	}
	return job.Status.IsTerminal(), nil
}
