package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/ratelimit"
	"github.com/BTreeMap/MailPipe/internal/segment"
	"github.com/BTreeMap/MailPipe/internal/store"
	"github.com/BTreeMap/MailPipe/internal/testutil"
)

type scheduledJob struct {
	id    string
	delay time.Duration
	args  BuildArgs
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

func (r *fakeRunner) RunAfter(ctx context.Context, delay time.Duration, kind string, payload any) (string, error) {
	if kind != JobKind {
		return "", fmt.Errorf("unexpected kind %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var args BuildArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("job-%d", len(r.jobs)+1)
	r.jobs = append(r.jobs, scheduledJob{id: id, delay: delay, args: args})
	return id, nil
}

func (r *fakeRunner) last(t *testing.T) scheduledJob {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) == 0 {
		t.Fatal("no job scheduled")
	}
	return r.jobs[len(r.jobs)-1]
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type enqueuedBatch struct {
	ids   []string
	cfg   models.SendConfig
	delay time.Duration
}

type fakeDispatcher struct {
	batches []enqueuedBatch
	err     error
}

func (d *fakeDispatcher) Enqueue(ids []string, cfg models.SendConfig, delay time.Duration) error {
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, enqueuedBatch{ids: ids, cfg: cfg, delay: delay})
	return nil
}

type fixedLimiter struct {
	delay time.Duration
	err   error
	units int
}

func (l *fixedLimiter) Reserve(ctx context.Context, key string, n int) (time.Duration, error) {
	l.units += n
	return l.delay, l.err
}

var testConfig = models.SendConfig{APIKey: "key", RateLimitPerSecond: 14, RetryAttempts: 5, InitialBackoffMs: 30000}

type fixture struct {
	store      *store.SQLiteStore
	runner     *fakeRunner
	dispatcher *fakeDispatcher
	limiter    *fixedLimiter
	sched      *Scheduler
	now        time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:      testutil.NewSQLiteStore(t),
		runner:     &fakeRunner{},
		dispatcher: &fakeDispatcher{},
		limiter:    &fixedLimiter{delay: 750 * time.Millisecond},
		now:        time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.sched = New(f.store, f.runner, f.dispatcher, f.limiter, opts...)
	return f
}

func (f *fixture) marker(t *testing.T) *store.RunMarker {
	t.Helper()
	m, err := f.store.GetRunMarker(context.Background())
	if err != nil {
		t.Fatalf("GetRunMarker failed: %v", err)
	}
	return m
}

func TestScheduleIfAbsent_SchedulesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
			t.Fatalf("ScheduleIfAbsent failed: %v", err)
		}
	}

	if got := f.runner.count(); got != 1 {
		t.Fatalf("expected exactly one build job, got %d", got)
	}
	job := f.runner.last(t)
	if job.delay != DefaultBaseDelay || job.args.Reloop {
		t.Errorf("unexpected job %+v", job)
	}
	if want := segment.Of(f.now.Add(DefaultBaseDelay)); job.args.Segment != want {
		t.Errorf("expected segment %d, got %d", want, job.args.Segment)
	}
	if m := f.marker(t); m == nil || m.JobID != job.id {
		t.Errorf("expected marker for %s, got %+v", job.id, m)
	}

	cfg, err := f.store.GetSendConfig(ctx)
	if err != nil || cfg == nil || !cfg.Equal(testConfig) {
		t.Errorf("expected stored config, got %+v (%v)", cfg, err)
	}
}

func TestBuildBatch_MissingConfigIsPermanent(t *testing.T) {
	f := newFixture(t)
	err := f.sched.Handle(context.Background(), `{"reloop":false,"segment":10}`)
	if !errors.Is(err, ErrMissingConfig) || !errors.Is(err, store.ErrNoRetry) {
		t.Errorf("expected ErrMissingConfig wrapped as ErrNoRetry, got %v", err)
	}
}

func TestBuildBatch_BadPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	if err := f.sched.Handle(context.Background(), `not json`); !errors.Is(err, store.ErrNoRetry) {
		t.Errorf("expected ErrNoRetry, got %v", err)
	}
}

func TestBuildBatch_SegmentLag(t *testing.T) {
	tests := []struct {
		name     string
		anchor   int64
		selected bool
	}{
		{name: "same segment", anchor: 100, selected: false},
		{name: "next segment", anchor: 101, selected: false},
		{name: "two segments later", anchor: 102, selected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			testutil.InsertMessages(t, f.store, 100, "m1")
			if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
				t.Fatalf("ScheduleIfAbsent failed: %v", err)
			}

			if err := f.sched.buildBatch(ctx, BuildArgs{Segment: tt.anchor}); err != nil {
				t.Fatalf("buildBatch failed: %v", err)
			}

			if tt.selected {
				if len(f.dispatcher.batches) != 1 {
					t.Fatalf("expected one batch, got %d", len(f.dispatcher.batches))
				}
				testutil.AssertStatus(t, f.store, "m1", models.StatusQueued)
				return
			}
			if len(f.dispatcher.batches) != 0 {
				t.Errorf("message must not be batched at anchor %d", tt.anchor)
			}
			testutil.AssertStatus(t, f.store, "m1", models.StatusWaiting)
			job := f.runner.last(t)
			if job.args.Reloop || job.delay != DefaultBaseDelay {
				t.Errorf("expected a delayed non-reloop pass, got %+v", job)
			}
			if f.marker(t) == nil {
				t.Error("marker must stay while messages are waiting")
			}
		})
	}
}

func TestBuildBatch_DrainsBacklog(t *testing.T) {
	f := newFixture(t, WithBatchSize(10))
	ctx := context.Background()
	testutil.InsertMessages(t, f.store, 1, testutil.MessageIDs("m", 15)...)
	if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}

	// First pass takes a full batch and loops immediately.
	if err := f.sched.buildBatch(ctx, BuildArgs{Segment: 50}); err != nil {
		t.Fatalf("buildBatch failed: %v", err)
	}
	if len(f.dispatcher.batches) != 1 || len(f.dispatcher.batches[0].ids) != 10 {
		t.Fatalf("expected one batch of 10, got %+v", f.dispatcher.batches)
	}
	first := f.dispatcher.batches[0]
	if first.delay != 750*time.Millisecond || !first.cfg.Equal(testConfig) {
		t.Errorf("unexpected batch delay/config %v %+v", first.delay, first.cfg)
	}
	if f.limiter.units != 10 {
		t.Errorf("expected 10 reserved units, got %d", f.limiter.units)
	}
	job := f.runner.last(t)
	if !job.args.Reloop || job.delay != 0 || job.args.Segment != 50 {
		t.Errorf("expected immediate reloop at segment 50, got %+v", job)
	}
	if m := f.marker(t); m == nil || m.JobID != job.id {
		t.Errorf("marker must follow the latest job, got %+v", m)
	}

	// The reloop pass sees a short batch and falls back to the delayed schedule.
	if err := f.sched.buildBatch(ctx, job.args); err != nil {
		t.Fatalf("reloop buildBatch failed: %v", err)
	}
	if len(f.dispatcher.batches) != 1 {
		t.Errorf("short reloop batch must not be dispatched, got %d batches", len(f.dispatcher.batches))
	}
	job = f.runner.last(t)
	if job.args.Reloop || job.delay != DefaultBaseDelay {
		t.Errorf("expected delayed pass, got %+v", job)
	}

	// A regular pass dispatches the short remainder.
	if err := f.sched.buildBatch(ctx, job.args); err != nil {
		t.Fatalf("buildBatch failed: %v", err)
	}
	if len(f.dispatcher.batches) != 2 || len(f.dispatcher.batches[1].ids) != 5 {
		t.Fatalf("expected a second batch of 5, got %+v", f.dispatcher.batches)
	}

	// Nothing left: the marker is released.
	job = f.runner.last(t)
	if err := f.sched.buildBatch(ctx, job.args); err != nil {
		t.Fatalf("final buildBatch failed: %v", err)
	}
	if m := f.marker(t); m != nil {
		t.Errorf("expected marker deleted, got %+v", m)
	}

	// A new insert re-arms the scheduler.
	before := f.runner.count()
	testutil.InsertMessages(t, f.store, 60, "late")
	if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}
	if f.runner.count() != before+1 || f.marker(t) == nil {
		t.Error("expected the scheduler to re-arm")
	}
}

func TestBuildBatch_LimiterErrorDispatchesWithoutDelay(t *testing.T) {
	f := newFixture(t)
	f.limiter.err = errors.New("redis down")
	ctx := context.Background()
	testutil.InsertMessages(t, f.store, 1, "m1")
	if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}

	if err := f.sched.buildBatch(ctx, BuildArgs{Segment: 10}); err != nil {
		t.Fatalf("buildBatch failed: %v", err)
	}
	if len(f.dispatcher.batches) != 1 || f.dispatcher.batches[0].delay != 0 {
		t.Errorf("expected undelayed batch, got %+v", f.dispatcher.batches)
	}
}

func TestBuildBatch_WithLocalLimiter(t *testing.T) {
	f := newFixture(t, WithBatchSize(5))
	f.sched.limiter = ratelimit.NewLocal(ratelimit.PerSecond(5, 5))
	ctx := context.Background()
	testutil.InsertMessages(t, f.store, 1, testutil.MessageIDs("m", 10)...)
	if err := f.sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}

	if err := f.sched.buildBatch(ctx, BuildArgs{Segment: 10}); err != nil {
		t.Fatalf("buildBatch failed: %v", err)
	}
	if err := f.sched.buildBatch(ctx, BuildArgs{Reloop: true, Segment: 10}); err != nil {
		t.Fatalf("reloop buildBatch failed: %v", err)
	}
	if len(f.dispatcher.batches) != 2 {
		t.Fatalf("expected two batches, got %d", len(f.dispatcher.batches))
	}
	if d := f.dispatcher.batches[0].delay; d != 0 {
		t.Errorf("first batch should go immediately, got %v", d)
	}
	if d := f.dispatcher.batches[1].delay; d < 900*time.Millisecond {
		t.Errorf("second batch should wait about a second, got %v", d)
	}
}

func TestArm_NoopWhileMarkerExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.sched.Arm(ctx); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := f.sched.Arm(ctx); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if got := f.runner.count(); got != 1 {
		t.Errorf("expected one job, got %d", got)
	}
}

func TestGiveUp(t *testing.T) {
	tests := []struct {
		name       string
		markerJob  string
		cause      error
		waiting    bool
		wantMarker bool
		wantRearm  bool
	}{
		{name: "exhausted with backlog re-arms", markerJob: "job-1", cause: errors.New("database is locked"), waiting: true, wantMarker: true, wantRearm: true},
		{name: "exhausted without backlog idles", markerJob: "job-1", cause: errors.New("database is locked")},
		{name: "permanent failure waits for next enqueue", markerJob: "job-1", cause: fmt.Errorf("%w: %w", ErrMissingConfig, store.ErrNoRetry), waiting: true},
		{name: "marker of a newer job is kept", markerJob: "job-9", cause: errors.New("boom"), waiting: true, wantMarker: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.waiting {
				testutil.InsertMessages(t, f.store, 1, "m1")
			}
			if _, err := f.store.CreateRunMarker(ctx); err != nil {
				t.Fatalf("CreateRunMarker failed: %v", err)
			}
			if err := f.store.SetRunMarkerJob(ctx, tt.markerJob); err != nil {
				t.Fatalf("SetRunMarkerJob failed: %v", err)
			}

			f.sched.GiveUp(ctx, store.Job{ID: "job-1", Kind: JobKind}, tt.cause)

			m := f.marker(t)
			if tt.wantMarker != (m != nil) {
				t.Fatalf("marker present = %v, want %v", m != nil, tt.wantMarker)
			}
			if rearmed := f.runner.count() == 1; rearmed != tt.wantRearm {
				t.Errorf("re-armed = %v, want %v", rearmed, tt.wantRearm)
			}
			if tt.wantRearm && m.JobID != f.runner.last(t).id {
				t.Errorf("marker must point at the new job, got %+v", m)
			}
		})
	}
}

// failingListRepo makes ListWaiting fail until cleared.
type failingListRepo struct {
	*store.SQLiteStore
	mu      sync.Mutex
	failing bool
}

func (r *failingListRepo) setFailing(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = v
}

func (r *failingListRepo) ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]models.Message, error) {
	r.mu.Lock()
	failing := r.failing
	r.mu.Unlock()
	if failing {
		return nil, errors.New("database is locked")
	}
	return r.SQLiteStore.ListWaiting(ctx, maxSegment, limit)
}

type channelDispatcher struct {
	ids chan string
}

func (d *channelDispatcher) Enqueue(ids []string, cfg models.SendConfig, delay time.Duration) error {
	for _, id := range ids {
		d.ids <- id
	}
	return nil
}

// A build job that runs out of attempts must not leave the scheduler stuck behind its marker.
func TestScheduler_RecoversFromExhaustedBuildJob(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	repo := &failingListRepo{SQLiteStore: st, failing: true}
	runner := store.NewJobRunner(st, 10*time.Millisecond, store.WithRetryBase(time.Millisecond))
	dispatcher := &channelDispatcher{ids: make(chan string, 16)}
	sched := New(repo, runner, dispatcher, &fixedLimiter{}, WithBaseDelay(10*time.Millisecond))
	runner.RegisterHandler(JobKind, sched.Handle)
	runner.RegisterGiveUpHandler(JobKind, sched.GiveUp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testutil.InsertMessages(t, st, 1, "m1")
	if err := sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}
	first, err := st.GetRunMarker(ctx)
	if err != nil || first == nil {
		t.Fatalf("expected run marker, got %+v (%v)", first, err)
	}
	go runner.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, _ := st.GetJob(ctx, first.JobID)
		if job != nil && job.Status == store.JobStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first build job never exhausted its attempts: %+v", job)
		}
		time.Sleep(5 * time.Millisecond)
	}

	repo.setFailing(false)
	testutil.InsertMessages(t, st, 1, "m2")
	if err := sched.ScheduleIfAbsent(ctx, testConfig); err != nil {
		t.Fatalf("ScheduleIfAbsent failed: %v", err)
	}

	got := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case id := <-dispatcher.ids:
			got[id] = true
		case <-timeout:
			t.Fatalf("messages were not dispatched, got %v", got)
		}
	}
	if !got["m1"] || !got["m2"] {
		t.Errorf("expected m1 and m2 dispatched, got %v", got)
	}
	testutil.AssertStatus(t, st, "m2", models.StatusQueued)
}
