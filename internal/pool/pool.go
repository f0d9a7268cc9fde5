// Package pool runs units of work on a fixed number of goroutines with per-task retry
// policies and a single terminal callback per task.
//
// Delayed tasks and retries wait on timers, not on worker slots, so a long rate-limit
// delay never blocks other work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for a pool.
const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 1024
	DefaultMaxBackoff = 30 * time.Minute
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("pool stopped")

// Outcome is the terminal state of a task.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RetryPolicy bounds the attempts of a task and spaces out its retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the delay after the given failed attempt (1-based):
// InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Result is passed to Task.OnComplete exactly once.
type Result struct {
	Outcome  Outcome
	Value    any
	Err      error
	Attempts int
}

// Task is one unit of work.
type Task struct {
	Name       string
	Run        func(ctx context.Context) (any, error)
	Delay      time.Duration
	Retry      RetryPolicy
	OnComplete func(Result)
}

type item struct {
	task     Task
	attempts int
	lastErr  error
	once     sync.Once
}

// Pool is a bounded set of workers.
type Pool struct {
	name      string
	workers   int
	queueSize int

	tasks  chan *item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	timersMu sync.Mutex
	timers   map[*item]*time.Timer
}

// Option configures a Pool.
type Option func(*Pool)

// WithQueueSize sets how many ready tasks may wait for a free worker.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// New creates a pool with the given number of workers. Call Start before tasks can run.
func New(name string, workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{
		name:      name,
		workers:   workers,
		queueSize: DefaultQueueSize,
		timers:    make(map[*item]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan *item, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Start launches the workers. Cancelling ctx has the same effect as Stop without waiting.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	context.AfterFunc(ctx, p.cancel)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	slog.Info("Pool.Start: workers started", "pool", p.name, "workers", p.workers)
}

// Enqueue submits a task. After Stop the task completes immediately as canceled and
// ErrStopped is returned.
func (p *Pool) Enqueue(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no Run function", task.Name)
	}
	it := &item{task: task}
	if p.ctx.Err() != nil {
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: ErrStopped})
		return ErrStopped
	}
	slog.Debug("Pool.Enqueue", "pool", p.name, "task", task.Name, "delay", task.Delay)
	p.schedule(it, task.Delay)
	return nil
}

// schedule hands the item to the workers after d.
func (p *Pool) schedule(it *item, d time.Duration) {
	if d <= 0 {
		p.submit(it)
		return
	}
	p.timersMu.Lock()
	if p.ctx.Err() != nil {
		p.timersMu.Unlock()
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
		return
	}
	p.timers[it] = time.AfterFunc(d, func() {
		p.timersMu.Lock()
		delete(p.timers, it)
		p.timersMu.Unlock()
		p.submit(it)
	})
	p.timersMu.Unlock()
}

func (p *Pool) submit(it *item) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped || p.ctx.Err() != nil {
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
		return
	}
	select {
	case p.tasks <- it:
	case <-p.ctx.Done():
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case it := <-p.tasks:
			if p.ctx.Err() != nil {
				p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
				continue
			}
			p.run(it)
		}
	}
}

func (p *Pool) run(it *item) {
	it.attempts++
	value, err := p.safeRun(it)
	if err == nil {
		p.finish(it, Result{Outcome: OutcomeSuccess, Value: value, Attempts: it.attempts})
		return
	}
	it.lastErr = err

	if p.ctx.Err() != nil {
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: err, Attempts: it.attempts})
		return
	}
	if it.attempts >= it.task.Retry.maxAttempts() {
		slog.Error("Pool.run: task failed after all attempts", "pool", p.name, "task", it.task.Name, "attempts", it.attempts, "error", err)
		p.finish(it, Result{Outcome: OutcomeFailed, Err: err, Attempts: it.attempts})
		return
	}

	// Retries always go through a timer so a worker never blocks on its own queue.
	backoff := max(it.task.Retry.Backoff(it.attempts), time.Millisecond)
	slog.Warn("Pool.run: task failed, scheduling retry", "pool", p.name, "task", it.task.Name, "attempt", it.attempts, "retryIn", backoff, "error", err)
	p.schedule(it, backoff)
}

func (p *Pool) safeRun(it *item) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pool.safeRun: panic recovered", "pool", p.name, "task", it.task.Name, "panic", r)
			err = fmt.Errorf("task %q panicked: %v", it.task.Name, r)
		}
	}()
	return it.task.Run(p.ctx)
}

// drain completes every ready task as canceled.
func (p *Pool) drain() {
	for {
		select {
		case it := <-p.tasks:
			p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
		default:
			return
		}
	}
}

func (p *Pool) finish(it *item, res Result) {
	it.once.Do(func() {
		if res.Outcome == OutcomeCanceled && res.Err == nil {
			res.Err = it.lastErr
		}
		if it.task.OnComplete == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Pool.finish: completion callback panicked", "pool", p.name, "task", it.task.Name, "panic", r)
			}
		}()
		it.task.OnComplete(res)
	})
}

// Stop cancels running work, completes every pending task as canceled and waits for the
// workers to exit or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	slog.Info("Pool.Stop: stopping", "pool", p.name)
	p.cancel()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.timersMu.Lock()
	pending := make([]*item, 0, len(p.timers))
	for it, t := range p.timers {
		t.Stop()
		pending = append(pending, it)
	}
	p.timers = make(map[*item]*time.Timer)
	p.timersMu.Unlock()
	for _, it := range pending {
		p.finish(it, Result{Outcome: OutcomeCanceled, Err: context.Canceled, Attempts: it.attempts})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.drain()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool.Stop: stopped gracefully", "pool", p.name)
		return nil
	case <-ctx.Done():
		slog.Warn("Pool.Stop: shutdown timeout, tasks still running", "pool", p.name)
		return ctx.Err()
	}
}
