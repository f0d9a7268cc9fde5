package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
		return Result{}
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{10, DefaultMaxBackoff},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPool_Success(t *testing.T) {
	p := New("test", 2)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	results := make(chan Result, 1)
	err := p.Enqueue(Task{
		Name:       "ok",
		Run:        func(ctx context.Context) (any, error) { return "done", nil },
		OnComplete: func(r Result) { results <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	r := waitResult(t, results)
	if r.Outcome != OutcomeSuccess || r.Value != "done" || r.Attempts != 1 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestPool_RetryThenSuccess(t *testing.T) {
	p := New("test", 1)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	var calls int32
	results := make(chan Result, 1)
	p.Enqueue(Task{
		Name:  "flaky",
		Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond},
		Run: func(ctx context.Context) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
		OnComplete: func(r Result) { results <- r },
	})

	r := waitResult(t, results)
	if r.Outcome != OutcomeSuccess || r.Attempts != 3 {
		t.Errorf("expected success on attempt 3, got %+v", r)
	}
}

func TestPool_RetryExhausted(t *testing.T) {
	p := New("test", 1)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	boom := errors.New("boom")
	results := make(chan Result, 1)
	p.Enqueue(Task{
		Name:       "broken",
		Retry:      RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		Run:        func(ctx context.Context) (any, error) { return nil, boom },
		OnComplete: func(r Result) { results <- r },
	})

	r := waitResult(t, results)
	if r.Outcome != OutcomeFailed || r.Attempts != 2 || !errors.Is(r.Err, boom) {
		t.Errorf("expected failure after 2 attempts, got %+v", r)
	}
}

func TestPool_PanicIsFailure(t *testing.T) {
	p := New("test", 1)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	results := make(chan Result, 1)
	p.Enqueue(Task{
		Name:       "panics",
		Run:        func(ctx context.Context) (any, error) { panic("oops") },
		OnComplete: func(r Result) { results <- r },
	})

	if r := waitResult(t, results); r.Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome, got %+v", r)
	}
}

func TestPool_DelayDoesNotHoldWorker(t *testing.T) {
	p := New("test", 1)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	p.Enqueue(Task{
		Name:       "delayed",
		Delay:      200 * time.Millisecond,
		Run:        func(ctx context.Context) (any, error) { order <- "delayed"; return nil, nil },
		OnComplete: func(Result) { wg.Done() },
	})
	p.Enqueue(Task{
		Name:       "immediate",
		Run:        func(ctx context.Context) (any, error) { order <- "immediate"; return nil, nil },
		OnComplete: func(Result) { wg.Done() },
	})
	wg.Wait()

	if first := <-order; first != "immediate" {
		t.Errorf("expected immediate task to run first, got %s", first)
	}
}

func TestPool_StopCancelsPending(t *testing.T) {
	p := New("test", 1)
	p.Start(context.Background())

	results := make(chan Result, 1)
	var ran int32
	p.Enqueue(Task{
		Name:  "far-future",
		Delay: time.Hour,
		Run: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&ran, 1)
			return nil, nil
		},
		OnComplete: func(r Result) { results <- r },
	})

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	r := waitResult(t, results)
	if r.Outcome != OutcomeCanceled {
		t.Errorf("expected canceled outcome, got %+v", r)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("canceled task must not run")
	}

	late := make(chan Result, 1)
	err := p.Enqueue(Task{
		Name:       "late",
		Run:        func(ctx context.Context) (any, error) { return nil, nil },
		OnComplete: func(r Result) { late <- r },
	})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if r := waitResult(t, late); r.Outcome != OutcomeCanceled {
		t.Errorf("expected late task canceled, got %+v", r)
	}
}

func TestPool_CompletesExactlyOnce(t *testing.T) {
	p := New("test", 4)
	p.Start(context.Background())

	var completions int32
	const n = 50
	for i := 0; i < n; i++ {
		p.Enqueue(Task{
			Name:       "burst",
			Delay:      time.Duration(i%5) * time.Millisecond,
			Retry:      RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
			Run:        func(ctx context.Context) (any, error) { return nil, errors.New("x") },
			OnComplete: func(Result) { atomic.AddInt32(&completions, 1) },
		})
	}
	time.Sleep(20 * time.Millisecond)
	p.Stop(context.Background())

	if got := atomic.LoadInt32(&completions); got != n {
		t.Errorf("expected %d completions, got %d", n, got)
	}
}
