package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process limiter for single-node deployments without Redis. It is a token
// bucket refilled at Limit per Period with room for the largest reservation, so its long-run
// rate matches RedisWindow while a burst may start before a window boundary.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
	now      func() time.Time
}

// Compile-time check that Local implements Limiter.
var _ Limiter = (*Local)(nil)

// NewLocal creates an in-process limiter.
func NewLocal(cfg Config) *Local {
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (l *Local) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		every := rate.Every(l.cfg.Period / time.Duration(l.cfg.Limit))
		lim = rate.NewLimiter(every, l.cfg.MaxUnits)
		l.limiters[key] = lim
	}
	return lim
}

// Reserve claims n units under key and returns how long to wait before using them.
func (l *Local) Reserve(ctx context.Context, key string, n int) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if n <= 0 || n > l.cfg.MaxUnits {
		return 0, fmt.Errorf("%w: %d units (max %d)", ErrInvalidReservation, n, l.cfg.MaxUnits)
	}
	now := l.now()
	r := l.limiter(key).ReserveN(now, n)
	if !r.OK() {
		return 0, fmt.Errorf("%w: %d units exceed burst", ErrInvalidReservation, n)
	}
	return r.DelayFrom(now), nil
}
