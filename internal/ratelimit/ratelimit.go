// Package ratelimit decides how long a batch must wait before it may be sent to the mail API.
//
// Limiters never block: Reserve claims capacity immediately and returns the delay after which
// the reserved units may be used. A reservation larger than one window's capacity spills into
// the following windows and the caller waits for the window holding its last unit.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// KeyMailAPI is the limiter key shared by every dispatch batch.
const KeyMailAPI = "mailapi"

// ErrInvalidReservation is returned for non-positive or unsatisfiable reservations.
var ErrInvalidReservation = errors.New("invalid rate limit reservation")

// Limiter reserves units of capacity under a key.
type Limiter interface {
	Reserve(ctx context.Context, key string, n int) (time.Duration, error)
}

// Config describes a fixed window admitting Limit units every Period.
type Config struct {
	Limit  int
	Period time.Duration
	// MaxUnits is the largest single reservation the limiter must accept.
	MaxUnits int
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 1
	}
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.MaxUnits < c.Limit {
		c.MaxUnits = c.Limit
	}
	return c
}

// PerSecond returns a Config admitting limit units per second and reservations of up to maxUnits.
func PerSecond(limit, maxUnits int) Config {
	return Config{Limit: limit, Period: time.Second, MaxUnits: maxUnits}.withDefaults()
}
