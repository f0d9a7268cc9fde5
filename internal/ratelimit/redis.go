package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces window counters in Redis.
const keyPrefix = "mailpipe:rl:"

// reserveScript walks windows from the current one, taking free capacity until n units are
// reserved. It returns the index of the window holding the last unit, or -1 if the look-ahead
// ran out.
var reserveScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local period = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local maxw = tonumber(ARGV[5])
local idx = math.floor(now / period)
local last = -1
for i = 0, maxw - 1 do
  if n <= 0 then break end
  local k = KEYS[1] .. ':' .. (idx + i)
  local used = tonumber(redis.call('GET', k) or '0')
  local free = limit - used
  if free > 0 then
    local take = math.min(free, n)
    redis.call('INCRBY', k, take)
    redis.call('PEXPIRE', k, (i + 2) * period)
    n = n - take
    last = idx + i
  end
end
if n > 0 then return -1 end
return last
`)

// RedisWindow is a fixed-window limiter shared by every process using the same Redis.
type RedisWindow struct {
	rdb        *redis.Client
	cfg        Config
	maxWindows int
	now        func() time.Time
}

// Compile-time check that RedisWindow implements Limiter.
var _ Limiter = (*RedisWindow)(nil)

// NewRedisWindow creates a Redis-backed fixed-window limiter.
func NewRedisWindow(rdb *redis.Client, cfg Config) *RedisWindow {
	cfg = cfg.withDefaults()
	// Enough look-ahead for the largest reservation plus a backlog of the same size.
	windows := 2*((cfg.MaxUnits+cfg.Limit-1)/cfg.Limit) + 60
	return &RedisWindow{rdb: rdb, cfg: cfg, maxWindows: windows, now: time.Now}
}

// Reserve claims n units under key and returns how long to wait before using them.
func (w *RedisWindow) Reserve(ctx context.Context, key string, n int) (time.Duration, error) {
	if n <= 0 || n > w.cfg.MaxUnits {
		return 0, fmt.Errorf("%w: %d units (max %d)", ErrInvalidReservation, n, w.cfg.MaxUnits)
	}
	now := w.now()
	periodMs := w.cfg.Period.Milliseconds()
	last, err := reserveScript.Run(ctx, w.rdb, []string{keyPrefix + key},
		n, w.cfg.Limit, periodMs, now.UnixMilli(), w.maxWindows,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit reserve: %w", err)
	}
	if last < 0 {
		return 0, fmt.Errorf("%w: no capacity within %d windows", ErrInvalidReservation, w.maxWindows)
	}

	delay := time.UnixMilli(last * periodMs).Sub(now)
	if delay < 0 {
		delay = 0
	}
	slog.Debug("RedisWindow.Reserve", "key", key, "units", n, "delay", delay)
	return delay, nil
}
