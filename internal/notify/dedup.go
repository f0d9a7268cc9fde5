package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/MailPipe/internal/store"
)

// Deduper filters notifications the channel delivers more than once.
type Deduper interface {
	// Claim reports whether id is seen for the first time.
	Claim(ctx context.Context, id string) (bool, error)
	// Done records that the notification was applied.
	Done(ctx context.Context, id string) error
	// Release drops a claim whose notification could not be applied, so a redelivery is
	// processed again.
	Release(ctx context.Context, id string) error
}

// Redis dedup defaults.
const (
	DefaultDedupTTL    = 24 * time.Hour
	redisDedupPrefix   = "mailpipe:notify:"
	notificationSource = "sns"
)

// RedisDeduper keeps notification ids in Redis for a bounded time.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a RedisDeduper. A non-positive ttl means DefaultDedupTTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, redisDedupPrefix+id, time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", id, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Done(ctx context.Context, id string) error {
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, redisDedupPrefix+id).Err(); err != nil {
		return fmt.Errorf("release notification %s: %w", id, err)
	}
	return nil
}

// StoreDeduper keeps notification ids in the store's inbound dedup table. Retention prunes it.
type StoreDeduper struct {
	repo store.DedupRepo
}

// NewStoreDeduper creates a StoreDeduper.
func NewStoreDeduper(repo store.DedupRepo) *StoreDeduper {
	return &StoreDeduper{repo: repo}
}

func (d *StoreDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.repo.RecordInbound(ctx, id, notificationSource)
}

func (d *StoreDeduper) Done(ctx context.Context, id string) error {
	return d.repo.MarkProcessed(ctx, id)
}

func (d *StoreDeduper) Release(ctx context.Context, id string) error {
	return d.repo.ReleaseInbound(ctx, id)
}
