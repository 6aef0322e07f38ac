package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"bq-gateway/internal/domain"
)

// RedisStore keeps counters in Redis so every gateway instance shares one
// budget per subject. Keys expire when their window ends.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ domain.CounterStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. Keys are namespaced by prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key returns the Redis key for subject's window.
func (s *RedisStore) Key(subject string, windowStart time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, subject, windowStart.UnixNano()/int64(window))
}

// Incr runs INCR and EXPIREAT in one MULTI/EXEC transaction.
func (s *RedisStore) Incr(ctx context.Context, subject string, windowStart time.Time, window time.Duration) (int64, error) {
	key := s.Key(subject, windowStart, window)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, windowStart.Add(window).Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
