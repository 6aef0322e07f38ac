package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Key(t *testing.T) {
	t.Parallel()

	s := NewRedisStore(nil, "")
	assert.Equal(t, "ratelimit:uid-1:20", s.Key("uid-1", time.Unix(1200, 0), time.Minute))
}

func TestRedisStore_UnreachableFailsOpen(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close() //nolint:errcheck

	store := NewRedisStore(client, "test")
	_, err := store.Incr(context.Background(), "uid-1", time.Unix(0, 0), time.Minute)
	require.Error(t, err)

	l := NewLimiter(store, 1, time.Minute, nil)
	_, err = l.TryAcquire(context.Background(), "uid-1")
	assert.NoError(t, err)
}

// TestRedisStore_Integration runs against a real server when REDIS_TEST_URL
// is set, e.g. redis://localhost:6379/15.
func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close() //nolint:errcheck

	ctx := context.Background()
	store := NewRedisStore(client, "test-"+uuid.NewString())
	l := NewLimiter(store, 2, time.Minute, nil)

	for range 2 {
		_, err := l.TryAcquire(ctx, "uid-1")
		require.NoError(t, err)
	}
	_, err = l.TryAcquire(ctx, "uid-1")
	assert.Error(t, err)

	key := store.Key("uid-1", WindowStart(time.Now(), time.Minute), time.Minute)
	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
