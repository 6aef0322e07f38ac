package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"bq-gateway/internal/domain"
)

// RedisStore keeps JSON-encoded entries in Redis with SET EX, sharing the
// cache across gateway instances.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ domain.ResultStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. Keys are namespaced by prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "qcache"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(fingerprint string) string {
	return s.prefix + ":" + fingerprint
}

// Get returns the entry for fingerprint. Numbers in rows decode as
// json.Number so they re-encode exactly.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry domain.CacheEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, true, nil
}

// Set stores entry for ttl.
func (s *RedisStore) Set(ctx context.Context, fingerprint string, entry *domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes fingerprint.
func (s *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	if err := s.client.Del(ctx, s.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
