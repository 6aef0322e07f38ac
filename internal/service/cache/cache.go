// Package cache stores query results keyed by query fingerprint.
package cache

import (
	"context"
	"log/slog"
	"time"

	"bq-gateway/internal/domain"
	"bq-gateway/internal/metrics"
)

// ResultCache enforces entry age on every read, whatever the backing store's
// own expiry does. Store failures degrade to misses.
type ResultCache struct {
	store   domain.ResultStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a ResultCache over store. m may be nil.
func New(store domain.ResultStore, logger *slog.Logger, m *metrics.Metrics) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		store:   store,
		now:     time.Now,
		logger:  logger.With("component", "cache"),
		metrics: m,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *ResultCache) SetClock(now func() time.Time) { c.now = now }

// Now returns the cache's current time.
func (c *ResultCache) Now() time.Time { return c.now() }

// Get returns the live entry for fingerprint. Entries older than their ttl
// are deleted and reported absent.
func (c *ResultCache) Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool) {
	entry, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.logger.WarnContext(ctx, "cache get failed", "fingerprint", fingerprint, "error", err)
		c.metrics.CacheLookup(metrics.CacheError)
		return nil, false
	}
	if !ok || entry == nil {
		c.metrics.CacheLookup(metrics.CacheMiss)
		return nil, false
	}
	if entry.Expired(c.now()) {
		if err := c.store.Delete(ctx, fingerprint); err != nil {
			c.logger.WarnContext(ctx, "cache purge failed", "fingerprint", fingerprint, "error", err)
		}
		c.metrics.CacheLookup(metrics.CacheMiss)
		return nil, false
	}
	c.metrics.CacheLookup(metrics.CacheHit)
	return entry, true
}

// Put stores entry under fingerprint for ttl, replacing any previous entry.
// A zero ComputedAt is stamped with the current time.
func (c *ResultCache) Put(ctx context.Context, fingerprint string, entry *domain.CacheEntry, ttl time.Duration) {
	if ttl <= 0 || entry == nil {
		return
	}
	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = c.now()
	}
	entry.TTL = ttl
	if err := c.store.Set(ctx, fingerprint, entry, ttl); err != nil {
		c.logger.WarnContext(ctx, "cache put failed", "fingerprint", fingerprint, "error", err)
	}
}
