package cache

import (
	"context"
	"errors"
	"time"

	"bq-gateway/internal/domain"
)

// TieredStore reads through a local store to a shared one and writes to
// both. Shared hits are copied locally for their remaining lifetime.
type TieredStore struct {
	local  domain.ResultStore
	shared domain.ResultStore
	now    func() time.Time
}

var _ domain.ResultStore = (*TieredStore)(nil)

// NewTieredStore creates a TieredStore.
func NewTieredStore(local, shared domain.ResultStore) *TieredStore {
	return &TieredStore{local: local, shared: shared, now: time.Now}
}

// Get checks local first, then shared.
func (s *TieredStore) Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	if entry, ok, err := s.local.Get(ctx, fingerprint); err == nil && ok {
		return entry, true, nil
	}

	entry, ok, err := s.shared.Get(ctx, fingerprint)
	if err != nil || !ok {
		return nil, false, err
	}
	if remaining := entry.TTL - s.now().Sub(entry.ComputedAt); remaining > 0 {
		_ = s.local.Set(ctx, fingerprint, entry, remaining)
	}
	return entry, true, nil
}

// Set writes local then shared. A shared failure is returned after the local
// write has succeeded.
func (s *TieredStore) Set(ctx context.Context, fingerprint string, entry *domain.CacheEntry, ttl time.Duration) error {
	return errors.Join(
		s.local.Set(ctx, fingerprint, entry, ttl),
		s.shared.Set(ctx, fingerprint, entry, ttl),
	)
}

// Delete removes fingerprint from both tiers.
func (s *TieredStore) Delete(ctx context.Context, fingerprint string) error {
	return errors.Join(
		s.local.Delete(ctx, fingerprint),
		s.shared.Delete(ctx, fingerprint),
	)
}
