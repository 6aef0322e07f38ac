package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"bq-gateway/internal/domain"
)

// MemoryStore keeps entries in process with go-cache. Expired items are
// dropped lazily on access and by go-cache's janitor.
type MemoryStore struct {
	items *gocache.Cache
}

var _ domain.ResultStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore whose janitor runs every
// cleanupInterval.
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{items: gocache.New(defaultTTL, cleanupInterval)}
}

// Get returns the entry for fingerprint.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	v, ok := s.items.Get(fingerprint)
	if !ok {
		return nil, false, nil
	}
	entry, ok := v.(*domain.CacheEntry)
	return entry, ok, nil
}

// Set stores entry for ttl.
func (s *MemoryStore) Set(_ context.Context, fingerprint string, entry *domain.CacheEntry, ttl time.Duration) error {
	s.items.Set(fingerprint, entry, ttl)
	return nil
}

// Delete removes fingerprint.
func (s *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	s.items.Delete(fingerprint)
	return nil
}

// Len returns the number of stored items, including expired ones not yet
// cleaned up.
func (s *MemoryStore) Len() int { return s.items.ItemCount() }
