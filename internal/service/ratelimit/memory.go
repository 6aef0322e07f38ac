package ratelimit

import (
	"context"
	"sync"
	"time"

	"bq-gateway/internal/domain"
)

// counter is one subject's tally for its current window.
type counter struct {
	mu      sync.Mutex
	start   time.Time
	expires time.Time
	count   int64
	dead    bool // removed by Sweep; callers must load a fresh counter
}

// MemoryStore keeps counters in process. Each subject has its own lock, so
// subjects never contend with each other.
type MemoryStore struct {
	counters sync.Map // map[string]*counter
}

var _ domain.CounterStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Incr increments subject's counter for the window starting at windowStart.
// A newer window resets the counter.
func (s *MemoryStore) Incr(_ context.Context, subject string, windowStart time.Time, window time.Duration) (int64, error) {
	for {
		v, _ := s.counters.LoadOrStore(subject, &counter{start: windowStart, expires: windowStart.Add(window)})
		c := v.(*counter)

		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		if windowStart.After(c.start) {
			c.start = windowStart
			c.expires = windowStart.Add(window)
			c.count = 0
		}
		c.count++
		n := c.count
		c.mu.Unlock()
		return n, nil
	}
}

// Sweep drops counters whose window ended before now and returns how many
// were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.counters.Range(func(key, value interface{}) bool {
		if s.expire(key, value.(*counter), now) {
			removed++
		}
		return true
	})
	return removed
}

// expire retires c if its window is over. The map entry is removed only
// while it still holds c, so a counter stored since c was read survives.
func (s *MemoryStore) expire(key interface{}, c *counter, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || now.Before(c.expires) {
		return false
	}
	c.dead = true
	s.counters.CompareAndDelete(key, c)
	return true
}

// Len returns the number of tracked subjects.
func (s *MemoryStore) Len() int {
	n := 0
	s.counters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
