// Package ratelimit enforces fixed-window per-caller request quotas.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"bq-gateway/internal/domain"
)

// Decision describes an admitted request's standing in its window.
type Decision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most limit requests per subject in each fixed window.
// Admission order is the order in which the store's atomic increments land.
type Limiter struct {
	store  domain.CounterStore
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewLimiter creates a Limiter over store.
func NewLimiter(store domain.CounterStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Limit returns the per-window request limit.
func (l *Limiter) Limit() int { return l.limit }

// WindowStart returns the start of the fixed window containing t.
func WindowStart(t time.Time, window time.Duration) time.Time {
	idx := t.UnixNano() / int64(window)
	return time.Unix(0, idx*int64(window))
}

// TryAcquire counts one attempt by subject. Rejected attempts stay counted.
// It fails with *domain.RateLimitError once the window's count exceeds the
// limit. A failing store admits the request and logs a warning.
func (l *Limiter) TryAcquire(ctx context.Context, subject string) (Decision, error) {
	now := l.now()
	start := WindowStart(now, l.window)
	resetAt := start.Add(l.window)

	count, err := l.store.Incr(ctx, subject, start, l.window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit store unavailable, admitting request",
			"subject", subject, "error", err)
		return Decision{Limit: l.limit, Remaining: l.limit, ResetAt: resetAt}, nil
	}

	if count > int64(l.limit) {
		return Decision{Limit: l.limit, Remaining: 0, ResetAt: resetAt},
			&domain.RateLimitError{Limit: l.limit, RetryAfter: resetAt.Sub(now)}
	}
	return Decision{Limit: l.limit, Remaining: l.limit - int(count), ResetAt: resetAt}, nil
}
