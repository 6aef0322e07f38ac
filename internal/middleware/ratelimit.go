package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FloodGuardConfig holds configuration for the per-IP flood guard.
type FloodGuardConfig struct {
	// RequestsPerSecond is the sustained rate limit (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// IdleTTL is how long an unused client limiter is kept. Defaults to 10m.
	IdleTTL time.Duration
}

// clientLimiter tracks a per-client rate limiter and when it was last seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (c *clientLimiter) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *clientLimiter) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// FloodGuard returns an HTTP middleware that enforces a per-client-IP
// token-bucket limit in front of authentication. It protects the token
// verifier and the caller limiter from unauthenticated floods; per-caller
// quotas are enforced later by the gateway. Stale clients are dropped until
// ctx is done.
func FloodGuard(ctx context.Context, cfg FloodGuardConfig) func(http.Handler) http.Handler {
	var clients sync.Map // map[string]*clientLimiter

	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				clients.Range(func(key, value interface{}) bool {
					if value.(*clientLimiter).idleSince(now) > idle {
						clients.CompareAndDelete(key, value)
					}
					return true
				})
			}
		}
	}()

	getLimiter := func(ip string) *rate.Limiter {
		now := time.Now()
		if v, ok := clients.Load(ip); ok {
			cl := v.(*clientLimiter)
			cl.touch(now)
			return cl.limiter
		}
		cl := &clientLimiter{
			limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			lastSeen: now,
		}
		actual, _ := clients.LoadOrStore(ip, cl)
		return actual.(*clientLimiter).limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := getLimiter(ClientIP(r))

			reservation := limiter.Reserve()
			if !reservation.OK() {
				// Limiter cannot grant the request even with infinite wait.
				writeTooManyRequests(w, 0)
				return
			}

			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				writeTooManyRequests(w, int(delay.Seconds())+1)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP address from the request, stripping the
// port. Forwarded headers are honoured only through chi's RealIP middleware,
// which rewrites RemoteAddr upstream of this call.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"errorKind": "Exceeded",
		"message":   "too many requests from this address",
	})
}
