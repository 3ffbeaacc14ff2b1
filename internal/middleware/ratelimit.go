package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientIP returns the host part of the connection's remote address. The
// daemon listens locally, so forwarding headers are not trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key. Each bucket holds limit
// tokens and refills completely over window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow takes a token for key. When none is left, retry is how long until
// the next one is available.
func (rl *RateLimiter) Allow(key string) (ok bool, retry time.Duration) {
	rl.mu.Lock()
	now := rl.now()
	e, found := rl.limiters[key]
	if !found {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	lim := e.limiter
	rl.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup drops keys idle for a full window. Their buckets have refilled,
// so a fresh limiter behaves the same.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := rl.now().Add(-rl.window)
	for key, e := range rl.limiters {
		if !e.lastSeen.After(threshold) {
			delete(rl.limiters, key)
		}
	}
}

// RateLimit rejects requests the limiter refuses with 429 and a
// Retry-After header.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := limiter.Allow(keyFunc(r))
			if !ok {
				secs := int(retry.Seconds() + 0.999)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "too many requests", "code": "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
