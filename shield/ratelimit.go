package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter is a per-key token bucket limiter. Idle keys are dropped by
// GC.
type RateLimiter struct {
	limit rate.Limit
	burst int
	key   func(*http.Request) string

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter allows perSecond requests per key with the given burst.
// key derives the bucket key from a request, typically the source address.
func NewRateLimiter(perSecond float64, burst int, key func(*http.Request) string) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		key:     key,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// GC drops buckets idle for longer than idle and returns how many remain.
func (rl *RateLimiter) GC(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
	return len(rl.buckets)
}

// Middleware answers 429 with a JSON body once a key runs out of tokens.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retry := "1"
	if rl.limit > 0 {
		retry = strconv.Itoa(int(math.Ceil(1 / float64(rl.limit))))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)
		if rl.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("ratelimit: request blocked", "source", key, "path", r.URL.Path)
		w.Header().Set("Retry-After", retry)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate_limited"})
	})
}
