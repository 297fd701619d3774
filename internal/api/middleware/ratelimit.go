package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/internal/cache"
)

const defaultRequestsPerMinute = 60

// Counter is the fixed-window counter behind the limiter.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RateLimit provides per-caller fixed-window rate limiting via Redis. Each
// instance counts in its own bucket so that, for example, job submissions
// can be limited separately from general API traffic.
type RateLimit struct {
	counter        Counter
	bucket         string
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware counting in bucket.
func NewRateLimit(c Counter, bucket string, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{counter: c, bucket: bucket, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting to the caller identified by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := rateLimitSubject(r)
		if !ok {
			// Auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		key := cache.RateLimitKey(rl.bucket, subject)
		count, err := rl.counter.IncrWithExpiry(r.Context(), key, 60*time.Second)
		if err != nil {
			// Fail open on Redis errors
			slog.Warn("rate limit counter unavailable", "bucket", rl.bucket, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		resetTime := time.Now().Add(60 * time.Second).Unix()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitSubject counts per user, so several keys of one user share a window.
func rateLimitSubject(r *http.Request) (string, bool) {
	if a, ok := GetActor(r); ok {
		return a.UserID.String(), true
	}
	return getKeyPrefix(r)
}
