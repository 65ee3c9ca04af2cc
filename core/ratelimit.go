package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter provides in-memory rate limiting functionality
type RateLimiter struct {
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// IsAllowed checks if a request from the given key (IP address) is allowed
func (rl *RateLimiter) IsAllowed(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := PruneAttempts(rl.requests[key], now, rl.window)

	if len(valid) < rl.maxRequests {
		rl.requests[key] = append(valid, now)
		return true, 0
	}

	rl.requests[key] = valid
	return false, RetryAfter(valid, now, rl.window)
}

// Cleanup removes old entries to prevent memory leaks
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, requests := range rl.requests {
		valid := PruneAttempts(requests, now, rl.window)
		if len(valid) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = valid
		}
	}
}

// RateLimitMiddleware rejects clients that exceed the limiter's budget with 429.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			allowed, wait := limiter.IsAllowed(ip)
			if !allowed {
				slog.Warn("Rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded, please try again later",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
