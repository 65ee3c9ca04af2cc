package core

import (
	"context"
	"sync"
	"time"
)

// LoginThrottle counts login attempts per identifier over a sliding window.
//
// Hit must check and record in one atomic step: concurrent callers for the
// same key can never be admitted more than the configured number of times
// within a window.
type LoginThrottle interface {
	// Hit records an attempt for key at now and reports whether it may
	// proceed. When refused, retryAfter is the time until the oldest counted
	// attempt leaves the window; refused attempts are not recorded.
	Hit(ctx context.Context, key string, now time.Time) (retryAfter time.Duration, allowed bool, err error)
	// Reset forgets all attempts for key.
	Reset(ctx context.Context, key string) error
}

// MemoryThrottle is an in-process LoginThrottle.
type MemoryThrottle struct {
	attempts    map[string][]time.Time
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
}

// NewMemoryThrottle creates a throttle allowing maxAttempts per window.
func NewMemoryThrottle(maxAttempts int, window time.Duration) *MemoryThrottle {
	return &MemoryThrottle{
		attempts:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Hit implements LoginThrottle.
func (t *MemoryThrottle) Hit(_ context.Context, key string, now time.Time) (time.Duration, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := PruneAttempts(t.attempts[key], now, t.window)
	if len(recent) >= t.maxAttempts {
		t.attempts[key] = recent
		return RetryAfter(recent, now, t.window), false, nil
	}

	t.attempts[key] = append(recent, now)
	return 0, true, nil
}

// Reset implements LoginThrottle.
func (t *MemoryThrottle) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.attempts, key)
	return nil
}

// Cleanup removes keys with no attempts left in the window
func (t *MemoryThrottle) Cleanup(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, attempts := range t.attempts {
		recent := PruneAttempts(attempts, now, t.window)
		if len(recent) == 0 {
			delete(t.attempts, key)
		} else {
			t.attempts[key] = recent
		}
	}
	return nil
}

// PruneAttempts returns the attempts still inside the window ending at now.
// attempts is ordered oldest first.
func PruneAttempts(attempts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return attempts
	}
	return append([]time.Time(nil), attempts[i:]...)
}

// RetryAfter returns how long until the oldest attempt in recent leaves the window.
func RetryAfter(recent []time.Time, now time.Time, window time.Duration) time.Duration {
	if len(recent) == 0 {
		return 0
	}
	wait := recent[0].Add(window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
