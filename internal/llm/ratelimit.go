package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a requests-per-minute ceiling across all workers
// sharing the same instance. It keeps a sliding window of admission
// timestamps guarded by a single mutex; there is no ambient global state,
// so callers construct one limiter and hand it to every client.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter creates a limiter admitting at most limit requests per
// rolling 60-second window. A non-positive limit disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// reserve either admits a request at the given time and returns zero, or
// returns how long the caller must wait for the oldest admission to leave
// the window.
func (l *RateLimiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	l.times = append(l.times[:0], l.times[i:]...)

	if l.limit > 0 && len(l.times) >= l.limit {
		return l.window - now.Sub(l.times[0])
	}

	l.times = append(l.times, now)
	return 0
}

// Wait blocks until the request is admitted or the context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := l.reserve(l.now())
		if d <= 0 {
			return nil
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
}
