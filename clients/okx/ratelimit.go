package okx

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a minimum interval between outgoing requests. Requests
// that would exceed the budget wait rather than fail; a cancelled context
// aborts the wait.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newRateLimiter(requestsPerSec int) *rateLimiter {
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	return &rateLimiter{
		interval: time.Second / time.Duration(requestsPerSec),
	}
}

func (r *rateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	next := r.last.Add(r.interval)
	if next.Before(now) {
		next = now
	}
	r.last = next
	r.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
