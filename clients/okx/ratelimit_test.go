package okx

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterSpacesRequests(t *testing.T) {
	rl := newRateLimiter(20) // 50ms interval

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First request is immediate, the next two wait ~50ms each.
	if elapsed < 90*time.Millisecond {
		t.Errorf("three requests completed too fast: %v", elapsed)
	}
}

func TestRateLimiterCancelledContext(t *testing.T) {
	rl := newRateLimiter(1) // 1s interval

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected a context error while waiting")
	}
}

func TestRateLimiterZeroRate(t *testing.T) {
	rl := newRateLimiter(0)
	if rl.interval != time.Second {
		t.Errorf("zero rate must clamp to 1 rps, got %v", rl.interval)
	}
}
