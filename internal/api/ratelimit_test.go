//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("vis_a") || !rl.Allow("vis_a") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("vis_a") {
		t.Fatal("third request inside the window should be denied")
	}
	if !rl.Allow("vis_b") {
		t.Fatal("limits are per key")
	}
	if got := rl.RetryAfter("vis_a"); got != time.Minute {
		t.Fatalf("RetryAfter() = %v, want 1m", got)
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("vis_a") {
		t.Fatal("request after the window should be allowed")
	}
	if got := rl.RetryAfter("vis_b"); got != 0 {
		t.Fatalf("RetryAfter() = %v, want 0", got)
	}
}

func TestRateLimiterEvictsExpiredKeys(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("vis_a")
	rl.Allow("vis_b")

	now = now.Add(2 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.requests) != 0 {
		t.Fatalf("requests = %v, want empty after eviction", rl.requests)
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Stop()
	rl.Stop()
}
