package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordAttempts(t *testing.T, store *MemStore, clock *fakeClock, email, ip string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := store.LoginAttempts(ctx).Record(ctx, &LoginAttempt{
			ID: attemptID(i), Email: email, IP: ip, AttemptedAt: clock.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}
}

func attemptID(i int) string { return string(rune('a' + i)) }

func TestRateLimitPerIP(t *testing.T) {
	store := NewMemStore()
	clock := newFakeClock()
	lim := NewRateLimiter(store, 15*time.Minute, 3, clock.Now)
	ctx := context.Background()

	recordAttempts(t, store, clock, "a@example.com", "192.0.2.1", 3)

	// Any email from the saturated IP is limited.
	err := lim.Check(ctx, "b@example.com", "192.0.2.1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 15*time.Minute {
		t.Fatalf("expected retry-after hint of the window, got %+v", rl)
	}

	// A different IP is unaffected.
	if err := lim.Check(ctx, "b@example.com", "198.51.100.7"); err != nil {
		t.Fatalf("unrelated ip limited: %v", err)
	}
}

func TestRateLimitPerEmail(t *testing.T) {
	store := NewMemStore()
	clock := newFakeClock()
	lim := NewRateLimiter(store, 15*time.Minute, 3, clock.Now)
	ctx := context.Background()

	// Same account hammered from three different IPs.
	for i := 0; i < 3; i++ {
		err := store.LoginAttempts(ctx).Record(ctx, &LoginAttempt{
			ID: attemptID(i), Email: "a@example.com", IP: attemptID(i), AttemptedAt: clock.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	if err := lim.Check(ctx, "a@example.com", "203.0.113.50"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	store := NewMemStore()
	clock := newFakeClock()
	lim := NewRateLimiter(store, 15*time.Minute, 3, clock.Now)
	ctx := context.Background()

	recordAttempts(t, store, clock, "a@example.com", "192.0.2.1", 3)

	clock.Advance(16 * time.Minute)
	if err := lim.Check(ctx, "a@example.com", "192.0.2.1"); err != nil {
		t.Fatalf("stale attempts must fall out of the window: %v", err)
	}
}
