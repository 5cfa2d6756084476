package auth

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter bounds authentication attempts per source IP and per
// account email within a rolling window. Counts derive from append-only
// login_attempts rows, so concurrent requests never under-count.
type RateLimiter struct {
	store  Store
	window time.Duration
	max    int
	now    func() time.Time
}

// NewRateLimiter constructs the limiter with sane fallbacks.
func NewRateLimiter(store Store, window time.Duration, max int, now func() time.Time) *RateLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if max <= 0 {
		max = 10
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{store: store, window: window, max: max, now: now}
}

// Check fails with a RateLimitError (matching ErrRateLimited) when
// either the IP or the email has exhausted its window. Must run before
// any credential comparison.
func (l *RateLimiter) Check(ctx context.Context, email, ip string) error {
	since := l.now().UTC().Add(-l.window)
	attempts := l.store.LoginAttempts(ctx)

	if ip != "" {
		n, err := attempts.CountByIPSince(ctx, ip, since)
		if err != nil {
			return fmt.Errorf("count attempts by ip: %w", err)
		}
		if n >= l.max {
			return &RateLimitError{RetryAfter: l.window}
		}
	}
	if email != "" {
		n, err := attempts.CountByEmailSince(ctx, email, since)
		if err != nil {
			return fmt.Errorf("count attempts by email: %w", err)
		}
		if n >= l.max {
			return &RateLimitError{RetryAfter: l.window}
		}
	}
	return nil
}
