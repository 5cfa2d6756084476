package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"emberly.app/internal/ids"
)

// LockoutPolicy escalates repeated credential failures into a time-boxed
// or admin-controlled account lock.
type LockoutPolicy struct {
	store     Store
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// NewLockoutPolicy constructs the policy. threshold failures trip a
// temporary lockout; twice the threshold escalates to a manual one.
func NewLockoutPolicy(store Store, threshold int, duration time.Duration, now func() time.Time) *LockoutPolicy {
	if threshold <= 0 {
		threshold = 5
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &LockoutPolicy{store: store, threshold: threshold, duration: duration, now: now}
}

// Check is the very first gate of the login path: it fails with
// ErrAccountLocked before any password comparison so timing does not
// leak credential validity.
func (p *LockoutPolicy) Check(ctx context.Context, userID string) error {
	_, err := p.store.Lockouts(ctx).ActiveForUser(ctx, userID, p.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lockout lookup: %w", err)
	}
	return ErrAccountLocked
}

// RegisterFailure inspects the consecutive-failure streak after a failed
// credential check and creates or extends a lockout when the threshold is
// reached. Returns the lockout when one is active afterwards.
func (p *LockoutPolicy) RegisterFailure(ctx context.Context, userID, email string) (*AccountLockout, error) {
	streak, err := p.store.LoginAttempts(ctx).ConsecutiveFailures(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("consecutive failures: %w", err)
	}
	if streak < p.threshold {
		return nil, nil
	}

	now := p.now().UTC()
	typ := LockoutTemporary
	if streak >= 2*p.threshold {
		typ = LockoutManual
	}

	lockouts := p.store.Lockouts(ctx)
	existing, err := lockouts.ActiveForUser(ctx, userID, now)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lockout lookup: %w", err)
	}
	if existing != nil && existing.Type == typ {
		// Idempotent re-trigger: extend instead of duplicating.
		if typ == LockoutTemporary {
			existing.ExpiresAt = now.Add(p.duration)
			if err := lockouts.Extend(ctx, existing.ID, existing.ExpiresAt); err != nil {
				return nil, fmt.Errorf("extend lockout: %w", err)
			}
		}
		return existing, nil
	}

	lock := &AccountLockout{
		ID:       ids.New(),
		UserID:   userID,
		Type:     typ,
		Reason:   fmt.Sprintf("%d consecutive failed login attempts", streak),
		LockedAt: now,
		Active:   true,
		LockedBy: "system",
	}
	if typ == LockoutTemporary {
		lock.ExpiresAt = now.Add(p.duration)
	}
	if err := lockouts.Create(ctx, lock); err != nil {
		return nil, fmt.Errorf("create lockout: %w", err)
	}
	return lock, nil
}

// Unlock releases an active lockout on behalf of an administrator.
func (p *LockoutPolicy) Unlock(ctx context.Context, userID, unlockedBy string) error {
	lock, err := p.store.Lockouts(ctx).ActiveForUser(ctx, userID, p.now().UTC())
	if err != nil {
		return err
	}
	return p.store.Lockouts(ctx).Release(ctx, lock.ID, unlockedBy)
}
