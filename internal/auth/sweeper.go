package auth

import (
	"context"
	"time"

	"emberly.app/internal/obs"
)

const attemptRetention = 30 * 24 * time.Hour

// Sweeper periodically removes rows that can no longer influence any
// decision: expired or revoked refresh tokens, expired challenges and
// stale login attempts. It also expires overdue sessions and lockouts.
// Every pass is idempotent, so it is safe next to live traffic and next
// to other sweeper instances.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper constructs the sweeper.
func NewSweeper(store Store, interval time.Duration, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, interval: interval, now: now}
}

// Run blocks until ctx is canceled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes a single cleanup pass. Errors are logged and skipped;
// the next pass retries naturally.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()

	if n, err := s.store.Sessions(ctx).ExpireOverdue(ctx, now); err != nil {
		s.logErr("expire sessions", err)
	} else if n > 0 {
		s.logSwept("sessions_expired", n)
	}
	if n, err := s.store.Lockouts(ctx).ExpireOverdue(ctx, now); err != nil {
		s.logErr("expire lockouts", err)
	} else if n > 0 {
		s.logSwept("lockouts_expired", n)
	}
	if n, err := s.store.RefreshTokens(ctx).DeleteExpired(ctx, now); err != nil {
		s.logErr("delete refresh tokens", err)
	} else if n > 0 {
		s.logSwept("refresh_tokens_deleted", n)
	}
	if n, err := s.store.TwoFactor(ctx).DeleteExpired(ctx, now); err != nil {
		s.logErr("delete challenges", err)
	} else if n > 0 {
		s.logSwept("challenges_deleted", n)
	}
	if n, err := s.store.LoginAttempts(ctx).DeleteBefore(ctx, now.Add(-attemptRetention)); err != nil {
		s.logErr("delete login attempts", err)
	} else if n > 0 {
		s.logSwept("login_attempts_deleted", n)
	}
}

func (s *Sweeper) logErr(op string, err error) {
	obs.LogJSON(map[string]any{"level": "error", "msg": "sweep failed", "op": op, "error": err.Error()})
}

func (s *Sweeper) logSwept(kind string, n int64) {
	obs.LogJSON(map[string]any{"level": "info", "msg": "sweep", kind: n})
}
