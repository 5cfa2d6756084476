package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Both the Postgres and the in-memory implementation guarantee that the
// conditional mutations below are atomic at the store level.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Sessions(ctx context.Context) SessionStore
	Devices(ctx context.Context) DeviceStore
	LoginAttempts(ctx context.Context) LoginAttemptStore
	Lockouts(ctx context.Context) LockoutStore
	TwoFactor(ctx context.Context) TwoFactorStore
	Events(ctx context.Context) EventStore
}

// UserStore reads the user records owned by the profile system.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	TouchLastActive(ctx context.Context, id string, at time.Time) error
}

// RefreshTokenStore manages the durable half of token pairs.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// MarkRevoked revokes the token only if it is still live and reports
	// whether this call performed the revocation. Exactly one concurrent
	// caller observes true.
	MarkRevoked(ctx context.Context, id string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionStore manages session lifecycle. Transitions out of a terminal
// state are rejected at the store level.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// ListActiveForUser returns the user's non-terminal sessions, newest
	// first.
	ListActiveForUser(ctx context.Context, userID string) ([]*Session, error)
	Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error
	// MarkVerified moves pending_2fa to active; reports whether the
	// transition happened.
	MarkVerified(ctx context.Context, id string, at time.Time) (bool, error)
	// Terminate moves a non-terminal session to expired or revoked.
	Terminate(ctx context.Context, id, state, reason string) (bool, error)
	TerminateAllForUser(ctx context.Context, userID, reason string) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// DeviceStore tracks fingerprinted clients per user.
type DeviceStore interface {
	Create(ctx context.Context, d *Device) error
	Find(ctx context.Context, id string) (*Device, error)
	FindByFingerprint(ctx context.Context, userID, fingerprint string) (*Device, error)
	Update(ctx context.Context, d *Device) error
}

// LoginAttemptStore appends attempts and answers windowed counts. Rows
// are never mutated.
type LoginAttemptStore interface {
	Record(ctx context.Context, a *LoginAttempt) error
	CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error)
	// ConsecutiveFailures counts failed attempts for an email since the
	// most recent success.
	ConsecutiveFailures(ctx context.Context, email string) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockoutStore manages account lockouts.
type LockoutStore interface {
	Create(ctx context.Context, l *AccountLockout) error
	// ActiveForUser returns the active lockout or ErrNotFound. An expired
	// temporary lockout is not returned.
	ActiveForUser(ctx context.Context, userID string, now time.Time) (*AccountLockout, error)
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Release(ctx context.Context, id, unlockedBy string) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// TwoFactorStore manages outstanding challenges.
type TwoFactorStore interface {
	Create(ctx context.Context, c *TwoFactorChallenge) error
	// LatestForSession returns the newest challenge for a session or
	// ErrNotFound.
	LatestForSession(ctx context.Context, sessionID string) (*TwoFactorChallenge, error)
	// IncrementAttempts bumps the attempt counter atomically and returns
	// the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkConsumed(ctx context.Context, id string, succeeded bool) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EventStore appends immutable security events.
type EventStore interface {
	Append(ctx context.Context, e *SecurityEvent) error
	Resolve(ctx context.Context, id string) error
}
