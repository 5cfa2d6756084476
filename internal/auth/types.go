package auth

import "time"

// User is owned by the wider profile system; the auth core reads the
// active flag and password hash and only ever writes last_active.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	LastActive   time.Time
	CreatedAt    time.Time
}

// Session state machine values. Terminal states never re-enter active.
const (
	SessionPending2FA = "pending_2fa"
	SessionActive     = "active"
	SessionExpired    = "expired"
	SessionRevoked    = "revoked"
)

// Session tracks a logged-in device until it expires or is revoked.
type Session struct {
	ID                string
	UserID            string
	DeviceID          string
	Token             string
	IP                string
	Requires2FA       bool
	TwoFactorVerified bool
	State             string
	CreatedAt         time.Time
	LastActivity      time.Time
	ExpiresAt         time.Time
	TerminationReason string
}

// Terminal reports whether the session can never become active again.
func (s *Session) Terminal() bool {
	return s.State == SessionExpired || s.State == SessionRevoked
}

// RefreshToken is the persisted half of a token pair. Only the SHA-256
// hash of the signed token is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	SessionID string
	TokenHash string
	IssuedIP  string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// Device is one fingerprinted client of a user.
type Device struct {
	ID          string
	UserID      string
	Fingerprint string
	TrustScore  int
	Trusted     bool
	LastIP      string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// DeviceInfo is the raw client description supplied at login.
type DeviceInfo struct {
	Platform  string
	UserAgent string
	ClientID  string
}

// LoginAttempt rows are append-only and drive both rate limiting and
// lockout escalation.
type LoginAttempt struct {
	ID          string
	Email       string
	IP          string
	Successful  bool
	AttemptedAt time.Time
}

// Lockout types.
const (
	LockoutTemporary = "temporary"
	LockoutManual    = "manual"
)

// AccountLockout denies login for a user until it expires or an admin
// releases it. ExpiresAt is zero for manual lockouts.
type AccountLockout struct {
	ID         string
	UserID     string
	Type       string
	Reason     string
	LockedAt   time.Time
	ExpiresAt  time.Time
	Active     bool
	LockedBy   string
	UnlockedBy string
}

// Severity levels for security events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent is an append-only audit record. UserID may be empty when
// the actor could not be identified (e.g. unknown email).
type SecurityEvent struct {
	ID         string
	UserID     string
	Type       string
	Severity   string
	Fields     map[string]string
	Resolved   bool
	OccurredAt time.Time
}

// TwoFactorChallenge is an outstanding out-of-band code. Only the hash is
// stored; Attempts counts verification tries against this code.
type TwoFactorChallenge struct {
	ID        string
	UserID    string
	SessionID string
	Method    string
	CodeHash  string
	Attempts  int
	Consumed  bool
	Succeeded bool
	ExpiresAt time.Time
	CreatedAt time.Time
}
