package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"emberly.app/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore is a mutex-guarded in-memory Store with the same conditional
// semantics as the Postgres implementation. It backs the test suite and
// the development mode of authd when no DSN is configured.
type MemStore struct {
	mu sync.Mutex

	users      map[string]*User
	tokens     map[string]*RefreshToken
	sessions   map[string]*Session
	devices    map[string]*Device
	attempts   []*LoginAttempt
	lockouts   map[string]*AccountLockout
	challenges map[string]*TwoFactorChallenge
	events     map[string]*SecurityEvent
}

// NewMemStore constructs an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:      make(map[string]*User),
		tokens:     make(map[string]*RefreshToken),
		sessions:   make(map[string]*Session),
		devices:    make(map[string]*Device),
		lockouts:   make(map[string]*AccountLockout),
		challenges: make(map[string]*TwoFactorChallenge),
		events:     make(map[string]*SecurityEvent),
	}
}

func (m *MemStore) Users(context.Context) UserStore                 { return (*memUsers)(m) }
func (m *MemStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memTokens)(m) }
func (m *MemStore) Sessions(context.Context) SessionStore           { return (*memSessions)(m) }
func (m *MemStore) Devices(context.Context) DeviceStore             { return (*memDevices)(m) }
func (m *MemStore) LoginAttempts(context.Context) LoginAttemptStore { return (*memAttempts)(m) }
func (m *MemStore) Lockouts(context.Context) LockoutStore           { return (*memLockouts)(m) }
func (m *MemStore) TwoFactor(context.Context) TwoFactorStore        { return (*memTwoFactor)(m) }
func (m *MemStore) Events(context.Context) EventStore               { return (*memEvents)(m) }

// Users ---------------------------------------------------------------------
type memUsers MemStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) TouchLastActive(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastActive = at
	}
	return nil
}

// Refresh tokens ------------------------------------------------------------
type memTokens MemStore

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

func (m *memTokens) FindByHash(_ context.Context, hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memTokens) MarkRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	return true, nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.Revoked || t.ExpiresAt.Before(before) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// Sessions ------------------------------------------------------------------
type memSessions MemStore

func (m *memSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListActiveForUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) Touch(_ context.Context, id string, lastActivity, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Terminal() {
		return nil
	}
	s.LastActivity = lastActivity
	s.ExpiresAt = expiresAt
	return nil
}

func (m *memSessions) MarkVerified(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != SessionPending2FA {
		return false, nil
	}
	s.State = SessionActive
	s.TwoFactorVerified = true
	s.LastActivity = at
	return true, nil
}

func (m *memSessions) Terminate(_ context.Context, id, state, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Terminal() {
		return false, nil
	}
	s.State = state
	s.TerminationReason = reason
	return true, nil
}

func (m *memSessions) TerminateAllForUser(_ context.Context, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Terminal() {
			s.State = SessionRevoked
			s.TerminationReason = reason
		}
	}
	return nil
}

func (m *memSessions) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if !s.Terminal() && s.ExpiresAt.Before(now) {
			s.State = SessionExpired
			s.TerminationReason = "inactivity"
			n++
		}
	}
	return n, nil
}

// Devices -------------------------------------------------------------------
type memDevices MemStore

func (m *memDevices) Create(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *memDevices) Find(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) FindByFingerprint(_ context.Context, userID, fingerprint string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memDevices) Update(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

// Login attempts ------------------------------------------------------------
type memAttempts MemStore

func (m *memAttempts) Record(_ context.Context, a *LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memAttempts) CountByIPSince(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.IP == ip && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) CountByEmailSince(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Email == email && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) ConsecutiveFailures(_ context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastSuccess time.Time
	for _, a := range m.attempts {
		if a.Email == email && a.Successful && a.AttemptedAt.After(lastSuccess) {
			lastSuccess = a.AttemptedAt
		}
	}
	n := 0
	for _, a := range m.attempts {
		if a.Email == email && !a.Successful && a.AttemptedAt.After(lastSuccess) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var n int64
	for _, a := range m.attempts {
		if a.AttemptedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

// Lockouts ------------------------------------------------------------------
type memLockouts MemStore

func (m *memLockouts) Create(_ context.Context, l *AccountLockout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.lockouts[l.ID] = &cp
	return nil
}

func (m *memLockouts) ActiveForUser(_ context.Context, userID string, now time.Time) (*AccountLockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *AccountLockout
	for _, l := range m.lockouts {
		if l.UserID != userID || !l.Active {
			continue
		}
		if !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || l.LockedAt.After(latest.LockedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memLockouts) Extend(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lockouts[id]; ok && l.Active {
		l.ExpiresAt = expiresAt
	}
	return nil
}

func (m *memLockouts) Release(_ context.Context, id, unlockedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lockouts[id]; ok && l.Active {
		l.Active = false
		l.UnlockedBy = unlockedBy
	}
	return nil
}

func (m *memLockouts) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.lockouts {
		if l.Active && !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(now) {
			l.Active = false
			n++
		}
	}
	return n, nil
}

// Two-factor challenges -------------------------------------------------------
type memTwoFactor MemStore

func (m *memTwoFactor) Create(_ context.Context, c *TwoFactorChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *memTwoFactor) LatestForSession(_ context.Context, sessionID string) (*TwoFactorChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *TwoFactorChallenge
	for _, c := range m.challenges {
		if c.SessionID != sessionID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memTwoFactor) IncrementAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *memTwoFactor) MarkConsumed(_ context.Context, id string, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[id]; ok {
		c.Consumed = true
		c.Succeeded = succeeded
	}
	return nil
}

func (m *memTwoFactor) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.challenges {
		if c.Consumed || c.ExpiresAt.Before(before) {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

// Security events -------------------------------------------------------------
type memEvents MemStore

func (m *memEvents) Append(_ context.Context, e *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEvents) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.Resolved = true
	}
	return nil
}

// EventsByType returns recorded events of one type, oldest first by
// occurrence. Test helper.
func (m *MemStore) EventsByType(eventType string) []*SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SecurityEvent
	for _, e := range m.events {
		if e.Type == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
