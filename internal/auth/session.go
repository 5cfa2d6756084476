package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"emberly.app/internal/ids"
)

// SessionManager creates sessions and drives their state machine.
type SessionManager struct {
	store   Store
	idleTTL time.Duration
	maxTTL  time.Duration
	now     func() time.Time
}

// NewSessionManager constructs the manager. idleTTL slides on activity;
// maxTTL is the hard ceiling measured from session creation.
func NewSessionManager(store Store, idleTTL, maxTTL time.Duration, now func() time.Time) *SessionManager {
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	if maxTTL <= 0 {
		maxTTL = 30 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{store: store, idleTTL: idleTTL, maxTTL: maxTTL, now: now}
}

// Create opens a session for a login from the given device. Untrusted
// devices start in pending_2fa and must pass step-up verification.
func (m *SessionManager) Create(ctx context.Context, user *User, device *Device, ip string) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:           ids.New(),
		UserID:       user.ID,
		DeviceID:     device.ID,
		Token:        uuid.NewString(),
		IP:           ip,
		Requires2FA:  !device.Trusted,
		State:        SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.idleTTL),
	}
	if s.Requires2FA {
		s.State = SessionPending2FA
	}
	if err := m.store.Sessions(ctx).Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// Find loads a session, lazily expiring it when its window has lapsed.
func (m *SessionManager) Find(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Sessions(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Terminal() && m.now().After(s.ExpiresAt) {
		if _, err := m.store.Sessions(ctx).Terminate(ctx, s.ID, SessionExpired, "inactivity"); err != nil {
			return nil, err
		}
		s.State = SessionExpired
		s.TerminationReason = "inactivity"
	}
	return s, nil
}

// Touch refreshes last_activity and slides the expiry window, capped at
// the hard ceiling from created_at so a session cannot live forever.
func (m *SessionManager) Touch(ctx context.Context, s *Session) error {
	if s.Terminal() {
		return ErrSessionTerminated
	}
	now := m.now().UTC()
	expires := now.Add(m.idleTTL)
	if ceiling := s.CreatedAt.Add(m.maxTTL); expires.After(ceiling) {
		expires = ceiling
	}
	if err := m.store.Sessions(ctx).Touch(ctx, s.ID, now, expires); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	s.LastActivity = now
	s.ExpiresAt = expires
	return nil
}

// MarkVerified elevates a pending_2fa session to active.
func (m *SessionManager) MarkVerified(ctx context.Context, s *Session) error {
	ok, err := m.store.Sessions(ctx).MarkVerified(ctx, s.ID, m.now().UTC())
	if err != nil {
		return fmt.Errorf("mark session verified: %w", err)
	}
	if !ok {
		return ErrSessionTerminated
	}
	s.State = SessionActive
	s.TwoFactorVerified = true
	return nil
}

// Revoke terminates a session. Safe to call on an already-terminal
// session; the transition simply does not happen twice.
func (m *SessionManager) Revoke(ctx context.Context, sessionID, reason string) error {
	_, err := m.store.Sessions(ctx).Terminate(ctx, sessionID, SessionRevoked, reason)
	return err
}

// RevokeAllForUser terminates every live session of a user.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	return m.store.Sessions(ctx).TerminateAllForUser(ctx, userID, reason)
}
