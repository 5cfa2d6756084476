package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"emberly.app/internal/ids"
	"emberly.app/internal/obs"
)

// Service is the façade request handlers talk to. It wires the login,
// refresh, logout and step-up flows through the rate limiter, lockout
// policy, device trust engine, session manager and token service, and
// records a security event on every branch.
type Service struct {
	store      Store
	tokens     *TokenService
	sessions   *SessionManager
	devices    *DeviceTrustEngine
	limiter    *RateLimiter
	lockouts   *LockoutPolicy
	challenger *Challenger
	hasher     *PasswordHasher
	events     *Recorder
	now        func() time.Time
}

// ServiceParams bundles the collaborators of Service.
type ServiceParams struct {
	Store      Store
	Tokens     *TokenService
	Sessions   *SessionManager
	Devices    *DeviceTrustEngine
	Limiter    *RateLimiter
	Lockouts   *LockoutPolicy
	Challenger *Challenger
	Hasher     *PasswordHasher
	Events     *Recorder
	Now        func() time.Time
}

// NewService constructs the façade.
func NewService(p ServiceParams) *Service {
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		store:      p.Store,
		tokens:     p.Tokens,
		sessions:   p.Sessions,
		devices:    p.Devices,
		limiter:    p.Limiter,
		lockouts:   p.Lockouts,
		challenger: p.Challenger,
		hasher:     p.Hasher,
		events:     p.Events,
		now:        p.Now,
	}
}

// LoginInput describes one authentication attempt.
type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
	Device    DeviceInfo
}

// LoginResult is returned on successful authentication. When Requires2FA
// is set the session is pending and the access token is rejected by
// protected endpoints until the challenge is passed.
type LoginResult struct {
	Pair        TokenPair
	Session     *Session
	Requires2FA bool
}

// Login runs the full authentication gauntlet: lockout gate, rate
// limits, credential check, device trust, session creation and token
// issuance. Order matters; see the component docs.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find user: %w", err)
	}

	// Lockout is checked before the password is ever compared so a
	// locked response cannot leak credential validity.
	if user != nil {
		if err := s.lockouts.Check(ctx, user.ID); err != nil {
			if errors.Is(err, ErrAccountLocked) {
				s.events.Record(ctx, EventLoginLockedOut, SeverityWarning, user.ID, map[string]string{"ip": in.IP})
				obs.ObserveLogin("locked")
			}
			return nil, err
		}
	}

	if err := s.limiter.Check(ctx, email, in.IP); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.events.Record(ctx, EventLoginRateLimited, SeverityWarning, userID(user), map[string]string{
				"ip":    in.IP,
				"email": email,
			})
			obs.ObserveLogin("rate_limited")
		}
		return nil, err
	}

	if user == nil || !user.Active {
		if err := s.recordAttempt(ctx, email, in.IP, false); err != nil {
			return nil, err
		}
		s.events.Record(ctx, EventLoginFailed, SeverityInfo, userID(user), map[string]string{
			"ip":     in.IP,
			"email":  email,
			"reason": "unknown or inactive account",
		})
		obs.ObserveLogin("denied")
		return nil, ErrInvalidCredentials
	}

	if err := s.hasher.Verify(user.PasswordHash, in.Password); err != nil {
		if err := s.recordAttempt(ctx, email, in.IP, false); err != nil {
			return nil, err
		}
		lock, lerr := s.lockouts.RegisterFailure(ctx, user.ID, email)
		if lerr != nil {
			return nil, lerr
		}
		if lock != nil {
			s.events.Record(ctx, EventLockoutTriggered, SeverityCritical, user.ID, map[string]string{
				"lockout_id": lock.ID,
				"type":       lock.Type,
				"reason":     lock.Reason,
			})
			obs.ObserveLockout()
		}
		s.events.Record(ctx, EventLoginFailed, SeverityInfo, user.ID, map[string]string{
			"ip":     in.IP,
			"reason": "password mismatch",
		})
		obs.ObserveLogin("denied")
		return nil, ErrInvalidCredentials
	}

	// A success row breaks the consecutive-failure streak.
	if err := s.recordAttempt(ctx, email, in.IP, true); err != nil {
		return nil, err
	}

	device, firstSeen, err := s.devices.Observe(ctx, user.ID, in.Device, in.IP)
	if err != nil {
		return nil, err
	}
	if firstSeen {
		s.events.Record(ctx, EventDeviceFirstSeen, SeverityWarning, user.ID, map[string]string{
			"device_id":   device.ID,
			"fingerprint": device.Fingerprint,
			"ip":          in.IP,
		})
	}

	session, err := s.sessions.Create(ctx, user, device, in.IP)
	if err != nil {
		return nil, err
	}
	s.events.Record(ctx, EventSessionCreated, SeverityInfo, user.ID, map[string]string{
		"session_id": session.ID,
		"device_id":  device.ID,
		"state":      session.State,
	})

	if session.Requires2FA {
		if _, err := s.challenger.Issue(ctx, user, session, "email"); err != nil {
			return nil, err
		}
		s.events.Record(ctx, EventTwoFactorIssued, SeverityInfo, user.ID, map[string]string{
			"session_id": session.ID,
		})
	}

	pair, err := s.tokens.Issue(ctx, user, session, in.IP, in.UserAgent)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, EventLoginSucceeded, SeverityInfo, user.ID, map[string]string{
		"ip":         in.IP,
		"session_id": session.ID,
	})
	obs.ObserveLogin("ok")

	return &LoginResult{Pair: pair, Session: session, Requires2FA: session.Requires2FA}, nil
}

// Refresh rotates a refresh token into a new pair and slides the owning
// session's activity window.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (TokenPair, error) {
	pair, session, err := s.tokens.Rotate(ctx, refreshToken, ip, userAgent)
	if err != nil {
		if CodeOf(err) != "" {
			s.events.Record(ctx, EventTokenRotationDenied, SeverityWarning, "", map[string]string{
				"ip":   ip,
				"code": CodeOf(err),
			})
			obs.ObserveRotation("denied")
		}
		return TokenPair{}, err
	}
	if err := s.sessions.Touch(ctx, session); err != nil {
		return TokenPair{}, err
	}
	s.events.Record(ctx, EventTokenRotated, SeverityInfo, session.UserID, map[string]string{
		"session_id": session.ID,
		"ip":         ip,
	})
	obs.ObserveRotation("ok")
	return pair, nil
}

// Logout revokes the presented refresh token and terminates its session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	rec, _, err := s.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, rec.SessionID, "logout"); err != nil {
		return err
	}
	s.events.Record(ctx, EventSessionRevoked, SeverityInfo, rec.UserID, map[string]string{
		"session_id": rec.SessionID,
		"reason":     "logout",
	})
	return nil
}

// Authenticate resolves a bearer access token into a user and a live
// session. Sessions pending step-up verification reject protected
// operations with ErrTwoFactorRequired.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, *Session, error) {
	user, claims, err := s.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.sessions.Find(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrSessionTerminated
		}
		return nil, nil, err
	}
	if session.Terminal() {
		return nil, nil, ErrSessionTerminated
	}
	if session.Requires2FA && !session.TwoFactorVerified {
		return nil, nil, ErrTwoFactorRequired
	}
	if err := s.sessions.Touch(ctx, session); err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// VerifyTwoFactor elevates a pending session with a delivered code and
// returns a fresh access token for it.
func (s *Service) VerifyTwoFactor(ctx context.Context, sessionID, code string) (string, time.Time, error) {
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrSessionTerminated
		}
		return "", time.Time{}, err
	}
	if session.Terminal() {
		return "", time.Time{}, ErrSessionTerminated
	}

	_, err = s.challenger.Verify(ctx, sessionID, code)
	switch {
	case errors.Is(err, ErrTwoFactorExhausted):
		if err := s.sessions.Revoke(ctx, session.ID, "2fa_exhausted"); err != nil {
			return "", time.Time{}, err
		}
		if err := s.devices.PenalizeFailedVerification(ctx, session.DeviceID); err != nil {
			return "", time.Time{}, err
		}
		s.events.Record(ctx, EventTwoFactorExhausted, SeverityCritical, session.UserID, map[string]string{
			"session_id": session.ID,
		})
		obs.ObserveTwoFactor("exhausted")
		return "", time.Time{}, ErrTwoFactorExhausted
	case errors.Is(err, ErrTwoFactorInvalidCode):
		if err := s.devices.PenalizeFailedVerification(ctx, session.DeviceID); err != nil {
			return "", time.Time{}, err
		}
		s.events.Record(ctx, EventTwoFactorFailed, SeverityWarning, session.UserID, map[string]string{
			"session_id": session.ID,
			"reason":     "code mismatch",
		})
		obs.ObserveTwoFactor("invalid")
		return "", time.Time{}, ErrTwoFactorInvalidCode
	case errors.Is(err, ErrChallengeExpired):
		s.events.Record(ctx, EventTwoFactorFailed, SeverityWarning, session.UserID, map[string]string{
			"session_id": session.ID,
			"reason":     "challenge expired",
		})
		obs.ObserveTwoFactor("expired")
		return "", time.Time{}, ErrChallengeExpired
	case err != nil:
		return "", time.Time{}, err
	}

	if err := s.sessions.MarkVerified(ctx, session); err != nil {
		return "", time.Time{}, err
	}
	if err := s.devices.RewardVerification(ctx, session.DeviceID); err != nil {
		return "", time.Time{}, err
	}

	user, err := s.store.Users(ctx).Find(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrUserNotFound
		}
		return "", time.Time{}, err
	}
	access, expiresAt, err := s.tokens.IssueAccess(ctx, user, session)
	if err != nil {
		return "", time.Time{}, err
	}

	s.events.Record(ctx, EventTwoFactorVerified, SeverityInfo, session.UserID, map[string]string{
		"session_id": session.ID,
	})
	obs.ObserveTwoFactor("ok")
	return access, expiresAt, nil
}

// Sessions lists the caller's live sessions, newest first.
func (s *Service) Sessions(ctx context.Context, uid string) ([]*Session, error) {
	return s.store.Sessions(ctx).ListActiveForUser(ctx, uid)
}

// RevokeSession terminates one of the caller's own sessions, for example
// when signing out a lost device. A session belonging to another user is
// reported as not found.
func (s *Service) RevokeSession(ctx context.Context, uid, sessionID string) error {
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != uid {
		return ErrNotFound
	}
	if session.Terminal() {
		return ErrSessionTerminated
	}
	if err := s.sessions.Revoke(ctx, session.ID, "user_revoked"); err != nil {
		return err
	}
	s.events.Record(ctx, EventSessionRevoked, SeverityInfo, uid, map[string]string{
		"session_id": session.ID,
		"reason":     "user_revoked",
	})
	return nil
}

// RevokeAllForUser is the compromise response: every refresh token and
// session of the user dies at once.
func (s *Service) RevokeAllForUser(ctx context.Context, uid, reason string) error {
	if err := s.tokens.RevokeAll(ctx, uid); err != nil {
		return err
	}
	if err := s.sessions.RevokeAllForUser(ctx, uid, reason); err != nil {
		return err
	}
	s.events.Record(ctx, EventTokensRevoked, SeverityCritical, uid, map[string]string{"reason": reason})
	return nil
}

// ReleaseLockout lets an administrator unlock an account.
func (s *Service) ReleaseLockout(ctx context.Context, uid, unlockedBy string) error {
	if err := s.lockouts.Unlock(ctx, uid, unlockedBy); err != nil {
		return err
	}
	s.events.Record(ctx, EventLockoutReleased, SeverityInfo, uid, map[string]string{
		"unlocked_by": unlockedBy,
	})
	return nil
}

func (s *Service) recordAttempt(ctx context.Context, email, ip string, successful bool) error {
	a := &LoginAttempt{
		ID:          ids.New(),
		Email:       email,
		IP:          ip,
		Successful:  successful,
		AttemptedAt: s.now().UTC(),
	}
	if err := s.store.LoginAttempts(ctx).Record(ctx, a); err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

func userID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
