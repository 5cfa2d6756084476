package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender records delivered two-factor codes so tests can replay
// them.
type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(_ context.Context, _ *User, _, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

type fixture struct {
	svc    *Service
	store  *MemStore
	clock  *fakeClock
	sender *captureSender
	hasher *PasswordHasher
}

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse battery staple"
	testIP       = "203.0.113.9"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemStore()
	clock := newFakeClock()
	sender := &captureSender{}
	hasher := NewPasswordHasher(4)

	tokens, err := NewTokenService(store, "test-issuer", "access-secret", "refresh-secret",
		WithTokenClock(clock.Now),
		WithAccessTTL(48*time.Hour),
	)
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		Store:      store,
		Tokens:     tokens,
		Sessions:   NewSessionManager(store, 24*time.Hour, 30*24*time.Hour, clock.Now),
		Devices:    NewDeviceTrustEngine(store, 60, clock.Now),
		Limiter:    NewRateLimiter(store, 15*time.Minute, 10, clock.Now),
		Lockouts:   NewLockoutPolicy(store, 5, 30*time.Minute, clock.Now),
		Challenger: NewChallenger(store, sender, 5*time.Minute, 5, clock.Now),
		Hasher:     hasher,
		Events:     NewRecorder(store, clock.Now),
		Now:        clock.Now,
	})

	f := &fixture{svc: svc, store: store, clock: clock, sender: sender, hasher: hasher}
	f.addUser(t, testEmail, testPassword)
	return f
}

func (f *fixture) addUser(t *testing.T, email, password string) *User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	u := &User{Email: email, PasswordHash: hash, Active: true}
	require.NoError(t, f.store.Users(context.Background()).Create(context.Background(), u))
	return u
}

func (f *fixture) login(t *testing.T, email, password string) (*LoginResult, error) {
	t.Helper()
	return f.svc.Login(context.Background(), LoginInput{
		Email:    email,
		Password: password,
		IP:       testIP,
		Device:   DeviceInfo{Platform: "ios", UserAgent: "emberly/3.1", ClientID: "client-1"},
	})
}

func TestLoginNewDeviceRequiresStepUp(t *testing.T) {
	f := newFixture(t)

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	assert.True(t, res.Requires2FA)
	assert.Equal(t, SessionPending2FA, res.Session.State)
	assert.NotEmpty(t, res.Pair.AccessToken)
	assert.NotEmpty(t, res.Pair.RefreshToken)
	assert.Len(t, f.sender.last(), 6)
	assert.NotEmpty(t, f.store.EventsByType(EventDeviceFirstSeen))
	assert.NotEmpty(t, f.store.EventsByType(EventTwoFactorIssued))
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.login(t, "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	_, err := f.login(t, testEmail, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotEmpty(t, f.store.EventsByType(EventLoginFailed))
}

func TestLockoutAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		_, err := f.login(t, testEmail, "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	require.NotEmpty(t, f.store.EventsByType(EventLockoutTriggered))

	// The gate fires before the password is even checked.
	_, err := f.login(t, testEmail, testPassword)
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Temporary lockouts lapse on their own.
	f.clock.Advance(31 * time.Minute)
	_, err = f.login(t, testEmail, testPassword)
	assert.NoError(t, err)
}

func TestManualLockoutNeedsRelease(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		_, err := f.login(t, testEmail, "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	// Each expired temporary lockout lets one more failure through; the
	// streak keeps growing until the manual escalation at twice the
	// threshold.
	for i := 0; i < 5; i++ {
		f.clock.Advance(31 * time.Minute)
		_, err := f.login(t, testEmail, "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	f.clock.Advance(24 * time.Hour)
	_, err := f.login(t, testEmail, testPassword)
	require.ErrorIs(t, err, ErrAccountLocked, "manual lockout must not expire")

	user, err := f.store.Users(context.Background()).FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReleaseLockout(context.Background(), user.ID, "admin-7"))
	assert.NotEmpty(t, f.store.EventsByType(EventLockoutReleased))

	_, err = f.login(t, testEmail, testPassword)
	assert.NoError(t, err)
}

func TestRateLimitByIP(t *testing.T) {
	f := newFixture(t)

	// Unknown accounts still burn the per-IP budget.
	for i := 0; i < 10; i++ {
		_, err := f.login(t, fmt.Sprintf("ghost%d@example.com", i), "x")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.login(t, testEmail, testPassword)
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 15*time.Minute, rl.RetryAfter)

	// The window slides; the same login works later.
	f.clock.Advance(16 * time.Minute)
	_, err = f.login(t, testEmail, testPassword)
	assert.NoError(t, err)
}

func TestStepUpFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, res.Requires2FA)

	// The login-issued access token is useless until the challenge passes.
	_, _, err = f.svc.Authenticate(ctx, res.Pair.AccessToken)
	require.ErrorIs(t, err, ErrTwoFactorRequired)

	access, _, err := f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	user, session, err := f.svc.Authenticate(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, testEmail, user.Email)
	assert.Equal(t, SessionActive, session.State)
	assert.True(t, session.TwoFactorVerified)
}

func TestTwoFactorWrongCodeThenRight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, "000000")
	require.ErrorIs(t, err, ErrTwoFactorInvalidCode)

	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	assert.NoError(t, err)
}

func TestTwoFactorExhaustionRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, "000000")
		require.ErrorIs(t, err, ErrTwoFactorInvalidCode)
	}
	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, "000000")
	require.ErrorIs(t, err, ErrTwoFactorExhausted)

	// Even the correct code is dead now; the session is gone.
	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	assert.ErrorIs(t, err, ErrSessionTerminated)
	assert.NotEmpty(t, f.store.EventsByType(EventTwoFactorExhausted))
}

func TestTwoFactorExpiredCodeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, res.Pair.RefreshToken, testIP, "agent")
	require.NoError(t, err)
	require.NotEqual(t, res.Pair.RefreshToken, next.RefreshToken)

	// Replay of the rotated-away token is refused.
	_, err = f.svc.Refresh(ctx, res.Pair.RefreshToken, testIP, "agent")
	require.ErrorIs(t, err, ErrRefreshTokenRevoked)
	assert.NotEmpty(t, f.store.EventsByType(EventTokenRotationDenied))

	_, err = f.svc.Refresh(ctx, next.RefreshToken, testIP, "agent")
	assert.NoError(t, err)
}

func TestLogoutKillsSessionAndToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	access, _, err := f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.Pair.RefreshToken))

	_, err = f.svc.Refresh(ctx, res.Pair.RefreshToken, testIP, "agent")
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	_, _, err = f.svc.Authenticate(ctx, access)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestDeviceTrustPromotionSkipsStepUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First login: brand new device, full challenge.
	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, res.Requires2FA)
	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	// Second login from the same device and IP: trust is still below the
	// threshold, so the challenge repeats.
	f.clock.Advance(time.Hour)
	res, err = f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	require.True(t, res.Requires2FA)
	_, _, err = f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	// Third login: the device has earned its way past step-up.
	f.clock.Advance(time.Hour)
	res, err = f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	assert.False(t, res.Requires2FA)
	assert.Equal(t, SessionActive, res.Session.State)

	_, _, err = f.svc.Authenticate(ctx, res.Pair.AccessToken)
	assert.NoError(t, err)
}

func TestSessionListingAndRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	user, err := f.store.Users(ctx).FindByEmail(ctx, testEmail)
	require.NoError(t, err)

	sessions, err := f.svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.Session.ID, sessions[0].ID, "newest first")

	require.NoError(t, f.svc.RevokeSession(ctx, user.ID, first.Session.ID))
	sessions, err = f.svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	// Someone else's session looks like it does not exist.
	other := f.addUser(t, "eve@example.com", "another password")
	err = f.svc.RevokeSession(ctx, other.ID, second.Session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAllForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	access, _, err := f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	user, err := f.store.Users(ctx).FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	require.NoError(t, f.svc.RevokeAllForUser(ctx, user.ID, "credential_compromise"))

	_, err = f.svc.Refresh(ctx, res.Pair.RefreshToken, testIP, "agent")
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
	_, _, err = f.svc.Authenticate(ctx, access)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	assert.NotEmpty(t, f.store.EventsByType(EventTokensRevoked))
}

func TestSessionIdleExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)
	access, _, err := f.svc.VerifyTwoFactor(ctx, res.Session.ID, f.sender.last())
	require.NoError(t, err)

	// The access token outlives the idle window in this fixture, so the
	// failure comes from the session, not the token.
	f.clock.Advance(25 * time.Hour)
	_, _, err = f.svc.Authenticate(ctx, access)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.login(t, testEmail, testPassword)
	require.NoError(t, err)

	const callers = 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(ctx, res.Pair.RefreshToken, testIP, "agent"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrRefreshTokenRevoked) {
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
