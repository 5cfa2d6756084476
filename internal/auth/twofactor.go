package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"emberly.app/internal/ids"
)

// CodeSender delivers a two-factor code out of band. Delivery transports
// (SMS, email) live outside this service.
type CodeSender interface {
	Send(ctx context.Context, user *User, method, code string) error
}

// Challenger issues and verifies short-lived two-factor codes. Plaintext
// codes are never stored, only their hashes.
type Challenger struct {
	store       Store
	sender      CodeSender
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewChallenger constructs the challenger.
func NewChallenger(store Store, sender CodeSender, ttl time.Duration, maxAttempts int, now func() time.Time) *Challenger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if now == nil {
		now = time.Now
	}
	return &Challenger{store: store, sender: sender, ttl: ttl, maxAttempts: maxAttempts, now: now}
}

// Issue generates a fresh code for the session, persists its hash and
// hands the plaintext to the delivery channel. A new code supersedes any
// outstanding one for the same session.
func (c *Challenger) Issue(ctx context.Context, user *User, session *Session, method string) (*TwoFactorChallenge, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	now := c.now().UTC()
	ch := &TwoFactorChallenge{
		ID:        ids.New(),
		UserID:    user.ID,
		SessionID: session.ID,
		Method:    method,
		CodeHash:  HashToken(code),
		ExpiresAt: now.Add(c.ttl),
		CreatedAt: now,
	}
	if err := c.store.TwoFactor(ctx).Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("persist challenge: %w", err)
	}
	if c.sender != nil {
		if err := c.sender.Send(ctx, user, method, code); err != nil {
			return nil, fmt.Errorf("deliver code: %w", err)
		}
	}
	return ch, nil
}

// Verify checks a submitted code against the session's outstanding
// challenge. The expiry check runs before the hash comparison so an
// expired code is rejected even when it would otherwise match.
func (c *Challenger) Verify(ctx context.Context, sessionID, code string) (*TwoFactorChallenge, error) {
	twofactor := c.store.TwoFactor(ctx)
	ch, err := twofactor.LatestForSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTwoFactorInvalidCode
		}
		return nil, err
	}
	if ch.Consumed {
		return nil, ErrChallengeExpired
	}

	attempts, err := twofactor.IncrementAttempts(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("count challenge attempts: %w", err)
	}
	if attempts > c.maxAttempts {
		return ch, ErrTwoFactorExhausted
	}

	if c.now().After(ch.ExpiresAt) {
		return ch, ErrChallengeExpired
	}
	if subtle.ConstantTimeCompare([]byte(ch.CodeHash), []byte(HashToken(code))) != 1 {
		return ch, ErrTwoFactorInvalidCode
	}
	if err := twofactor.MarkConsumed(ctx, ch.ID, true); err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	return ch, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
