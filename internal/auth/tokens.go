package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"emberly.app/internal/ids"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims carried by both access and refresh tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TokenType string `json:"token_type"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is the result of issuance or rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenService issues, verifies and rotates access/refresh token pairs.
// Access tokens are stateless; refresh tokens are persisted by hash so a
// stolen database cannot replay them.
type TokenService struct {
	store         Store
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenService) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// NewTokenService constructs a TokenService. The two secrets must differ;
// a refresh token must never validate as an access token.
func NewTokenService(store Store, issuer, accessSecret, refreshSecret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(accessSecret) == "" || strings.TrimSpace(refreshSecret) == "" {
		return nil, errors.New("auth: token secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	t := &TokenService{
		store:         store,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
		accessTTL:     24 * time.Hour,
		refreshTTL:    30 * 24 * time.Hour,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// HashToken returns the hex SHA-256 digest under which refresh tokens are
// persisted and looked up.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue signs a fresh access/refresh pair bound to the session and
// persists the refresh half.
func (t *TokenService) Issue(ctx context.Context, user *User, session *Session, ip, userAgent string) (TokenPair, error) {
	now := t.now().UTC()
	accessExp := now.Add(t.accessTTL)
	refreshExp := now.Add(t.refreshTTL)

	access, err := t.sign(Claims{
		UserID:    user.ID,
		Email:     user.Email,
		TokenType: tokenTypeAccess,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        ids.New(),
		},
	}, t.accessSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	jti := ids.New()
	refresh, err := t.sign(Claims{
		UserID:    user.ID,
		Email:     user.Email,
		TokenType: tokenTypeRefresh,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        jti,
		},
	}, t.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	rec := &RefreshToken{
		ID:        jti,
		UserID:    user.ID,
		SessionID: session.ID,
		TokenHash: HashToken(refresh),
		IssuedIP:  ip,
		UserAgent: userAgent,
		ExpiresAt: refreshExp,
		CreatedAt: now,
	}
	if err := t.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IssueAccess signs a fresh access token only, used after step-up
// verification when the refresh half from login is still valid.
func (t *TokenService) IssueAccess(ctx context.Context, user *User, session *Session) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.accessTTL)
	access, err := t.sign(Claims{
		UserID:    user.ID,
		Email:     user.Email,
		TokenType: tokenTypeAccess,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}, t.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return access, exp, nil
}

// VerifyAccess validates an access token and returns the owning user.
// Bumps last_active on success.
func (t *TokenService) VerifyAccess(ctx context.Context, token string) (*User, *Claims, error) {
	claims, err := t.parse(token, t.accessSecret)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, nil, ErrTokenTypeMismatch
	}
	user, err := t.store.Users(ctx).Find(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, ErrUserNotFound
	}
	if err := t.store.Users(ctx).TouchLastActive(ctx, user.ID, t.now().UTC()); err != nil {
		return nil, nil, fmt.Errorf("touch last_active: %w", err)
	}
	return user, claims, nil
}

// Rotate exchanges a valid refresh token for a new pair, revoking the old
// row first. The conditional revoke guarantees a token rotates exactly
// once even under concurrent calls.
func (t *TokenService) Rotate(ctx context.Context, refreshToken, ip, userAgent string) (TokenPair, *Session, error) {
	claims, err := t.parse(refreshToken, t.refreshSecret)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return TokenPair{}, nil, ErrRefreshTokenRevoked
		}
		return TokenPair{}, nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return TokenPair{}, nil, ErrTokenTypeMismatch
	}

	tokens := t.store.RefreshTokens(ctx)
	rec, err := tokens.FindByHash(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshTokenRevoked
		}
		return TokenPair{}, nil, err
	}
	if rec.Revoked || t.now().After(rec.ExpiresAt) {
		return TokenPair{}, nil, ErrRefreshTokenRevoked
	}

	session, err := t.store.Sessions(ctx).Find(ctx, rec.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshTokenRevoked
		}
		return TokenPair{}, nil, err
	}
	if session.Terminal() {
		return TokenPair{}, nil, ErrRefreshTokenRevoked
	}

	user, err := t.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrUserNotFound
		}
		return TokenPair{}, nil, err
	}
	if !user.Active {
		return TokenPair{}, nil, ErrUserNotFound
	}

	// The single-use guard: only the caller that flips is_revoked wins.
	revoked, err := tokens.MarkRevoked(ctx, rec.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !revoked {
		return TokenPair{}, nil, ErrRefreshTokenRevoked
	}

	pair, err := t.Issue(ctx, user, session, ip, userAgent)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, session, nil
}

// Revoke marks the refresh token row behind the presented token revoked.
// Reports whether this call performed the revocation.
func (t *TokenService) Revoke(ctx context.Context, refreshToken string) (*RefreshToken, bool, error) {
	rec, err := t.store.RefreshTokens(ctx).FindByHash(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrRefreshTokenRevoked
		}
		return nil, false, err
	}
	done, err := t.store.RefreshTokens(ctx).MarkRevoked(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return rec, done, nil
}

// RevokeAll revokes every live refresh token of a user.
func (t *TokenService) RevokeAll(ctx context.Context, userID string) error {
	return t.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID)
}

func (t *TokenService) sign(claims Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (t *TokenService) parse(token string, secret []byte) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidTokenFormat
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidTokenFormat
	}
	if !parsed.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidTokenFormat
	}
	if t.issuer != "" && claims.Issuer != t.issuer {
		return nil, ErrInvalidTokenFormat
	}
	return claims, nil
}
