package auth

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("auth: not found")

	ErrMissingToken         = errors.New("auth: missing token")
	ErrInvalidTokenFormat   = errors.New("auth: invalid token format")
	ErrTokenExpired         = errors.New("auth: token expired")
	ErrTokenTypeMismatch    = errors.New("auth: token type mismatch")
	ErrUserNotFound         = errors.New("auth: user not found or inactive")
	ErrRefreshTokenRevoked  = errors.New("auth: refresh token revoked or expired")
	ErrRateLimited          = errors.New("auth: rate limit exceeded")
	ErrAccountLocked        = errors.New("auth: account locked")
	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrTwoFactorRequired    = errors.New("auth: two-factor verification required")
	ErrTwoFactorInvalidCode = errors.New("auth: invalid two-factor code")
	ErrTwoFactorExhausted   = errors.New("auth: two-factor attempts exceeded")
	ErrChallengeExpired     = errors.New("auth: two-factor challenge expired")
	ErrSessionTerminated    = errors.New("auth: session terminated")
)

// RateLimitError carries the retry-after hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// CodeOf maps an expected auth failure to its stable wire code. Empty
// string means the error is unexpected and must surface as a 500.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "MissingToken"
	case errors.Is(err, ErrInvalidTokenFormat):
		return "InvalidTokenFormat"
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrSessionTerminated):
		return "TokenExpired"
	case errors.Is(err, ErrTokenTypeMismatch):
		return "TokenTypeMismatch"
	case errors.Is(err, ErrUserNotFound):
		return "UserNotFound"
	case errors.Is(err, ErrRefreshTokenRevoked):
		return "RefreshTokenRevokedOrExpired"
	case errors.Is(err, ErrRateLimited):
		return "RateLimitExceeded"
	case errors.Is(err, ErrAccountLocked):
		return "AccountLocked"
	case errors.Is(err, ErrInvalidCredentials):
		return "InvalidCredentials"
	case errors.Is(err, ErrTwoFactorRequired):
		return "TwoFactorRequired"
	case errors.Is(err, ErrTwoFactorInvalidCode):
		return "TwoFactorInvalidCode"
	case errors.Is(err, ErrTwoFactorExhausted):
		return "TwoFactorMaxAttemptsExceeded"
	default:
		return ""
	}
}
