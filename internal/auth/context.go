package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey    ctxKey = "auth_user_id"
	sessionIDKey ctxKey = "auth_session_id"
)

// ContextWithIdentity stores the authenticated user and session in the
// request context.
func ContextWithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	ctx = context.WithValue(ctx, sessionIDKey, strings.TrimSpace(sessionID))
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
