package auth

import (
	"context"
	"time"

	"emberly.app/internal/ids"
	"emberly.app/internal/obs"
)

// Security event types recorded by the auth core.
const (
	EventLoginSucceeded      = "login.succeeded"
	EventLoginFailed         = "login.failed"
	EventLoginRateLimited    = "login.rate_limited"
	EventLoginLockedOut      = "login.locked_out"
	EventLockoutTriggered    = "lockout.triggered"
	EventLockoutReleased     = "lockout.released"
	EventDeviceFirstSeen     = "device.first_seen"
	EventSessionCreated      = "session.created"
	EventSessionRevoked      = "session.revoked"
	EventTokenRotated        = "token.rotated"
	EventTokenRotationDenied = "token.rotation_denied"
	EventTokensRevoked       = "token.revoked_all"
	EventTwoFactorIssued     = "twofactor.issued"
	EventTwoFactorVerified   = "twofactor.verified"
	EventTwoFactorFailed     = "twofactor.failed"
	EventTwoFactorExhausted  = "twofactor.exhausted"
)

// Recorder is the single sink for security events. Its contract is
// fire-and-forget: a failure to persist or emit an event must never fail
// the auth operation that produced it.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends a security event and mirrors it to the structured log.
// userID may be empty when the actor is unknown.
func (r *Recorder) Record(ctx context.Context, eventType, severity, userID string, fields map[string]string) {
	e := &SecurityEvent{
		ID:         ids.New(),
		UserID:     userID,
		Type:       eventType,
		Severity:   severity,
		Fields:     fields,
		OccurredAt: r.now().UTC(),
	}
	if err := r.store.Events(ctx).Append(ctx, e); err != nil {
		obs.LogJSON(map[string]any{
			"level": "error",
			"msg":   "security event append failed",
			"event": eventType,
			"error": err.Error(),
		})
	}

	entry := map[string]any{
		"ts":       e.OccurredAt.Format(time.RFC3339Nano),
		"type":     "security_event",
		"event":    eventType,
		"severity": severity,
	}
	if userID != "" {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		entry["fields"] = fields
	}
	obs.LogJSON(entry)
}

// Resolve marks an event handled by an operator.
func (r *Recorder) Resolve(ctx context.Context, eventID string) error {
	return r.store.Events(ctx).Resolve(ctx, eventID)
}
