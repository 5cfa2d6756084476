package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"emberly.app/internal/ids"
)

// Trust score adjustments. Scores are clamped to 0..100.
const (
	trustGainConsistentLogin = 15
	trustGainVerified        = 25
	trustPenaltyFailed2FA    = 20
)

// DeviceTrustEngine recognizes returning devices and maintains their
// trust score. An untrusted device forces step-up verification at login.
type DeviceTrustEngine struct {
	store     Store
	threshold int
	now       func() time.Time
}

// NewDeviceTrustEngine constructs the engine. Devices with a score at or
// above threshold no longer require a two-factor challenge.
func NewDeviceTrustEngine(store Store, threshold int, now func() time.Time) *DeviceTrustEngine {
	if threshold <= 0 || threshold > 100 {
		threshold = 60
	}
	if now == nil {
		now = time.Now
	}
	return &DeviceTrustEngine{store: store, threshold: threshold, now: now}
}

// Fingerprint derives a stable identifier from client attributes.
func Fingerprint(info DeviceInfo) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(info.Platform)),
		strings.TrimSpace(info.UserAgent),
		strings.TrimSpace(info.ClientID),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Observe records a login from the given device, creating the Device row
// on first sight and nudging the trust score on repeat visits. The bool
// result reports whether the device was seen for the first time.
func (e *DeviceTrustEngine) Observe(ctx context.Context, userID string, info DeviceInfo, ip string) (*Device, bool, error) {
	fp := Fingerprint(info)
	now := e.now().UTC()

	devices := e.store.Devices(ctx)
	d, err := devices.FindByFingerprint(ctx, userID, fp)
	if errors.Is(err, ErrNotFound) {
		d = &Device{
			ID:          ids.New(),
			UserID:      userID,
			Fingerprint: fp,
			TrustScore:  0,
			Trusted:     false,
			LastIP:      ip,
			FirstSeen:   now,
			LastSeen:    now,
		}
		if err := devices.Create(ctx, d); err != nil {
			return nil, false, fmt.Errorf("create device: %w", err)
		}
		return d, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if d.LastIP == ip {
		d.TrustScore = clampScore(d.TrustScore + trustGainConsistentLogin)
	}
	d.LastIP = ip
	d.LastSeen = now
	d.Trusted = d.TrustScore >= e.threshold
	if err := devices.Update(ctx, d); err != nil {
		return nil, false, fmt.Errorf("update device: %w", err)
	}
	return d, false, nil
}

// RewardVerification raises trust after a successful two-factor pass.
func (e *DeviceTrustEngine) RewardVerification(ctx context.Context, deviceID string) error {
	return e.adjust(ctx, deviceID, trustGainVerified)
}

// PenalizeFailedVerification lowers trust after a failed two-factor try.
func (e *DeviceTrustEngine) PenalizeFailedVerification(ctx context.Context, deviceID string) error {
	return e.adjust(ctx, deviceID, -trustPenaltyFailed2FA)
}

func (e *DeviceTrustEngine) adjust(ctx context.Context, deviceID string, delta int) error {
	devices := e.store.Devices(ctx)
	d, err := devices.Find(ctx, deviceID)
	if err != nil {
		return err
	}
	d.TrustScore = clampScore(d.TrustScore + delta)
	d.Trusted = d.TrustScore >= e.threshold
	d.LastSeen = e.now().UTC()
	return devices.Update(ctx, d)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
