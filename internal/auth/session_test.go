package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sessionFixture(t *testing.T) (*SessionManager, *MemStore, *fakeClock, *Session) {
	t.Helper()
	store := NewMemStore()
	clock := newFakeClock()
	mgr := NewSessionManager(store, 24*time.Hour, 72*time.Hour, clock.Now)

	ctx := context.Background()
	user := &User{ID: "u1", Email: "ada@example.com", Active: true}
	device := &Device{ID: "d1", UserID: user.ID, Fingerprint: "fp", Trusted: true,
		FirstSeen: clock.Now(), LastSeen: clock.Now()}
	if err := store.Devices(ctx).Create(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	s, err := mgr.Create(ctx, user, device, "203.0.113.9")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return mgr, store, clock, s
}

func TestCreateTrustedDeviceIsActive(t *testing.T) {
	_, _, _, s := sessionFixture(t)
	if s.State != SessionActive || s.Requires2FA {
		t.Fatalf("trusted device must open an active session, got state=%s requires2FA=%v", s.State, s.Requires2FA)
	}
}

func TestCreateUntrustedDeviceIsPending(t *testing.T) {
	store := NewMemStore()
	clock := newFakeClock()
	mgr := NewSessionManager(store, 24*time.Hour, 72*time.Hour, clock.Now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, &User{ID: "u1"}, &Device{ID: "d1", Trusted: false}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.State != SessionPending2FA || !s.Requires2FA {
		t.Fatalf("untrusted device must open a pending session, got %s", s.State)
	}
}

func TestTouchSlidesButCapsAtCeiling(t *testing.T) {
	mgr, _, clock, s := sessionFixture(t)
	ctx := context.Background()
	created := s.CreatedAt

	// Slide within the ceiling.
	clock.Advance(12 * time.Hour)
	if err := mgr.Touch(ctx, s); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if want := clock.Now().UTC().Add(24 * time.Hour); !s.ExpiresAt.Equal(want) {
		t.Fatalf("expected slide to %v, got %v", want, s.ExpiresAt)
	}

	// Close to the ceiling the window stops sliding.
	clock.Advance(59 * time.Hour) // 71h after creation
	if err := mgr.Touch(ctx, s); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if want := created.Add(72 * time.Hour); !s.ExpiresAt.Equal(want) {
		t.Fatalf("expected cap at %v, got %v", want, s.ExpiresAt)
	}
}

func TestFindLazilyExpires(t *testing.T) {
	mgr, _, clock, s := sessionFixture(t)
	ctx := context.Background()

	clock.Advance(25 * time.Hour)
	got, err := mgr.Find(ctx, s.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.State != SessionExpired {
		t.Fatalf("expected lazy expiry, got %s", got.State)
	}
	if got.TerminationReason != "inactivity" {
		t.Fatalf("unexpected reason %q", got.TerminationReason)
	}
}

func TestTerminalStatesStayTerminal(t *testing.T) {
	mgr, store, _, s := sessionFixture(t)
	ctx := context.Background()

	if err := mgr.Revoke(ctx, s.ID, "logout"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// A revoked session cannot be verified, touched or re-terminated.
	if err := mgr.MarkVerified(ctx, s); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	ok, err := store.Sessions(ctx).Terminate(ctx, s.ID, SessionExpired, "again")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if ok {
		t.Fatal("terminal sessions must reject further transitions")
	}

	got, err := store.Sessions(ctx).Find(ctx, s.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.State != SessionRevoked || got.TerminationReason != "logout" {
		t.Fatalf("terminal state overwritten: %s/%s", got.State, got.TerminationReason)
	}
}
