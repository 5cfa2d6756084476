package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGMarkRevokedSingleUse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()

	// First caller flips the row.
	mock.ExpectExec("update refresh_tokens set is_revoked=true where id=.* and is_revoked=false").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.RefreshTokens(ctx).MarkRevoked(ctx, "tok-1")
	if err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	if !ok {
		t.Fatal("expected the first revocation to win")
	}

	// Second caller finds the guard already tripped.
	mock.ExpectExec("update refresh_tokens set is_revoked=true where id=.* and is_revoked=false").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.RefreshTokens(ctx).MarkRevoked(ctx, "tok-1")
	if err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	if ok {
		t.Fatal("replayed revocation must lose")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGFindByHashNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()

	mock.ExpectQuery("select id, user_id, session_id, token_hash.*from refresh_tokens where token_hash=").
		WithArgs("deadbeef").
		WillReturnError(sql.ErrNoRows)

	_, err = store.RefreshTokens(ctx).FindByHash(ctx, "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGSessionTerminateConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()

	mock.ExpectExec("update sessions set state=.*termination_reason=.*where id=.*and state in").
		WithArgs("s1", SessionRevoked, "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.Sessions(ctx).Terminate(ctx, "s1", SessionRevoked, "logout")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to happen")
	}

	// Already terminal: no rows match.
	mock.ExpectExec("update sessions set state=.*where id=.*and state in").
		WithArgs("s1", SessionExpired, "again").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.Sessions(ctx).Terminate(ctx, "s1", SessionExpired, "again")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if ok {
		t.Fatal("terminal session must reject further transitions")
	}
}

func TestPGIncrementAttemptsReturnsNewCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()

	mock.ExpectQuery("update two_factor_challenges set attempts = attempts \\+ 1 where id=.*returning attempts").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	n, err := store.TwoFactor(ctx).IncrementAttempts(ctx, "c1")
	if err != nil {
		t.Fatalf("IncrementAttempts: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestPGActiveLockoutNullExpiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "lockout_type", "reason", "locked_at", "expires_at", "is_active", "locked_by", "unlocked_by",
	}).AddRow("l1", "u1", LockoutManual, "escalated", now, nil, true, "system", "")
	mock.ExpectQuery("select id, user_id, lockout_type.*from account_lockouts").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	lock, err := store.Lockouts(ctx).ActiveForUser(ctx, "u1", now)
	if err != nil {
		t.Fatalf("ActiveForUser: %v", err)
	}
	if lock.Type != LockoutManual {
		t.Fatalf("unexpected type %s", lock.Type)
	}
	if !lock.ExpiresAt.IsZero() {
		t.Fatal("null expiry must map to the zero time")
	}
}

func TestPGConsecutiveFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)
	ctx := context.Background()

	mock.ExpectQuery("select count\\(\\*\\) from login_attempts.*successful=false.*coalesce").
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := store.LoginAttempts(ctx).ConsecutiveFailures(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("ConsecutiveFailures: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}
