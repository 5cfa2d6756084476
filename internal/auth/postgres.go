package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"emberly.app/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Every conditional mutation
// is a single statement guarded by its WHERE clause, so the guarantees
// hold across multiple server processes sharing one database.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pooled connection using the pgx stdlib driver.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle (used by tests with sqlmock).
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

// DB exposes the handle for readiness pings.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Users(context.Context) UserStore                 { return &pgUserStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgTokenStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore           { return &pgSessionStore{db: s.db} }
func (s *PGStore) Devices(context.Context) DeviceStore             { return &pgDeviceStore{db: s.db} }
func (s *PGStore) LoginAttempts(context.Context) LoginAttemptStore { return &pgAttemptStore{db: s.db} }
func (s *PGStore) Lockouts(context.Context) LockoutStore           { return &pgLockoutStore{db: s.db} }
func (s *PGStore) TwoFactor(context.Context) TwoFactorStore        { return &pgTwoFactorStore{db: s.db} }
func (s *PGStore) Events(context.Context) EventStore               { return &pgEventStore{db: s.db} }

// User store ---------------------------------------------------------------
type pgUserStore struct{ db *sql.DB }

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, is_active) values($1,$2,$3,$4)`,
		u.ID, u.Email, u.PasswordHash, u.Active,
	)
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, is_active, last_active, created_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, is_active, last_active, created_at from users where email=$1`, email)
	return scanUser(row)
}

func (s *pgUserStore) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update users set last_active=$2 where id=$1`, id, at)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u          User
		lastActive sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &lastActive, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastActive.Valid {
		u.LastActive = lastActive.Time
	}
	return &u, nil
}

// Refresh token store ------------------------------------------------------
type pgTokenStore struct{ db *sql.DB }

func (s *pgTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, session_id, token_hash, issued_ip, user_agent, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		tok.ID, tok.UserID, tok.SessionID, tok.TokenHash, tok.IssuedIP, tok.UserAgent, tok.ExpiresAt, tok.CreatedAt,
	)
	return err
}

func (s *pgTokenStore) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, session_id, token_hash, issued_ip, user_agent, expires_at, created_at, is_revoked
		 from refresh_tokens where token_hash=$1`, hash)
	var t RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &t.IssuedIP, &t.UserAgent, &t.ExpiresAt, &t.CreatedAt, &t.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// MarkRevoked is the rotation guard: the WHERE clause makes the revoke
// single-use, and the affected-row count tells the winner apart.
func (s *pgTokenStore) MarkRevoked(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set is_revoked=true where id=$1 and is_revoked=false`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set is_revoked=true where user_id=$1 and is_revoked=false`, userID)
	return err
}

func (s *pgTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1 or is_revoked=true`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Session store ------------------------------------------------------------
type pgSessionStore struct{ db *sql.DB }

func (s *pgSessionStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, device_id, session_token, ip, requires_2fa, twofa_verified, state, created_at, last_activity, expires_at, termination_reason)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'')`,
		sess.ID, sess.UserID, sess.DeviceID, sess.Token, sess.IP, sess.Requires2FA, sess.TwoFactorVerified,
		sess.State, sess.CreatedAt, sess.LastActivity, sess.ExpiresAt,
	)
	return err
}

func (s *pgSessionStore) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, device_id, session_token, ip, requires_2fa, twofa_verified, state, created_at, last_activity, expires_at, termination_reason
		 from sessions where id=$1`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.Token, &sess.IP, &sess.Requires2FA,
		&sess.TwoFactorVerified, &sess.State, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.TerminationReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *pgSessionStore) ListActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, user_id, device_id, session_token, ip, requires_2fa, twofa_verified, state, created_at, last_activity, expires_at, termination_reason
		 from sessions where user_id=$1 and state in ('active','pending_2fa') order by created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.Token, &sess.IP, &sess.Requires2FA,
			&sess.TwoFactorVerified, &sess.State, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.TerminationReason); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *pgSessionStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set last_activity=$2, expires_at=$3 where id=$1 and state in ('active','pending_2fa')`,
		id, lastActivity, expiresAt)
	return err
}

func (s *pgSessionStore) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set state='active', twofa_verified=true, last_activity=$2 where id=$1 and state='pending_2fa'`,
		id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgSessionStore) Terminate(ctx context.Context, id, state, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set state=$2, termination_reason=$3 where id=$1 and state in ('active','pending_2fa')`,
		id, state, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *pgSessionStore) TerminateAllForUser(ctx context.Context, userID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set state='revoked', termination_reason=$2 where user_id=$1 and state in ('active','pending_2fa')`,
		userID, reason)
	return err
}

func (s *pgSessionStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set state='expired', termination_reason='inactivity' where expires_at < $1 and state in ('active','pending_2fa')`,
		now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Device store -------------------------------------------------------------
type pgDeviceStore struct{ db *sql.DB }

func (s *pgDeviceStore) Create(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`insert into devices(id, user_id, fingerprint, trust_score, is_trusted, last_ip, first_seen, last_seen)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.UserID, d.Fingerprint, d.TrustScore, d.Trusted, d.LastIP, d.FirstSeen, d.LastSeen,
	)
	return err
}

func (s *pgDeviceStore) Find(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, fingerprint, trust_score, is_trusted, last_ip, first_seen, last_seen from devices where id=$1`, id)
	return scanDevice(row)
}

func (s *pgDeviceStore) FindByFingerprint(ctx context.Context, userID, fingerprint string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, fingerprint, trust_score, is_trusted, last_ip, first_seen, last_seen
		 from devices where user_id=$1 and fingerprint=$2`, userID, fingerprint)
	return scanDevice(row)
}

func (s *pgDeviceStore) Update(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`update devices set trust_score=$2, is_trusted=$3, last_ip=$4, last_seen=$5 where id=$1`,
		d.ID, d.TrustScore, d.Trusted, d.LastIP, d.LastSeen)
	return err
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.TrustScore, &d.Trusted, &d.LastIP, &d.FirstSeen, &d.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// Login attempt store ------------------------------------------------------
type pgAttemptStore struct{ db *sql.DB }

func (s *pgAttemptStore) Record(ctx context.Context, a *LoginAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`insert into login_attempts(id, email, ip, successful, attempted_at) values($1,$2,$3,$4,$5)`,
		a.ID, a.Email, a.IP, a.Successful, a.AttemptedAt)
	return err
}

func (s *pgAttemptStore) CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from login_attempts where ip=$1 and attempted_at > $2`, ip, since).Scan(&n)
	return n, err
}

func (s *pgAttemptStore) CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from login_attempts where email=$1 and attempted_at > $2`, email, since).Scan(&n)
	return n, err
}

func (s *pgAttemptStore) ConsecutiveFailures(ctx context.Context, email string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from login_attempts
		 where email=$1 and successful=false
		   and attempted_at > coalesce(
		     (select max(attempted_at) from login_attempts where email=$1 and successful=true),
		     'epoch'::timestamptz)`,
		email).Scan(&n)
	return n, err
}

func (s *pgAttemptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from login_attempts where attempted_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Lockout store ------------------------------------------------------------
type pgLockoutStore struct{ db *sql.DB }

func (s *pgLockoutStore) Create(ctx context.Context, l *AccountLockout) error {
	var expires sql.NullTime
	if !l.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: l.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into account_lockouts(id, user_id, lockout_type, reason, locked_at, expires_at, is_active, locked_by, unlocked_by)
		 values($1,$2,$3,$4,$5,$6,$7,$8,'')`,
		l.ID, l.UserID, l.Type, l.Reason, l.LockedAt, expires, l.Active, l.LockedBy)
	return err
}

func (s *pgLockoutStore) ActiveForUser(ctx context.Context, userID string, now time.Time) (*AccountLockout, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, lockout_type, reason, locked_at, expires_at, is_active, locked_by, unlocked_by
		 from account_lockouts
		 where user_id=$1 and is_active=true and (expires_at is null or expires_at > $2)
		 order by locked_at desc limit 1`, userID, now)
	var (
		l       AccountLockout
		expires sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.UserID, &l.Type, &l.Reason, &l.LockedAt, &expires, &l.Active, &l.LockedBy, &l.UnlockedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expires.Valid {
		l.ExpiresAt = expires.Time
	}
	return &l, nil
}

func (s *pgLockoutStore) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update account_lockouts set expires_at=$2 where id=$1 and is_active=true`, id, expiresAt)
	return err
}

func (s *pgLockoutStore) Release(ctx context.Context, id, unlockedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`update account_lockouts set is_active=false, unlocked_by=$2 where id=$1 and is_active=true`, id, unlockedBy)
	return err
}

func (s *pgLockoutStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update account_lockouts set is_active=false where is_active=true and expires_at is not null and expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Two-factor store ---------------------------------------------------------
type pgTwoFactorStore struct{ db *sql.DB }

func (s *pgTwoFactorStore) Create(ctx context.Context, c *TwoFactorChallenge) error {
	_, err := s.db.ExecContext(ctx,
		`insert into two_factor_challenges(id, user_id, session_id, method, code_hash, attempts, consumed, succeeded, expires_at, created_at)
		 values($1,$2,$3,$4,$5,0,false,false,$6,$7)`,
		c.ID, c.UserID, c.SessionID, c.Method, c.CodeHash, c.ExpiresAt, c.CreatedAt)
	return err
}

func (s *pgTwoFactorStore) LatestForSession(ctx context.Context, sessionID string) (*TwoFactorChallenge, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, session_id, method, code_hash, attempts, consumed, succeeded, expires_at, created_at
		 from two_factor_challenges where session_id=$1 order by created_at desc limit 1`, sessionID)
	var c TwoFactorChallenge
	if err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.Method, &c.CodeHash, &c.Attempts, &c.Consumed, &c.Succeeded, &c.ExpiresAt, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *pgTwoFactorStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`update two_factor_challenges set attempts = attempts + 1 where id=$1 returning attempts`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (s *pgTwoFactorStore) MarkConsumed(ctx context.Context, id string, succeeded bool) error {
	_, err := s.db.ExecContext(ctx,
		`update two_factor_challenges set consumed=true, succeeded=$2 where id=$1`, id, succeeded)
	return err
}

func (s *pgTwoFactorStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from two_factor_challenges where expires_at < $1 or consumed=true`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Security event store -----------------------------------------------------
type pgEventStore struct{ db *sql.DB }

func (s *pgEventStore) Append(ctx context.Context, e *SecurityEvent) error {
	fields, _ := json.Marshal(e.Fields)
	var userID sql.NullString
	if e.UserID != "" {
		userID = sql.NullString{String: e.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into security_events(id, user_id, event_type, severity, fields, is_resolved, occurred_at)
		 values($1,$2,$3,$4,$5,false,$6)`,
		e.ID, userID, e.Type, e.Severity, fields, e.OccurredAt)
	return err
}

func (s *pgEventStore) Resolve(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update security_events set is_resolved=true where id=$1`, id)
	return err
}
