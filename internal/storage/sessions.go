package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/lair-chat/lair-chat/internal/errs"
)

// NewOpaqueToken generates a CSPRNG-derived opaque token, never a JWT: the
// server is the sole verifier and nothing else needs to parse claims out of
// it, per spec.md §3.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.KindInternal, "generate token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateSession issues a new session/refresh token pair for userID with the
// given TTLs.
func (s *Storage) CreateSession(ctx context.Context, userID int64, sessionTTL, refreshTTL time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSession(ctx, s.db, userID, sessionTTL, refreshTTL)
}

func (s *Storage) createSession(ctx context.Context, ex executor, userID int64, sessionTTL, refreshTTL time.Duration) (*Session, error) {
	token, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	expiresAt := now.Add(sessionTTL)
	refreshExpiresAt := now.Add(refreshTTL)

	res, err := ex.ExecContext(ctx,
		`INSERT INTO sessions (user_id, token, refresh_token, expires_at, refresh_expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, token, refreshToken, expiresAt, refreshExpiresAt,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "last insert id", err)
	}

	return &Session{
		ID:               id,
		UserID:           userID,
		Token:            token,
		RefreshToken:     refreshToken,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		LastActivityAt:   now,
	}, nil
}

// GetSessionByToken fetches a non-revoked session by its access token.
// Returns errs.KindAuthExpired if the token has a row but is past
// expires_at, and errs.KindAuthRevoked if revoked_at is set.
func (s *Storage) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, refresh_token, created_at, expires_at, refresh_expires_at, last_activity_at, revoked_at
		 FROM sessions WHERE token = ?`, token)

	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess.RevokedAt != nil {
		return nil, errs.New(errs.KindAuthRevoked, "session revoked")
	}
	if s.nowFn().After(sess.ExpiresAt) {
		return nil, errs.New(errs.KindAuthExpired, "session expired")
	}
	return sess, nil
}

// TouchSessionActivity updates a session's last_activity_at to now, called
// on every successful Validate (spec.md §4.4).
func (s *Storage) TouchSessionActivity(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE token = ?`, s.nowFn(), token)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "touch session activity", err)
	}
	return nil
}

// RevokeSession marks a session as revoked (logout).
func (s *Storage) RevokeSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`, s.nowFn(), token)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "revoke session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindStorageNotFound, "session not found")
	}
	return nil
}

// DeleteExpired removes sessions whose refresh window has also lapsed,
// called by the VacuumExpiredSessions ticker.
func (s *Storage) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_expires_at < ?`, s.nowFn())
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "delete expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var revokedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.RefreshToken,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.RefreshExpiresAt, &sess.LastActivityAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.KindStorageNotFound, "session not found", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "scan session", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	return &sess, nil
}
