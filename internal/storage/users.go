package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/lair-chat/lair-chat/internal/errs"
)

const userColumns = `id, username, email, password_hash, role, status, profile_json, settings_json, created_at, updated_at, last_seen_at`

// CreateUser inserts a new user row with default Role=User, Status=Active.
// Returns errs.KindStorageConflict if the username or email is already
// taken.
func (s *Storage) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUser(ctx, s.db, username, email, passwordHash)
}

func (s *Storage) createUser(ctx context.Context, ex executor, username, email, passwordHash string) (*User, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, role, status) VALUES (?, ?, ?, ?, ?)`,
		username, email, passwordHash, RoleUser, StatusActive,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, errs.Wrap(errs.KindStorageConflict, "username or email already in use", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "insert user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "last insert id", err)
	}
	return s.getUserByIDExec(ctx, ex, id)
}

// GetUserByID fetches a user by primary key.
func (s *Storage) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUserByIDExec(ctx, s.db, id)
}

func (s *Storage) getUserByIDExec(ctx context.Context, ex executor, id int64) (*User, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername fetches a user by username, case-sensitively matching
// spec.md's registration uniqueness rule.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByEmail fetches a user by email.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByIdentifier resolves login's "username-or-email" lookup without
// distinguishing which form matched, per spec.md 4.4.
func (s *Storage) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	u, err := s.GetUserByUsername(ctx, identifier)
	if err == nil {
		return u, nil
	}
	if !errs.Is(err, errs.KindStorageNotFound) {
		return nil, err
	}
	return s.GetUserByEmail(ctx, identifier)
}

// SetRole updates a user's system-wide Role, used by admin operations.
func (s *Storage) SetRole(ctx context.Context, userID int64, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`, role, s.nowFn(), userID)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "set role", err)
	}
	return nil
}

// SetStatus updates a user's account Status, used by admin suspend/ban/
// deactivate actions.
func (s *Storage) SetStatus(ctx context.Context, userID int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE users SET status = ?, updated_at = ? WHERE id = ?`, status, s.nowFn(), userID)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "set status", err)
	}
	return nil
}

// UpdateProfile replaces a user's Profile and Settings.
func (s *Storage) UpdateProfile(ctx context.Context, userID int64, profile Profile, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET profile_json = ?, settings_json = ?, updated_at = ? WHERE id = ?`,
		profile.marshal(), settings.marshal(), s.nowFn(), userID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "update profile", err)
	}
	return nil
}

// TouchLastSeen updates a user's last_seen_at to now, called on successful
// login to mark account-level activity (distinct from the per-room
// room_memberships.last_activity A5 updates).
func (s *Storage) TouchLastSeen(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLastSeen(ctx, s.db, userID)
}

func (s *Storage) touchLastSeen(ctx context.Context, ex executor, userID int64) error {
	_, err := ex.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, s.nowFn(), userID)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "touch last seen", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var lastSeen sql.NullTime
	var profileRaw, settingsRaw string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Status,
		&profileRaw, &settingsRaw, &u.CreatedAt, &u.UpdatedAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.KindStorageNotFound, "user not found", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "scan user", err)
	}
	u.Profile = unmarshalProfile(profileRaw)
	u.Settings = unmarshalSettings(settingsRaw)
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeenAt = &t
	}
	return &u, nil
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
