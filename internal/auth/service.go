// Package auth implements spec.md 4.4's Auth Service (C4): credential
// hashing, session issuance/validation, and role-gated authorization. It
// owns no transport or protocol concerns — the session loop (C5) and
// dispatcher (C6) call into it and translate its errors to wire replies.
package auth

import (
	"context"
	"regexp"
	"time"

	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/lair-chat/lair-chat/internal/errs"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/metrics"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/storage"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// emailPattern is a pragmatic RFC-5322 subset, not the full grammar.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// WireProfile is what the server hands back to a client after a successful
// login or register — distinct from storage.Profile (the persisted, full
// shape with custom fields) and from a client's own auth principal, per
// spec.md's identifier-collision note in §8.
type WireProfile struct {
	ID          int64
	Username    string
	Role        storage.Role
	DisplayName string
}

// Store is the subset of *storage.Storage the auth service depends on.
type Store interface {
	RegisterWithSession(ctx context.Context, username, email, passwordHash string, sessionTTL, refreshTTL time.Duration) (*storage.User, *storage.Session, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*storage.User, error)
	GetUserByID(ctx context.Context, id int64) (*storage.User, error)
	CreateSession(ctx context.Context, userID int64, sessionTTL, refreshTTL time.Duration) (*storage.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*storage.Session, error)
	RevokeSession(ctx context.Context, token string) error
	TouchSessionActivity(ctx context.Context, token string) error
	TouchLastSeen(ctx context.Context, userID int64) error
}

// Service implements register/login/validate/authorize/logout.
type Service struct {
	store      Store
	limiter    *ratelimit.RateLimiter
	hashParams HashParams
	sessionTTL time.Duration
	refreshTTL time.Duration
}

func NewService(store Store, limiter *ratelimit.RateLimiter, cfg *config.Config) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		hashParams: HashParams{
			MemoryKiB:   cfg.Argon2Memory,
			Iterations:  cfg.Argon2Iterations,
			Parallelism: cfg.Argon2Parallelism,
			KeyLen:      32,
		},
		sessionTTL: time.Duration(cfg.SessionTTLSeconds) * time.Second,
		refreshTTL: time.Duration(cfg.RefreshTTLSeconds) * time.Second,
	}
}

// Register validates format and uniqueness, hashes the password with
// Argon2id, and creates the User + initial Session atomically (A4).
func (s *Service) Register(ctx context.Context, username, email, password string) (*WireProfile, *storage.Session, error) {
	if !usernamePattern.MatchString(username) {
		return nil, nil, errs.New(errs.KindValidationFormat, "username must be 3-32 chars of [A-Za-z0-9_-]")
	}
	if !emailPattern.MatchString(email) {
		return nil, nil, errs.New(errs.KindValidationFormat, "email is not a valid address")
	}
	if len(password) < 8 {
		return nil, nil, errs.New(errs.KindValidationFormat, "password must be at least 8 characters")
	}

	hash, err := HashPassword(password, s.hashParams)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("register", "error").Inc()
		return nil, nil, errs.Wrap(errs.KindInternal, "hash password", err)
	}

	user, session, err := s.store.RegisterWithSession(ctx, username, email, hash, s.sessionTTL, s.refreshTTL)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("register", "error").Inc()
		return nil, nil, err
	}

	metrics.AuthAttempts.WithLabelValues("register", "success").Inc()
	logging.Info(ctx, "user registered", zap.String("username", username))
	return toWireProfile(user), session, nil
}

// Login looks up identifier as username-or-email, verifies the password
// hash in constant time, and mints a Session on success. Unknown users and
// wrong passwords both return KindAuthInvalidCredentials, undistinguished,
// to avoid account enumeration.
func (s *Service) Login(ctx context.Context, identifier, password string) (*WireProfile, *storage.Session, error) {
	if err := s.limiter.AllowLoginAttempt(ctx, identifier); err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "rate_limited").Inc()
		return nil, nil, errs.New(errs.KindAuthRateLimited, "too many login attempts, try again later")
	}

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "failure").Inc()
		return nil, nil, errs.New(errs.KindAuthInvalidCredentials, "invalid username/email or password")
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		metrics.AuthAttempts.WithLabelValues("login", "failure").Inc()
		return nil, nil, errs.New(errs.KindAuthInvalidCredentials, "invalid username/email or password")
	}

	if user.Status != storage.StatusActive {
		metrics.AuthAttempts.WithLabelValues("login", "inactive").Inc()
		return nil, nil, errs.New(errs.KindAuthForbidden, "account is not active")
	}

	session, err := s.store.CreateSession(ctx, user.ID, s.sessionTTL, s.refreshTTL)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("login", "error").Inc()
		return nil, nil, err
	}

	if err := s.store.TouchLastSeen(ctx, user.ID); err != nil {
		logging.Warn(ctx, "touch last seen failed", zap.Error(err))
	}

	metrics.AuthAttempts.WithLabelValues("login", "success").Inc()
	logging.Info(ctx, "user logged in", zap.String("username", user.Username))
	return toWireProfile(user), session, nil
}

// Validate checks a session token is present, not revoked, and not
// expired, touches its last-activity timestamp, and returns the owning
// user's WireProfile.
func (s *Service) Validate(ctx context.Context, token string) (*WireProfile, *storage.Session, error) {
	session, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.TouchSessionActivity(ctx, token); err != nil {
		logging.Warn(ctx, "touch session activity failed", zap.Error(err))
	}

	return toWireProfile(user), session, nil
}

// Authorize enforces the role gate Admin > Moderator > User > Guest: role
// must be at least as privileged as required.
func (s *Service) Authorize(role storage.Role, required storage.Role) error {
	if !role.AtLeast(required) {
		return errs.New(errs.KindAuthForbidden, "insufficient role")
	}
	return nil
}

// Logout revokes the session identified by token. allDevices is not acted
// on: only that one session is revoked, and any other sessions of the same
// user stay valid.
func (s *Service) Logout(ctx context.Context, token string, allDevices bool) error {
	return s.store.RevokeSession(ctx, token)
}

func toWireProfile(u *storage.User) *WireProfile {
	return &WireProfile{
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
		DisplayName: u.Profile.DisplayName,
	}
}
