package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/lair-chat/lair-chat/internal/errs"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	usersByID   map[int64]*storage.User
	usersByName map[string]*storage.User
	sessions    map[string]*storage.Session
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByID:   map[int64]*storage.User{},
		usersByName: map[string]*storage.User{},
		sessions:    map[string]*storage.Session{},
	}
}

func (f *fakeStore) RegisterWithSession(ctx context.Context, username, email, passwordHash string, sessionTTL, refreshTTL time.Duration) (*storage.User, *storage.Session, error) {
	if _, exists := f.usersByName[username]; exists {
		return nil, nil, errs.New(errs.KindStorageConflict, "username taken")
	}
	f.nextID++
	u := &storage.User{ID: f.nextID, Username: username, Email: email, PasswordHash: passwordHash, Role: storage.RoleUser, Status: storage.StatusActive}
	f.usersByID[u.ID] = u
	f.usersByName[username] = u

	sess := &storage.Session{ID: f.nextID, UserID: u.ID, Token: "tok-" + username, ExpiresAt: time.Now().Add(sessionTTL)}
	f.sessions[sess.Token] = sess
	return u, sess, nil
}

func (f *fakeStore) GetUserByIdentifier(ctx context.Context, identifier string) (*storage.User, error) {
	u, ok := f.usersByName[identifier]
	if !ok {
		return nil, errs.New(errs.KindStorageNotFound, "not found")
	}
	return u, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (*storage.User, error) {
	u, ok := f.usersByID[id]
	if !ok {
		return nil, errs.New(errs.KindStorageNotFound, "not found")
	}
	return u, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, userID int64, sessionTTL, refreshTTL time.Duration) (*storage.Session, error) {
	sess := &storage.Session{ID: 1000 + userID, UserID: userID, Token: "sess-token", ExpiresAt: time.Now().Add(sessionTTL)}
	f.sessions[sess.Token] = sess
	return sess, nil
}

func (f *fakeStore) GetSessionByToken(ctx context.Context, token string) (*storage.Session, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return nil, errs.New(errs.KindStorageNotFound, "not found")
	}
	if sess.RevokedAt != nil {
		return nil, errs.New(errs.KindAuthRevoked, "revoked")
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, errs.New(errs.KindAuthExpired, "expired")
	}
	return sess, nil
}

func (f *fakeStore) RevokeSession(ctx context.Context, token string) error {
	sess, ok := f.sessions[token]
	if !ok {
		return errs.New(errs.KindStorageNotFound, "not found")
	}
	now := time.Now()
	sess.RevokedAt = &now
	return nil
}

func (f *fakeStore) TouchSessionActivity(ctx context.Context, token string) error {
	return nil
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, userID int64) error {
	return nil
}

func testService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	cfg := &config.Config{
		Argon2Memory: 8 * 1024, Argon2Iterations: 1, Argon2Parallelism: 1,
		SessionTTLSeconds: 3600, RefreshTTLSeconds: 86400,
		RateLimitPerUserPerMin: 60, RateLimitPerIPPerMin: 100,
		LoginFailureLimit: 5, LoginFailureWindowMinutes: 15,
	}
	rl, err := ratelimit.NewRateLimiter(cfg)
	require.NoError(t, err)
	store := newFakeStore()
	return NewService(store, rl, cfg), store
}

func TestRegisterRejectsInvalidUsername(t *testing.T) {
	svc, _ := testService(t)
	_, _, err := svc.Register(context.Background(), "a", "a@example.com", "password123")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidationFormat))
}

func TestRegisterAndLoginRoundTrip(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	profile, session, err := svc.Register(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	assert.NotEmpty(t, session.Token)

	loginProfile, loginSession, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, profile.ID, loginProfile.ID)
	assert.NotEmpty(t, loginSession.Token)
}

func TestLoginWrongPasswordDoesNotDistinguishFromUnknownUser(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "bob", "bob@example.com", "password123")
	require.NoError(t, err)

	_, _, err1 := svc.Login(ctx, "bob", "wrongpassword")
	_, _, err2 := svc.Login(ctx, "nonexistent", "whatever1")

	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, errs.KindOf(err1), errs.KindOf(err2))
	assert.True(t, errs.Is(err1, errs.KindAuthInvalidCredentials))
}

func TestValidateAndLogout(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, session, err := svc.Register(ctx, "carol", "carol@example.com", "password123")
	require.NoError(t, err)

	profile, _, err := svc.Validate(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "carol", profile.Username)

	require.NoError(t, svc.Logout(ctx, session.Token, false))

	_, _, err = svc.Validate(ctx, session.Token)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthRevoked))
}

func TestAuthorizeRoleGate(t *testing.T) {
	svc, _ := testService(t)

	assert.NoError(t, svc.Authorize(storage.RoleAdmin, storage.RoleModerator))
	assert.NoError(t, svc.Authorize(storage.RoleUser, storage.RoleUser))
	err := svc.Authorize(storage.RoleGuest, storage.RoleUser)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthForbidden))
}

func TestLoginRateLimitedAfterRepeatedFailures(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "dave", "dave@example.com", "password123")
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 10; i++ {
		_, _, lastErr = svc.Login(ctx, "dave", "wrongpassword")
	}
	require.Error(t, lastErr)
	assert.True(t, errs.Is(lastErr, errs.KindAuthRateLimited))
}
