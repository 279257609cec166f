package storage

import (
	"context"
	"testing"
	"time"

	"github.com/lair-chat/lair-chat/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SeedLobby(context.Background()))
	return s
}

func TestSeedLobbyIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.SeedLobby(ctx))
	rooms, err := s.ListRooms(ctx, RoomFilter{})
	require.NoError(t, err)

	count := 0
	for _, r := range rooms {
		if r.IsLobby {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRegisterWithSessionAddsUserToLobby(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user, session, err := s.RegisterWithSession(ctx, "alice", "alice@example.com", "hash", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.NotEmpty(t, session.Token)

	lobby, err := s.GetRoomByName(ctx, LobbyRoomName)
	require.NoError(t, err)

	members, err := s.ListRoomMembers(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Contains(t, members, user.ID)
}

func TestCreateUserDuplicateUsernameConflicts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "bob", "bob@example.com", "hash")
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "bob", "other@example.com", "hash")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorageConflict))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "carol", "carol@example.com", "hash")
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, user.ID, time.Hour, 24*time.Hour)
	require.NoError(t, err)

	got, err := s.GetSessionByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)

	require.NoError(t, s.RevokeSession(ctx, sess.Token))

	_, err = s.GetSessionByToken(ctx, sess.Token)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthRevoked))
}

func TestCreateRoomWithFounderAndLeaveReassignsOwner(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	founder, err := s.CreateUser(ctx, "dave", "dave@example.com", "hash")
	require.NoError(t, err)
	other, err := s.CreateUser(ctx, "eve", "eve@example.com", "hash")
	require.NoError(t, err)

	room, err := s.CreateRoomWithFounder(ctx, "general", founder.ID)
	require.NoError(t, err)
	require.NoError(t, s.addMembership(ctx, s.db, room.ID, other.ID))

	require.NoError(t, s.LeaveRoom(ctx, room.ID, founder.ID))

	updated, err := s.GetRoomByName(ctx, "general")
	require.NoError(t, err)
	require.NotNil(t, updated.OwnerID)
	assert.Equal(t, other.ID, *updated.OwnerID)
}

func TestLeaveRoomClearsOwnerWhenEmpty(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	founder, err := s.CreateUser(ctx, "frank", "frank@example.com", "hash")
	require.NoError(t, err)

	room, err := s.CreateRoomWithFounder(ctx, "solo", founder.ID)
	require.NoError(t, err)

	require.NoError(t, s.LeaveRoom(ctx, room.ID, founder.ID))

	updated, err := s.GetRoomByName(ctx, "solo")
	require.NoError(t, err)
	assert.Nil(t, updated.OwnerID)
}

func TestAcceptInvitationCreatesMembership(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, "grace", "grace@example.com", "hash")
	require.NoError(t, err)
	invitee, err := s.CreateUser(ctx, "heidi", "heidi@example.com", "hash")
	require.NoError(t, err)

	room, err := s.CreateRoomWithFounder(ctx, "invite-only", owner.ID)
	require.NoError(t, err)

	inv, err := s.createInvitation(ctx, s.db, room.ID, owner.ID, invitee.ID, time.Hour)
	require.NoError(t, err)

	accepted, err := s.AcceptInvitation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, accepted.Status)

	members, err := s.ListRoomMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Contains(t, members, invitee.ID)
}

func TestAcceptInvitationTwiceConflicts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, "ivan", "ivan@example.com", "hash")
	require.NoError(t, err)
	invitee, err := s.CreateUser(ctx, "judy", "judy@example.com", "hash")
	require.NoError(t, err)
	room, err := s.CreateRoomWithFounder(ctx, "twice", owner.ID)
	require.NoError(t, err)
	inv, err := s.createInvitation(ctx, s.db, room.ID, owner.ID, invitee.ID, time.Hour)
	require.NoError(t, err)

	_, err = s.AcceptInvitation(ctx, inv.ID)
	require.NoError(t, err)

	_, err = s.AcceptInvitation(ctx, inv.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorageConflict))
}

func TestSendMessageWithActivityTouchOrdering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "kara", "kara@example.com", "hash")
	require.NoError(t, err)
	lobby, err := s.GetRoomByName(ctx, LobbyRoomName)
	require.NoError(t, err)
	require.NoError(t, s.addMembership(ctx, s.db, lobby.ID, user.ID))

	before := membershipLastActivity(t, s, ctx, lobby.ID, user.ID)

	_, err = s.SendMessageWithActivityTouch(ctx, lobby.ID, user.ID, "hello")
	require.NoError(t, err)
	_, err = s.SendMessageWithActivityTouch(ctx, lobby.ID, user.ID, "world")
	require.NoError(t, err)

	msgs, err := s.RecentMessages(ctx, lobby.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "world", msgs[1].Body)

	after := membershipLastActivity(t, s, ctx, lobby.ID, user.ID)
	assert.False(t, after.IsZero())
	assert.True(t, after.After(before) || after.Equal(before))
}

func membershipLastActivity(t *testing.T, s *Storage, ctx context.Context, roomID, userID int64) time.Time {
	t.Helper()
	memberships, err := s.ListMemberships(ctx, roomID)
	require.NoError(t, err)
	for _, m := range memberships {
		if m.UserID == userID {
			return m.LastActivity
		}
	}
	t.Fatalf("no membership found for user %d in room %d", userID, roomID)
	return time.Time{}
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "liam", "liam@example.com", "hash")
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, user.ID, -time.Hour, -time.Minute)
	require.NoError(t, err)

	n, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
