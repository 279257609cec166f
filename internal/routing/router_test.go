package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id       int64
	username string
	sent     []string
}

func (p *fakePeer) UserID() int64      { return p.id }
func (p *fakePeer) Username() string   { return p.username }
func (p *fakePeer) Send(line string) error {
	p.sent = append(p.sent, line)
	return nil
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	r := NewRouter()
	p := &fakePeer{id: 1, username: "alice"}

	already := r.JoinRoom(10, p)
	assert.False(t, already)

	already = r.JoinRoom(10, p)
	assert.True(t, already)

	assert.ElementsMatch(t, []string{"alice"}, r.RoomMembers(10))
}

func TestBroadcastExcludesSenderAndSnapshotsUnderLock(t *testing.T) {
	r := NewRouter()
	alice := &fakePeer{id: 1, username: "alice"}
	bob := &fakePeer{id: 2, username: "bob"}
	r.JoinRoom(10, alice)
	r.JoinRoom(10, bob)

	r.Broadcast(10, alice.id, "CHAT:alice:hi")

	assert.Empty(t, alice.sent)
	require.Len(t, bob.sent, 1)
	assert.Equal(t, "CHAT:alice:hi", bob.sent[0])
}

func TestLeaveRoomRemovesMemberAndEmptiesRoom(t *testing.T) {
	r := NewRouter()
	alice := &fakePeer{id: 1, username: "alice"}
	r.JoinRoom(10, alice)

	r.LeaveRoom(10, alice.id)

	assert.Empty(t, r.RoomMembers(10))
}

func TestRemovePeerClearsAllRoomMemberships(t *testing.T) {
	r := NewRouter()
	alice := &fakePeer{id: 1, username: "alice"}
	r.AddPeer(alice)
	r.JoinRoom(10, alice)
	r.JoinRoom(20, alice)

	r.RemovePeer(alice.id)

	assert.False(t, r.IsOnline(alice.id))
	assert.Empty(t, r.RoomMembers(10))
	assert.Empty(t, r.RoomMembers(20))
}

func TestSendToUnknownUserReturnsFalse(t *testing.T) {
	r := NewRouter()
	assert.False(t, r.SendTo(999, "hello"))
}

func TestSendToOnlineUserDeliversLine(t *testing.T) {
	r := NewRouter()
	bob := &fakePeer{id: 2, username: "bob"}
	r.AddPeer(bob)

	ok := r.SendTo(bob.id, "DM_FROM:alice:hi")

	assert.True(t, ok)
	require.Len(t, bob.sent, 1)
	assert.Equal(t, "DM_FROM:alice:hi", bob.sent[0])
}
