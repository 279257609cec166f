// Package routing implements the chat core's in-memory presence and
// fan-out layer (spec.md §4.7): who is online, who is in which room, and
// delivering a line to one peer or every member of a room without holding
// a lock across the actual network write.
package routing

import (
	"sync"

	"github.com/lair-chat/lair-chat/internal/metrics"
)

// Peer is the narrow send surface routing needs from a connected session;
// internal/server.Session implements it.
type Peer interface {
	UserID() int64
	Username() string
	Send(line string) error
}

// Router holds the single-process presence map and room membership map
// guarded by one RWMutex, per spec.md's explicitly single-process /
// non-scale-out core. Grounded on the teacher's Hub/Room registries
// (internal/v1/session/hub.go, internal/v1/session/room.go), collapsed
// into one type since this core has no per-room goroutine, unlike the
// teacher's per-room Room actor.
type Router struct {
	mu    sync.RWMutex
	peers map[int64]Peer            // userID -> online peer
	rooms map[int64]map[int64]Peer // roomID -> userID -> peer
}

func NewRouter() *Router {
	return &Router{
		peers: make(map[int64]Peer),
		rooms: make(map[int64]map[int64]Peer),
	}
}

// AddPeer registers a peer as online. Called on AUTHENTICATED entry.
func (r *Router) AddPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.UserID()] = p
	metrics.ActiveSessions.Inc()
}

// RemovePeer drops a peer's presence and every room membership it holds.
// Called on session exit regardless of exit reason.
func (r *Router) RemovePeer(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[userID]; !ok {
		return
	}
	delete(r.peers, userID)
	for roomID, members := range r.rooms {
		if _, ok := members[userID]; ok {
			delete(members, userID)
			metrics.RoomMembers.WithLabelValues(roomKey(roomID)).Set(float64(len(members)))
		}
	}
	metrics.ActiveSessions.Dec()
}

// JoinRoom adds peer's presence to roomID. Idempotent: joining a room the
// peer is already in is a no-op, per spec.md's tie-break rule.
func (r *Router) JoinRoom(roomID int64, p Peer) (alreadyMember bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[int64]Peer)
		r.rooms[roomID] = members
		metrics.ActiveRooms.Inc()
	}
	if _, already := members[p.UserID()]; already {
		return true
	}
	members[p.UserID()] = p
	metrics.RoomMembers.WithLabelValues(roomKey(roomID)).Set(float64(len(members)))
	return false
}

// LeaveRoom removes userID's presence from roomID.
func (r *Router) LeaveRoom(roomID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	metrics.RoomMembers.WithLabelValues(roomKey(roomID)).Set(float64(len(members)))
	if len(members) == 0 {
		delete(r.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
}

// RoomMembers returns the usernames currently present in roomID, used by
// REQUEST_USER_LIST.
func (r *Router) RoomMembers(roomID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for _, p := range members {
		out = append(out, p.Username())
	}
	return out
}

// IsOnline reports whether userID currently has a live presence entry.
func (r *Router) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[userID]
	return ok
}

// PeerByUserID returns the online Peer for userID, used for DM delivery.
func (r *Router) PeerByUserID(userID int64) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	return p, ok
}

// Broadcast delivers line to every member of roomID except excludeUserID.
// The member snapshot is taken under the read lock, then released before
// any network write so a slow or blocked peer never holds up the lock for
// the rest of the room, matching the teacher's broadcast-snapshot pattern
// (internal/v1/session/room.go's broadcast) adapted from a
// non-blocking buffered-channel send to this spec's direct blocking
// write (spec.md §4.2 forbids an app-level send queue).
func (r *Router) Broadcast(roomID int64, excludeUserID int64, line string) {
	r.mu.RLock()
	snapshot := make([]Peer, 0, len(r.rooms[roomID]))
	for uid, p := range r.rooms[roomID] {
		if uid == excludeUserID {
			continue
		}
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		_ = p.Send(line)
	}
}

// SendTo delivers line to userID if online, reporting whether it was
// online to deliver to.
func (r *Router) SendTo(userID int64, line string) bool {
	r.mu.RLock()
	p, ok := r.peers[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_ = p.Send(line)
	return true
}

func roomKey(roomID int64) string {
	return itoa(roomID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
