// Package dispatch implements the chat core's command dispatcher (C6):
// parsing the colon-separated verb grammar spec.md §4.6 defines and
// translating each verb into Auth/Storage/Router calls, returning the line
// to send back to the requesting peer.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lair-chat/lair-chat/internal/auth"
	"github.com/lair-chat/lair-chat/internal/errs"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/metrics"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/routing"
	"github.com/lair-chat/lair-chat/internal/storage"
	"go.uber.org/zap"
)

const (
	maxVerbLen   = 64
	maxLineBytes = 16 * 1024
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// Store is the subset of *storage.Storage the dispatcher depends on.
type Store interface {
	GetRoomByName(ctx context.Context, name string) (*storage.Room, error)
	ListRooms(ctx context.Context, filter storage.RoomFilter) ([]*storage.Room, error)
	CreateRoomWithFounder(ctx context.Context, name string, founderID int64) (*storage.Room, error)
	JoinRoom(ctx context.Context, roomID, userID int64) error
	LeaveRoom(ctx context.Context, roomID, userID int64) error
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	CreateInvitation(ctx context.Context, roomID, inviterID, inviteeID int64, ttl time.Duration) (*storage.Invitation, error)
	GetPendingInvitation(ctx context.Context, roomID, inviteeID int64) (*storage.Invitation, error)
	ListPendingInvitations(ctx context.Context, inviteeID int64) ([]*storage.Invitation, error)
	AcceptInvitation(ctx context.Context, invitationID int64) (*storage.Invitation, error)
	DeclineInvitation(ctx context.Context, invitationID int64) (*storage.Invitation, error)
	SendMessageWithActivityTouch(ctx context.Context, roomID, userID int64, body string) (*storage.Message, error)
}

// AuthService is the subset of *auth.Service the dispatcher depends on.
type AuthService interface {
	Register(ctx context.Context, username, email, password string) (*auth.WireProfile, *storage.Session, error)
	Login(ctx context.Context, identifier, password string) (*auth.WireProfile, *storage.Session, error)
}

// SessionState is the mutable per-connection state the dispatcher reads and
// advances. Only the owning session's own goroutine ever mutates it; fields
// are published to other goroutines (via the Peer a session hands to
// Router) only once they stop changing, so no mutex guards it — see
// internal/server.Session's doc comment for the invariant this relies on.
type SessionState struct {
	Authenticated bool
	UserID        int64
	Username      string
	Role          storage.Role
	RoomID        int64
	RoomName      string
	RemoteIP      string
}

// Dispatcher holds the services a verb handler needs: authentication,
// persistence, and the in-memory routing core.
type Dispatcher struct {
	store           Store
	auth            AuthService
	router          *routing.Router
	limiter         *ratelimit.RateLimiter
	maxContentBytes int
	invitationTTL   time.Duration
}

func NewDispatcher(store Store, authSvc AuthService, router *routing.Router, limiter *ratelimit.RateLimiter, maxContentBytes int, invitationTTL time.Duration) *Dispatcher {
	return &Dispatcher{store: store, auth: authSvc, router: router, limiter: limiter, maxContentBytes: maxContentBytes, invitationTTL: invitationTTL}
}

// Dispatch parses and handles one decrypted line of input from peer, whose
// SessionState is st. It returns the reply line to send back to peer, which
// may be empty when the verb produces no direct reply (e.g. plain chat,
// which only fans out to the room).
func (d *Dispatcher) Dispatch(ctx context.Context, st *SessionState, peer routing.Peer, line string) string {
	if len(line) > maxLineBytes {
		metrics.CommandsProcessed.WithLabelValues("unknown", "rejected").Inc()
		return errorReply("frame exceeds maximum decoded length")
	}

	verb, rest := splitVerb(line)
	if len(verb) > maxVerbLen {
		metrics.CommandsProcessed.WithLabelValues("unknown", "rejected").Inc()
		return errorReply("verb exceeds maximum length")
	}

	if !st.Authenticated && verb != "AUTH" {
		metrics.CommandsProcessed.WithLabelValues(verb, "rejected").Inc()
		return errorReply("authentication required")
	}

	if st.Authenticated {
		if err := d.limiter.AllowUser(ctx, strconv.FormatInt(st.UserID, 10)); err != nil {
			metrics.CommandsProcessed.WithLabelValues(verb, "rate_limited").Inc()
			return errorReply("rate limit exceeded, slow down")
		}
	}

	var reply string
	switch verb {
	case "AUTH":
		reply = d.handleAuth(ctx, st, peer, rest)
	case "CREATE_ROOM":
		reply = d.handleCreateRoom(ctx, st, rest)
	case "JOIN_ROOM":
		reply = d.handleJoinRoom(ctx, st, peer, rest)
	case "LEAVE_ROOM":
		reply = d.handleLeaveRoom(ctx, st, peer)
	case "LIST_ROOMS":
		reply = d.handleListRooms(ctx)
	case "REQUEST_USER_LIST":
		reply = d.handleRequestUserList(st)
	case "INVITE_USER":
		reply = d.handleInviteUser(ctx, st, rest)
	case "ACCEPT_INVITATION":
		reply = d.handleAcceptInvitation(ctx, st, peer, rest)
	case "DECLINE_INVITATION":
		reply = d.handleDeclineInvitation(ctx, st, rest)
	case "LIST_INVITATIONS":
		reply = d.handleListInvitations(ctx, st)
	case "ACCEPT_ALL_INVITATIONS":
		reply = d.handleAcceptAllInvitations(ctx, st, peer)
	case "DM":
		reply = d.handleDM(ctx, st, rest)
	case "WHOAMI":
		reply = fmt.Sprintf("WHOAMI:%s:%s", st.Username, st.Role)
	case "PING":
		reply = "PONG"
	case "PONG":
		reply = ""
	default:
		reply = d.handleChat(ctx, st, line)
	}

	status := "ok"
	if IsErrorReply(reply) {
		status = "error"
	}
	metrics.CommandsProcessed.WithLabelValues(verb, status).Inc()
	return reply
}

// IsErrorReply reports whether reply is a SYSTEM_MESSAGE:ERROR line, the
// shape every validation/auth/storage failure takes. The session loop uses
// this to feed its per-IP circuit breaker (C10).
func IsErrorReply(reply string) bool {
	return strings.HasPrefix(reply, "SYSTEM_MESSAGE:ERROR:")
}

// splitVerb extracts the leading verb token. AUTH's argument block is
// newline-separated (it carries credentials, not wire-safe as a single
// colon token); every other verb is colon-separated on one line.
func splitVerb(line string) (verb, rest string) {
	if i := strings.IndexAny(line, ":\n"); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, ""
}

func (d *Dispatcher) handleAuth(ctx context.Context, st *SessionState, peer routing.Peer, rest string) string {
	if err := d.limiter.AllowIP(ctx, st.RemoteIP); err != nil {
		return errorReply("too many attempts from your address, try again later")
	}

	parts := strings.Split(rest, "\n")
	if len(parts) < 1 {
		return errorReply("malformed AUTH frame")
	}

	switch parts[0] {
	case "LOGIN":
		if len(parts) != 3 {
			return errorReply("LOGIN requires <user>\\n<pass>")
		}
		profile, _, err := d.auth.Login(ctx, parts[1], parts[2])
		if err != nil {
			return authErrorReply(err)
		}
		d.completeAuth(ctx, st, peer, profile)
		return fmt.Sprintf("AUTH_OK:%d:%s:%s", profile.ID, profile.Username, profile.Role)
	case "REGISTER":
		if len(parts) != 4 {
			return errorReply("REGISTER requires <user>\\n<email>\\n<pass>")
		}
		profile, _, err := d.auth.Register(ctx, parts[1], parts[2], parts[3])
		if err != nil {
			return authErrorReply(err)
		}
		d.completeAuth(ctx, st, peer, profile)
		return fmt.Sprintf("AUTH_OK:%d:%s:%s", profile.ID, profile.Username, profile.Role)
	default:
		return errorReply("AUTH must be LOGIN or REGISTER")
	}
}

// completeAuth transitions st to AUTHENTICATED, registers peer with the
// router, joins it to the Lobby, and announces it to that room.
func (d *Dispatcher) completeAuth(ctx context.Context, st *SessionState, peer routing.Peer, profile *auth.WireProfile) {
	st.Authenticated = true
	st.UserID = profile.ID
	st.Username = profile.Username
	st.Role = profile.Role

	d.router.AddPeer(peer)

	lobby, err := d.store.GetRoomByName(ctx, storage.LobbyRoomName)
	if err != nil {
		logging.Error(ctx, "lobby lookup failed on auth", zap.Error(err))
		return
	}
	if err := d.store.JoinRoom(ctx, lobby.ID, st.UserID); err != nil {
		logging.Error(ctx, "lobby join failed on auth", zap.Error(err))
		return
	}
	st.RoomID = lobby.ID
	st.RoomName = lobby.Name
	d.router.JoinRoom(lobby.ID, peer)
	d.router.Broadcast(lobby.ID, st.UserID, "USER_JOIN:"+st.Username)
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, st *SessionState, name string) string {
	if name == "" {
		return errorReply("CREATE_ROOM requires a room name")
	}
	_, err := d.store.CreateRoomWithFounder(ctx, name, st.UserID)
	if err != nil {
		if errs.Is(err, errs.KindStorageConflict) {
			return errorReply(fmt.Sprintf("room %q already exists", name))
		}
		logging.Error(ctx, "create room failed", zap.Error(err))
		return errorReply("could not create room")
	}
	return "ROOM_CREATED:" + name
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, st *SessionState, peer routing.Peer, name string) string {
	if name == "" {
		return errorReply("JOIN_ROOM requires a room name")
	}
	room, err := d.store.GetRoomByName(ctx, name)
	if err != nil {
		if errs.Is(err, errs.KindStorageNotFound) {
			return errorReply(fmt.Sprintf("room %q not found", name))
		}
		return errorReply("could not look up room")
	}

	if room.ID == st.RoomID {
		return "ROOM_JOINED:" + name
	}

	if allowed, err := d.authorizeJoin(ctx, room, st.UserID); err != nil {
		logging.Error(ctx, "join authorization check failed", zap.Error(err))
		return errorReply("could not join room")
	} else if !allowed {
		return errorReply(fmt.Sprintf("room %q is not open to you", name))
	}

	if err := d.store.JoinRoom(ctx, room.ID, st.UserID); err != nil {
		logging.Error(ctx, "join room failed", zap.Error(err))
		return errorReply("could not join room")
	}

	if st.RoomID != 0 {
		d.router.LeaveRoom(st.RoomID, st.UserID)
		d.router.Broadcast(st.RoomID, st.UserID, "USER_LEAVE:"+st.Username)
	}

	st.RoomID, st.RoomName = room.ID, room.Name
	d.router.JoinRoom(room.ID, peer)
	d.router.Broadcast(room.ID, st.UserID, "USER_JOIN:"+st.Username)
	return "ROOM_JOINED:" + name
}

// authorizeJoin implements spec.md §4.6's "privacy-gated" JOIN_ROOM rule:
// Public rooms admit any authenticated peer; Private/Protected rooms admit
// only those who already hold membership (granted out of band, by
// ACCEPT_INVITATION); System rooms never admit a direct JOIN_ROOM.
func (d *Dispatcher) authorizeJoin(ctx context.Context, room *storage.Room, userID int64) (bool, error) {
	switch room.Privacy {
	case storage.RoomPrivacyPublic:
		return true, nil
	case storage.RoomPrivacySystem:
		return false, nil
	default: // Private, Protected
		return d.store.IsMember(ctx, room.ID, userID)
	}
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, st *SessionState, peer routing.Peer) string {
	if st.RoomID == 0 {
		return errorReply("not currently in a room")
	}
	leftRoomID, leftRoomName := st.RoomID, st.RoomName
	if err := d.store.LeaveRoom(ctx, leftRoomID, st.UserID); err != nil {
		logging.Error(ctx, "leave room failed", zap.Error(err))
		return errorReply("could not leave room")
	}
	d.router.LeaveRoom(leftRoomID, st.UserID)
	d.router.Broadcast(leftRoomID, st.UserID, "USER_LEAVE:"+st.Username)

	// Leaving the Lobby is the one case that does not auto-rejoin it
	// (spec.md §4.6): the peer has no current room until it JOINs elsewhere.
	if leftRoomName == storage.LobbyRoomName {
		st.RoomID, st.RoomName = 0, ""
		return "ROOM_LEFT:" + leftRoomName
	}

	lobby, err := d.store.GetRoomByName(ctx, storage.LobbyRoomName)
	if err != nil {
		logging.Error(ctx, "lobby lookup failed on leave", zap.Error(err))
		st.RoomID, st.RoomName = 0, ""
		return "ROOM_LEFT:" + leftRoomName
	}
	if err := d.store.JoinRoom(ctx, lobby.ID, st.UserID); err != nil {
		logging.Error(ctx, "rejoin lobby failed", zap.Error(err))
		st.RoomID, st.RoomName = 0, ""
		return "ROOM_LEFT:" + leftRoomName
	}
	st.RoomID, st.RoomName = lobby.ID, lobby.Name
	d.router.JoinRoom(lobby.ID, peer)
	d.router.Broadcast(lobby.ID, st.UserID, "USER_JOIN:"+st.Username)
	return "ROOM_LEFT:" + leftRoomName
}

func (d *Dispatcher) handleListRooms(ctx context.Context) string {
	rooms, err := d.store.ListRooms(ctx, storage.RoomFilter{})
	if err != nil {
		logging.Error(ctx, "list rooms failed", zap.Error(err))
		return errorReply("could not list rooms")
	}
	names := make([]string, len(rooms))
	for i, r := range rooms {
		names[i] = r.Name
	}
	return "ROOM_LIST:" + strings.Join(names, ",")
}

func (d *Dispatcher) handleRequestUserList(st *SessionState) string {
	if st.RoomID == 0 {
		return "USER_LIST:"
	}
	return "USER_LIST:" + strings.Join(d.router.RoomMembers(st.RoomID), ",")
}

func (d *Dispatcher) handleInviteUser(ctx context.Context, st *SessionState, rest string) string {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errorReply("INVITE_USER requires <invitee>:<room>")
	}
	invitee, roomName := parts[0], parts[1]

	if invitee == st.Username {
		return errorReply("cannot invite yourself")
	}
	if !usernamePattern.MatchString(invitee) {
		return errorReply("invalid invitee username")
	}

	room, err := d.store.GetRoomByName(ctx, roomName)
	if err != nil {
		return errorReply(fmt.Sprintf("room %q not found", roomName))
	}
	member, err := d.store.IsMember(ctx, room.ID, st.UserID)
	if err != nil {
		logging.Error(ctx, "membership check failed", zap.Error(err))
		return errorReply("could not verify membership")
	}
	if !member {
		return errorReply(fmt.Sprintf("you are not a member of %q", roomName))
	}

	inviteeUser, err := d.store.GetUserByUsername(ctx, invitee)
	if err != nil {
		return errorReply(fmt.Sprintf("user %q not found", invitee))
	}

	if _, err := d.store.CreateInvitation(ctx, room.ID, st.UserID, inviteeUser.ID, d.invitationTTL); err != nil {
		logging.Error(ctx, "create invitation failed", zap.Error(err))
		return errorReply("could not create invitation")
	}

	d.router.SendTo(inviteeUser.ID, fmt.Sprintf("INVITATION_RECEIVED:%s:%s", roomName, st.Username))
	return fmt.Sprintf("INVITE_SENT:%s:%s", invitee, roomName)
}

func (d *Dispatcher) handleAcceptInvitation(ctx context.Context, st *SessionState, peer routing.Peer, roomName string) string {
	if roomName == "" {
		return errorReply("ACCEPT_INVITATION requires a room name")
	}
	room, err := d.store.GetRoomByName(ctx, roomName)
	if err != nil {
		return errorReply(fmt.Sprintf("room %q not found", roomName))
	}
	inv, err := d.store.GetPendingInvitation(ctx, room.ID, st.UserID)
	if err != nil {
		return errorReply(fmt.Sprintf("no pending invitation for %q", roomName))
	}
	if _, err := d.store.AcceptInvitation(ctx, inv.ID); err != nil {
		logging.Error(ctx, "accept invitation failed", zap.Error(err))
		return errorReply("could not accept invitation")
	}
	d.router.JoinRoom(room.ID, peer)
	d.router.Broadcast(room.ID, st.UserID, "USER_JOIN:"+st.Username)
	return "INVITATION_ACCEPTED:" + roomName
}

func (d *Dispatcher) handleDeclineInvitation(ctx context.Context, st *SessionState, roomName string) string {
	if roomName == "" {
		return errorReply("DECLINE_INVITATION requires a room name")
	}
	room, err := d.store.GetRoomByName(ctx, roomName)
	if err != nil {
		return errorReply(fmt.Sprintf("room %q not found", roomName))
	}
	inv, err := d.store.GetPendingInvitation(ctx, room.ID, st.UserID)
	if err != nil {
		return errorReply(fmt.Sprintf("no pending invitation for %q", roomName))
	}
	if _, err := d.store.DeclineInvitation(ctx, inv.ID); err != nil {
		logging.Error(ctx, "decline invitation failed", zap.Error(err))
		return errorReply("could not decline invitation")
	}
	return "INVITATION_DECLINED:" + roomName
}

func (d *Dispatcher) handleListInvitations(ctx context.Context, st *SessionState) string {
	invs, err := d.store.ListPendingInvitations(ctx, st.UserID)
	if err != nil {
		logging.Error(ctx, "list invitations failed", zap.Error(err))
		return errorReply("could not list invitations")
	}
	parts := make([]string, len(invs))
	for i, inv := range invs {
		parts[i] = strconv.FormatInt(inv.RoomID, 10)
	}
	return "INVITATION_LIST:" + strings.Join(parts, ",")
}

func (d *Dispatcher) handleAcceptAllInvitations(ctx context.Context, st *SessionState, peer routing.Peer) string {
	invs, err := d.store.ListPendingInvitations(ctx, st.UserID)
	if err != nil {
		logging.Error(ctx, "list invitations failed", zap.Error(err))
		return errorReply("could not list invitations")
	}
	accepted := 0
	for _, inv := range invs {
		if _, err := d.store.AcceptInvitation(ctx, inv.ID); err != nil {
			logging.Warn(ctx, "accept invitation failed in batch", zap.Int64("invitation_id", inv.ID), zap.Error(err))
			continue
		}
		d.router.JoinRoom(inv.RoomID, peer)
		d.router.Broadcast(inv.RoomID, st.UserID, "USER_JOIN:"+st.Username)
		accepted++
	}
	return fmt.Sprintf("INVITATIONS_ACCEPTED:%d", accepted)
}

func (d *Dispatcher) handleDM(ctx context.Context, st *SessionState, rest string) string {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return errorReply("DM requires <target>:<content>")
	}
	target, content := parts[0], parts[1]
	if len(content) > d.maxContentBytes {
		return errorReply("message exceeds maximum length")
	}

	targetUser, err := d.store.GetUserByUsername(ctx, target)
	if err != nil {
		return fmt.Sprintf("SYSTEM_MESSAGE:ERROR: User %s is not online or not found", target)
	}
	if !d.router.SendTo(targetUser.ID, fmt.Sprintf("DM_FROM:%s:%s", st.Username, content)) {
		return fmt.Sprintf("SYSTEM_MESSAGE:ERROR: User %s is not online or not found", target)
	}
	return "DM_SENT:" + target
}

func (d *Dispatcher) handleChat(ctx context.Context, st *SessionState, content string) string {
	if st.RoomID == 0 {
		return errorReply("not currently in a room")
	}
	if len(content) > d.maxContentBytes {
		return errorReply("message exceeds maximum length")
	}
	if _, err := d.store.SendMessageWithActivityTouch(ctx, st.RoomID, st.UserID, content); err != nil {
		logging.Error(ctx, "send message failed", zap.Error(err))
		return errorReply("could not send message")
	}
	d.router.Broadcast(st.RoomID, st.UserID, fmt.Sprintf("CHAT:%s:%s", st.Username, content))
	return ""
}

func errorReply(reason string) string {
	return "SYSTEM_MESSAGE:ERROR: " + reason
}

// authErrorReply maps an auth service error to a wire reply without leaking
// internal detail beyond what spec.md's error kinds already disclose.
func authErrorReply(err error) string {
	switch errs.KindOf(err) {
	case errs.KindAuthRateLimited:
		return errorReply("too many login attempts, try again later")
	case errs.KindAuthForbidden:
		return errorReply("account is not active")
	case errs.KindValidationFormat:
		return errorReply(err.Error())
	default:
		return errorReply("invalid username/email or password")
	}
}
