package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lair-chat/lair-chat/internal/errs"
)

// AcceptInvitation implements A1: accepting an invitation resolves it,
// creates the room membership, and records an audit entry as one unit.
// Per invariant I7, acceptance also requires the inviter still be a member
// of the room at the moment of acceptance; that check runs inside the same
// transaction so a departed inviter fails the whole operation atomically.
func (s *Storage) AcceptInvitation(ctx context.Context, invitationID int64) (*Invitation, error) {
	var result *Invitation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inv, err := s.getInvitationByIDExec(ctx, tx, invitationID)
		if err != nil {
			return err
		}
		inviterStillMember, err := s.isMemberExec(ctx, tx, inv.RoomID, inv.InviterID)
		if err != nil {
			return err
		}
		if !inviterStillMember {
			return errs.New(errs.KindStorageConflict, "inviter is no longer a member of the room")
		}

		inv, err = s.resolveInvitation(ctx, tx, invitationID, InvitationAccepted)
		if err != nil {
			return err
		}
		if err := s.addMembership(ctx, tx, inv.RoomID, inv.InviteeID); err != nil {
			return err
		}
		if err := s.recordAudit(ctx, tx, &inv.InviteeID, "invitation_accepted", ""); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LeaveRoom implements A2: removing a membership and, if the departing user
// was the room's owner, reassigning ownership to the longest-tenured
// remaining member (or clearing ownership if the room is now empty), all as
// one unit.
func (s *Storage) LeaveRoom(ctx context.Context, roomID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		room, err := s.getRoomByIDExec(ctx, tx, roomID)
		if err != nil {
			return err
		}

		if err := s.removeMembership(ctx, tx, roomID, userID); err != nil {
			return err
		}

		if room.OwnerID != nil && *room.OwnerID == userID {
			next, err := s.oldestOtherMember(ctx, tx, roomID, userID)
			if err != nil {
				if errs.Is(err, errs.KindStorageNotFound) {
					return s.setRoomOwner(ctx, tx, roomID, nil)
				}
				return err
			}
			if err := s.setRoomOwner(ctx, tx, roomID, &next); err != nil {
				return err
			}
		}

		return s.recordAudit(ctx, tx, &userID, "left_room", room.Name)
	})
}

// CreateRoomWithFounder implements A3: creating a room and adding its
// creator as both owner and first member, as one unit.
func (s *Storage) CreateRoomWithFounder(ctx context.Context, name string, founderID int64) (*Room, error) {
	var result *Room
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		room, err := s.createRoom(ctx, tx, name, founderID)
		if err != nil {
			return err
		}
		if err := s.addMembershipWithRole(ctx, tx, room.ID, founderID, MembershipOwner); err != nil {
			return err
		}
		if err := s.recordAudit(ctx, tx, &founderID, "created_room", name); err != nil {
			return err
		}
		result = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RegisterWithSession implements A4: creating a user account, adding it to
// the Lobby (invariant I3), and issuing its initial session/refresh token
// pair, as one unit.
func (s *Storage) RegisterWithSession(ctx context.Context, username, email, passwordHash string, sessionTTL, refreshTTL time.Duration) (*User, *Session, error) {
	var user *User
	var session *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.createUser(ctx, tx, username, email, passwordHash)
		if err != nil {
			return err
		}

		lobby, err := s.getLobbyExec(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.addMembership(ctx, tx, lobby.ID, u.ID); err != nil {
			return err
		}

		sess, err := s.createSession(ctx, tx, u.ID, sessionTTL, refreshTTL)
		if err != nil {
			return err
		}

		if err := s.recordAudit(ctx, tx, &u.ID, "registered", username); err != nil {
			return err
		}

		user, session = u, sess
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// SendMessageWithActivityTouch implements A5: persisting a chat message and
// updating the sender's room_memberships.last_activity, as one unit.
func (s *Storage) SendMessageWithActivityTouch(ctx context.Context, roomID, userID int64, body string) (*Message, error) {
	var result *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := s.insertMessage(ctx, tx, roomID, userID, body)
		if err != nil {
			return err
		}
		if err := s.touchMembershipActivity(ctx, tx, roomID, userID); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Storage) getLobbyExec(ctx context.Context, ex executor) (*Room, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE is_lobby = 1`)
	return scanRoom(row)
}
