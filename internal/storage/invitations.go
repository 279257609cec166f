package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lair-chat/lair-chat/internal/errs"
)

const invitationColumns = `id, room_id, inviter_id, invitee_id, status, created_at, expires_at, resolved_at`

// CreateInvitation records a Pending invitation from inviterID to inviteeID
// for roomID, expiring after ttl, for INVITE_USER.
func (s *Storage) CreateInvitation(ctx context.Context, roomID, inviterID, inviteeID int64, ttl time.Duration) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.createInvitation(ctx, s.db, roomID, inviterID, inviteeID, ttl)
	if err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, s.db, &inviterID, "invited_user", string(inv.Status)); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetPendingInvitation finds the Pending invitation for (roomID, inviteeID),
// used by ACCEPT_INVITATION/DECLINE_INVITATION which address invitations by
// room name rather than invitation ID.
func (s *Storage) GetPendingInvitation(ctx context.Context, roomID, inviteeID int64) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+`
		 FROM invitations WHERE room_id = ? AND invitee_id = ? AND status = ?`,
		roomID, inviteeID, InvitationPending,
	)
	return scanInvitation(row)
}

// DeclineInvitation marks invitationID as Declined.
func (s *Storage) DeclineInvitation(ctx context.Context, invitationID int64) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveInvitation(ctx, s.db, invitationID, InvitationDeclined)
}

// RevokeInvitation marks invitationID as Revoked, for an inviter withdrawing
// an invitation before it is accepted or declined.
func (s *Storage) RevokeInvitation(ctx context.Context, invitationID int64) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveInvitation(ctx, s.db, invitationID, InvitationRevoked)
}

func (s *Storage) createInvitation(ctx context.Context, ex executor, roomID, inviterID, inviteeID int64, ttl time.Duration) (*Invitation, error) {
	expiresAt := s.nowFn().Add(ttl)
	res, err := ex.ExecContext(ctx,
		`INSERT INTO invitations (room_id, inviter_id, invitee_id, status, expires_at) VALUES (?, ?, ?, ?, ?)`,
		roomID, inviterID, inviteeID, InvitationPending, expiresAt,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "insert invitation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "last insert id", err)
	}
	return s.getInvitationByIDExec(ctx, ex, id)
}

func (s *Storage) getInvitationByIDExec(ctx context.Context, ex executor, id int64) (*Invitation, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = ?`, id)
	return scanInvitation(row)
}

// ListPendingInvitations returns the pending, unexpired invitations for
// inviteeID, for LIST_INVITATIONS.
func (s *Storage) ListPendingInvitations(ctx context.Context, inviteeID int64) ([]*Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationColumns+`
		 FROM invitations WHERE invitee_id = ? AND status = ? AND expires_at > ? ORDER BY created_at`,
		inviteeID, InvitationPending, s.nowFn(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list invitations", err)
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitationRow(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageBackend, "scan invitation", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Storage) resolveInvitation(ctx context.Context, ex executor, id int64, status InvitationStatus) (*Invitation, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE invitations SET status = ?, resolved_at = ?
		 WHERE id = ? AND status = ? AND expires_at > ?`,
		status, s.nowFn(), id, InvitationPending, s.nowFn(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "resolve invitation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return nil, errs.New(errs.KindStorageConflict, "invitation already resolved, expired, or not found")
	}
	return s.getInvitationByIDExec(ctx, ex, id)
}

// ExpirePending transitions every Pending invitation whose expires_at has
// passed to Expired, implementing the closed status set's Pending->Expired
// transition (spec.md §3). Called by the VacuumExpiredSessions ticker
// alongside PurgeExpired.
func (s *Storage) ExpirePending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = ?, resolved_at = ? WHERE status = ? AND expires_at <= ?`,
		InvitationExpired, s.nowFn(), InvitationPending, s.nowFn(),
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "expire pending invitations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	return n, nil
}

// PurgeExpired physically removes invitations that have sat in a terminal
// state (Accepted, Declined, Revoked, Expired) for longer than
// olderThanDays, for storage hygiene. It never purges Pending rows: those
// transition to Expired via ExpirePending first, on their own expires_at,
// rather than being aged out by resolved_at.
func (s *Storage) PurgeExpired(ctx context.Context, olderThanDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invitations
		 WHERE status IN (?, ?, ?, ?) AND resolved_at IS NOT NULL AND resolved_at < datetime(?, ? || ' days')`,
		InvitationAccepted, InvitationDeclined, InvitationRevoked, InvitationExpired,
		s.nowFn(), -olderThanDays,
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "purge expired invitations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	return n, nil
}

// invitationScanner is satisfied by both *sql.Row and *sql.Rows.
type invitationScanner interface {
	Scan(dest ...any) error
}

func scanInvitation(row *sql.Row) (*Invitation, error) {
	inv, err := scanInvitationCols(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.KindStorageNotFound, "invitation not found", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "scan invitation", err)
	}
	return inv, nil
}

func scanInvitationRow(rows *sql.Rows) (*Invitation, error) {
	return scanInvitationCols(rows)
}

func scanInvitationCols(s invitationScanner) (*Invitation, error) {
	var inv Invitation
	var resolvedAt sql.NullTime
	err := s.Scan(&inv.ID, &inv.RoomID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inv.ResolvedAt = &t
	}
	return &inv, nil
}
