package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lair-chat/lair-chat/internal/errs"
)

const roomColumns = `id, name, owner_id, is_lobby, type, privacy, description, max_members, settings_json, created_at`

// createRoom inserts a new room row as a Channel/Public room (I3's default
// for anything created without an explicit type/privacy, matching what
// CREATE_ROOM's wire grammar can express). Returns errs.KindStorageConflict
// if the name is already taken.
func (s *Storage) createRoom(ctx context.Context, ex executor, name string, ownerID int64) (*Room, error) {
	return s.createRoomWithKind(ctx, ex, name, ownerID, RoomTypeChannel, RoomPrivacyPublic)
}

func (s *Storage) createRoomWithKind(ctx context.Context, ex executor, name string, ownerID int64, typ RoomType, privacy RoomPrivacy) (*Room, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO rooms (name, owner_id, type, privacy) VALUES (?, ?, ?, ?)`,
		name, ownerID, typ, privacy,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, errs.Wrap(errs.KindStorageConflict, "room name already in use", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "insert room", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "last insert id", err)
	}
	return s.getRoomByIDExec(ctx, ex, id)
}

// GetRoomByName fetches a room by its unique name.
func (s *Storage) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE name = ?`, name)
	return scanRoom(row)
}

func (s *Storage) getRoomByIDExec(ctx context.Context, ex executor, id int64) (*Room, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// ListRooms returns rooms matching filter, used by LIST_ROOMS (zero-valued
// filter) and the admin/REST surface's filtered browse (spec.md §4.3's
// RoomStore "list with filter (type, privacy, owner), search by substring").
func (s *Storage) ListRooms(ctx context.Context, filter RoomFilter) ([]*Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Privacy != "" {
		query += ` AND privacy = ?`
		args = append(args, filter.Privacy)
	}
	if filter.OwnerID != nil {
		query += ` AND owner_id = ?`
		args = append(args, *filter.OwnerID)
	}
	if filter.Search != "" {
		query += ` AND (name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(filter.Search) + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list rooms", err)
	}
	defer rows.Close()

	var out []*Room
	for rows.Next() {
		r, err := scanRoomRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// escapeLike escapes LIKE metacharacters so substring search treats the
// query as a literal rather than a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// JoinRoom adds userID to roomID as a plain Member, for JOIN_ROOM. Joining a
// room the user already belongs to is a no-op (ON CONFLICT DO NOTHING).
func (s *Storage) JoinRoom(ctx context.Context, roomID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMembership(ctx, s.db, roomID, userID)
}

func (s *Storage) addMembership(ctx context.Context, ex executor, roomID, userID int64) error {
	return s.addMembershipWithRole(ctx, ex, roomID, userID, MembershipMember)
}

func (s *Storage) addMembershipWithRole(ctx context.Context, ex executor, roomID, userID int64, role MembershipRole) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO room_memberships (room_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID, userID, role,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "add membership", err)
	}
	return nil
}

// touchMembershipActivity updates a membership's last_activity to now, used
// by A5's activity-touch step (spec.md A5: sending a message touches the
// sender's *membership* last_activity, not the user's last_seen_at).
func (s *Storage) touchMembershipActivity(ctx context.Context, ex executor, roomID, userID int64) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE room_memberships SET last_activity = ? WHERE room_id = ? AND user_id = ?`,
		s.nowFn(), roomID, userID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "touch membership activity", err)
	}
	return nil
}

// UpdateMembershipRole changes userID's role within roomID, for
// MembershipStore's "update role" operation (spec.md §4.3).
func (s *Storage) UpdateMembershipRole(ctx context.Context, roomID, userID int64, role MembershipRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_memberships SET role = ? WHERE room_id = ? AND user_id = ?`,
		role, roomID, userID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "update membership role", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindStorageNotFound, "membership not found")
	}
	return nil
}

func (s *Storage) removeMembership(ctx context.Context, ex executor, roomID, userID int64) error {
	res, err := ex.ExecContext(ctx, `DELETE FROM room_memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "remove membership", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindStorageNotFound, "membership not found")
	}
	return nil
}

// ListRoomMembers returns the user IDs currently in roomID.
func (s *Storage) ListRoomMembers(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_memberships WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list room members", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindStorageBackend, "scan membership", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMemberships returns the full membership rows for roomID, for
// MembershipStore's "list by room" operation (spec.md §4.3).
func (s *Storage) ListMemberships(ctx context.Context, roomID int64) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, role, joined_at, last_activity, is_active
		 FROM room_memberships WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list memberships", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastActivity, &m.IsActive); err != nil {
			return nil, errs.Wrap(errs.KindStorageBackend, "scan membership", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// IsMember reports whether userID currently belongs to roomID, used to
// gate INVITE_USER to existing members of the target room.
func (s *Storage) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	return s.isMemberExec(ctx, s.db, roomID, userID)
}

func (s *Storage) isMemberExec(ctx context.Context, ex executor, roomID, userID int64) (bool, error) {
	row := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, errs.Wrap(errs.KindStorageBackend, "check membership", err)
	}
	return n > 0, nil
}

// memberCount returns the number of members in roomID, used when
// reassigning ownership on A2 (leave-room).
func (s *Storage) memberCount(ctx context.Context, ex executor, roomID int64) (int, error) {
	row := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_memberships WHERE room_id = ?`, roomID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "count members", err)
	}
	return n, nil
}

// oldestOtherMember returns the longest-tenured member of roomID excluding
// excludeUserID, used to reassign room ownership when the owner leaves.
func (s *Storage) oldestOtherMember(ctx context.Context, ex executor, roomID, excludeUserID int64) (int64, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT user_id FROM room_memberships WHERE room_id = ? AND user_id != ? ORDER BY joined_at ASC LIMIT 1`,
		roomID, excludeUserID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errs.Wrap(errs.KindStorageNotFound, "no other member", err)
		}
		return 0, errs.Wrap(errs.KindStorageBackend, "scan oldest member", err)
	}
	return id, nil
}

func (s *Storage) setRoomOwner(ctx context.Context, ex executor, roomID int64, ownerID *int64) error {
	_, err := ex.ExecContext(ctx, `UPDATE rooms SET owner_id = ? WHERE id = ?`, ownerID, roomID)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "update room owner", err)
	}
	return nil
}

// roomScanner is satisfied by both *sql.Row and *sql.Rows, letting scanRoom
// share its column handling across single-row lookups and list queries.
type roomScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row *sql.Row) (*Room, error) {
	r, err := scanRoomCols(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.KindStorageNotFound, "room not found", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "scan room", err)
	}
	return r, nil
}

func scanRoomRow(rows *sql.Rows) (*Room, error) {
	r, err := scanRoomCols(rows)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "scan room", err)
	}
	return r, nil
}

func scanRoomCols(s roomScanner) (*Room, error) {
	var r Room
	var ownerID, maxMembers sql.NullInt64
	var settingsRaw string
	err := s.Scan(&r.ID, &r.Name, &ownerID, &r.IsLobby, &r.Type, &r.Privacy, &r.Description, &maxMembers, &settingsRaw, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ownerID.Valid {
		v := ownerID.Int64
		r.OwnerID = &v
	}
	if maxMembers.Valid {
		v := int(maxMembers.Int64)
		r.MaxMembers = &v
	}
	r.Settings = unmarshalRoomSettings(settingsRaw)
	return &r, nil
}
