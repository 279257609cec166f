package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lair-chat/lair-chat/internal/errs"
)

const messageColumns = `id, room_id, user_id, body, type, parent_id, created_at, edited_at, is_deleted, metadata_json`

func (s *Storage) insertMessage(ctx context.Context, ex executor, roomID, userID int64, body string) (*Message, error) {
	now := s.nowFn()
	res, err := ex.ExecContext(ctx,
		`INSERT INTO messages (room_id, user_id, body, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		roomID, userID, body, MessageTypeText, now,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "last insert id", err)
	}
	return &Message{ID: id, RoomID: roomID, UserID: userID, Body: body, Type: MessageTypeText, CreatedAt: now}, nil
}

// GetMessageByID fetches a message by primary key, for MessageStore's "get
// by id" operation (spec.md §4.3).
func (s *Storage) GetMessageByID(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// RecentMessages returns up to limit messages from roomID, oldest first,
// ordered and paginated by (created_at, id) per spec.md §6's index.
func (s *Storage) RecentMessages(ctx context.Context, roomID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ? AND is_deleted = 0 ORDER BY created_at DESC, id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "recent messages", err)
	}
	defer rows.Close()

	out, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to oldest-first for display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessages returns up to limit messages from roomID ordered by
// (created_at, id) ascending, starting strictly after the cursor (afterID,
// afterCreatedAt) — MessageStore's "list by room with cursor pagination"
// (spec.md §4.3). Pass a zero afterID and zero afterCreatedAt to start from
// the beginning of the room's history.
func (s *Storage) ListMessages(ctx context.Context, roomID, afterID int64, afterCreatedAt time.Time, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ? AND is_deleted = 0
		   AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		roomID, afterCreatedAt, afterCreatedAt, afterID, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list messages", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

// EditMessage replaces a message's body and records edited_at, for
// MessageStore's "edit" operation. Returns errs.KindStorageNotFound if the
// message does not exist, is deleted, or does not belong to userID.
func (s *Storage) EditMessage(ctx context.Context, messageID, userID int64, body string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, edited_at = ? WHERE id = ? AND user_id = ? AND is_deleted = 0`,
		body, now, messageID, userID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "edit message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return nil, errs.New(errs.KindStorageNotFound, "message not found, deleted, or not owned by caller")
	}
	return s.GetMessageByID(ctx, messageID)
}

// DeleteMessage soft-deletes a message (sets is_deleted), for MessageStore's
// "soft-delete" operation. I6's cascade to reactions is enforced at the
// schema level (message_reactions.message_id ON DELETE CASCADE); this path
// never physically removes the message row, so its reactions are left
// queryable until the message itself is purged.
func (s *Storage) DeleteMessage(ctx context.Context, messageID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = 1 WHERE id = ? AND user_id = ? AND is_deleted = 0`,
		messageID, userID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "delete message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindStorageNotFound, "message not found, already deleted, or not owned by caller")
	}
	return nil
}

// SearchMessages finds non-deleted messages whose body contains a substring
// of filter.Search, optionally narrowed by room, user, and time range — the
// MessageStore "full-text search by substring with room/user/time filters"
// operation (spec.md §4.3; "full-text" here means substring match, not an
// FTS index).
func (s *Storage) SearchMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE is_deleted = 0`
	var args []any
	if filter.RoomID != 0 {
		query += ` AND room_id = ?`
		args = append(args, filter.RoomID)
	}
	if filter.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Search != "" {
		query += ` AND body LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, *filter.Until)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "search messages", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

// UnreadCountSince returns the number of non-deleted messages posted in
// roomID after t, for MessageStore's "unread counts since t" operation.
func (s *Storage) UnreadCountSince(ctx context.Context, roomID int64, t time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ? AND is_deleted = 0 AND created_at > ?`,
		roomID, t,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindStorageBackend, "unread count", err)
	}
	return n, nil
}

// SetReaction idempotently sets (messageID, userID, emoji): a second call
// with the same triple is a no-op, satisfying R4's "exactly once per call"
// toggle semantics for the add side.
func (s *Storage) SetReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji, s.nowFn(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "set reaction", err)
	}
	return nil
}

// UnsetReaction removes (messageID, userID, emoji) if present; removing an
// absent reaction is a no-op, the other half of R4's idempotent toggle.
func (s *Storage) UnsetReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "unset reaction", err)
	}
	return nil
}

// ListReactions returns every reaction on messageID, for MessageStore's
// "list reactions" operation.
func (s *Storage) ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, user_id, emoji, created_at FROM message_reactions WHERE message_id = ? ORDER BY created_at`,
		messageID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "list reactions", err)
	}
	defer rows.Close()

	var out []*Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorageBackend, "scan reaction", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// messageScanner is satisfied by both *sql.Row and *sql.Rows.
type messageScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*Message, error) {
	m, err := scanMessageCols(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Wrap(errs.KindStorageNotFound, "message not found", err)
		}
		return nil, errs.Wrap(errs.KindStorageBackend, "scan message", err)
	}
	return m, nil
}

func scanMessageRows(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessageCols(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageBackend, "scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageBackend, "iterate messages", err)
	}
	return out, nil
}

func scanMessageCols(s messageScanner) (*Message, error) {
	var m Message
	var parentID sql.NullInt64
	var editedAt sql.NullTime
	var metadataRaw string
	err := s.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Body, &m.Type, &parentID, &m.CreatedAt, &editedAt, &m.IsDeleted, &metadataRaw)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		v := parentID.Int64
		m.ParentID = &v
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	m.Metadata = unmarshalMetadata(metadataRaw)
	return &m, nil
}
