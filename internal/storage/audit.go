package storage

import (
	"context"

	"github.com/lair-chat/lair-chat/internal/errs"
)

func (s *Storage) recordAudit(ctx context.Context, ex executor, userID *int64, action, detail string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO audit (user_id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		userID, action, detail, s.nowFn(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageBackend, "record audit entry", err)
	}
	return nil
}
