package storage

import (
	"context"
	"time"

	"github.com/lair-chat/lair-chat/internal/logging"
	"go.uber.org/zap"
)

// VacuumExpiredSessions, on every tick until ctx is canceled, deletes
// sessions past their refresh window, moves Pending invitations past their
// expires_at to Expired, and deletes invitations that have been in a
// terminal state for more than invitationMaxAgeDays. This is ambient hygiene supplementing spec.md's storage
// contract, not a new user-facing feature.
func (s *Storage) VacuumExpiredSessions(ctx context.Context, interval time.Duration, invitationMaxAgeDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				logging.Error(ctx, "vacuum: delete expired sessions failed", zap.Error(err))
			} else if n > 0 {
				logging.Info(ctx, "vacuum: deleted expired sessions", zap.Int64("count", n))
			}

			n, err = s.ExpirePending(ctx)
			if err != nil {
				logging.Error(ctx, "vacuum: expire pending invitations failed", zap.Error(err))
			} else if n > 0 {
				logging.Info(ctx, "vacuum: expired pending invitations", zap.Int64("count", n))
			}

			n, err = s.PurgeExpired(ctx, invitationMaxAgeDays)
			if err != nil {
				logging.Error(ctx, "vacuum: purge expired invitations failed", zap.Error(err))
			} else if n > 0 {
				logging.Info(ctx, "vacuum: purged expired invitations", zap.Int64("count", n))
			}
		}
	}
}
