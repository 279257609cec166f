// Package ratelimit implements per-user and per-IP verb rate limiting for
// the chat session loop, per spec.md §4.6.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/metrics"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// ErrRateLimited is returned when a caller has exceeded its allotted rate.
var ErrRateLimited = fmt.Errorf("ratelimit: rate limit exceeded")

// RateLimiter enforces the two verb-rate limits spec.md §4.6 requires: one
// keyed by authenticated user ID, one keyed by remote IP. Both share a
// single in-memory store; there is no cross-node scale-out requirement for
// this service, so the Redis-backed store the teacher supported is dropped
// (see DESIGN.md).
type RateLimiter struct {
	perUser       *limiter.Limiter
	perIP         *limiter.Limiter
	loginFailures *limiter.Limiter
}

// NewRateLimiter builds a RateLimiter from the configured per-minute rates.
func NewRateLimiter(cfg *config.Config) (*RateLimiter, error) {
	userRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", cfg.RateLimitPerUserPerMin))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid per-user rate: %w", err)
	}
	ipRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", cfg.RateLimitPerIPPerMin))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid per-ip rate: %w", err)
	}
	loginRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", cfg.LoginFailureLimit))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid login-failure rate: %w", err)
	}
	loginRate.Period = time.Duration(cfg.LoginFailureWindowMinutes) * time.Minute

	store := memory.NewStore()

	return &RateLimiter{
		perUser:       limiter.New(store, userRate),
		perIP:         limiter.New(store, ipRate),
		loginFailures: limiter.New(store, loginRate),
	}, nil
}

// AllowUser checks and consumes one unit of the per-user budget for verb
// dispatch. Returns ErrRateLimited if the user has exceeded its rate.
func (rl *RateLimiter) AllowUser(ctx context.Context, userID string) error {
	return rl.allow(ctx, rl.perUser, userID, "user")
}

// AllowIP checks and consumes one unit of the per-IP budget, used before a
// peer has authenticated (handshake/AUTH attempts).
func (rl *RateLimiter) AllowIP(ctx context.Context, ip string) error {
	return rl.allow(ctx, rl.perIP, ip, "ip")
}

// AllowLoginAttempt checks and consumes one unit of the per-identifier
// login budget, keyed by the login identifier (username or email) rather
// than by authenticated user ID, since the caller is not yet authenticated.
// auth.Service.Login calls it once per attempt before the password is
// checked, so successful attempts consume the budget just as failed ones do;
// failed attempts are not counted separately.
func (rl *RateLimiter) AllowLoginAttempt(ctx context.Context, identifier string) error {
	return rl.allow(ctx, rl.loginFailures, identifier, "login_failure")
}

func (rl *RateLimiter) allow(ctx context.Context, l *limiter.Limiter, key, scope string) error {
	lctx, err := l.Get(ctx, key)
	if err != nil {
		// Fail open: availability over strict limiting if the store itself
		// misbehaves (in-memory store, so this should not normally happen).
		logging.Error(ctx, "ratelimit: store failed", zap.String("scope", scope), zap.Error(err))
		return nil
	}

	metrics.RateLimitRequests.WithLabelValues(scope).Inc()

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(scope, "exceeded").Inc()
		return ErrRateLimited
	}
	return nil
}
