package ratelimit

import (
	"context"
	"testing"

	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(userPerMin, ipPerMin int) *config.Config {
	return &config.Config{
		RateLimitPerUserPerMin: userPerMin,
		RateLimitPerIPPerMin:   ipPerMin,
	}
}

func TestAllowUserWithinBudget(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(5, 5))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, rl.AllowUser(ctx, "alice"))
	}
	err = rl.AllowUser(ctx, "alice")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAllowUserPerKeyIsolation(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(1, 5))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, rl.AllowUser(ctx, "alice"))
	assert.ErrorIs(t, rl.AllowUser(ctx, "alice"), ErrRateLimited)
	// A different user has its own independent budget.
	assert.NoError(t, rl.AllowUser(ctx, "bob"))
}

func TestAllowIPWithinBudget(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(5, 2))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, rl.AllowIP(ctx, "10.0.0.1"))
	assert.NoError(t, rl.AllowIP(ctx, "10.0.0.1"))
	assert.ErrorIs(t, rl.AllowIP(ctx, "10.0.0.1"), ErrRateLimited)
}

func TestNewRateLimiterAcceptsZeroRate(t *testing.T) {
	_, err := NewRateLimiter(testConfig(0, 5))
	// 0-M is a valid formatted rate (zero budget); the constructor should
	// still succeed and simply reject every call.
	require.NoError(t, err)
}
