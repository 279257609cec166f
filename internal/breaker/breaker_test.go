package breaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	failing := errors.New("validation failure")

	for i := 0; i < tripThreshold-1; i++ {
		err := r.Guard("1.2.3.4", func() error { return failing })
		assert.ErrorIs(t, err, failing)
	}
	assert.False(t, r.IsOpen("1.2.3.4"))

	err := r.Guard("1.2.3.4", func() error { return failing })
	assert.ErrorIs(t, err, failing)
	assert.True(t, r.IsOpen("1.2.3.4"))

	err = r.Guard("1.2.3.4", func() error { return nil })
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestGuardTracksEachIPIndependently(t *testing.T) {
	r := NewRegistry()
	failing := errors.New("failure")

	for i := 0; i < tripThreshold; i++ {
		_ = r.Guard("1.1.1.1", func() error { return failing })
	}
	assert.True(t, r.IsOpen("1.1.1.1"))
	assert.False(t, r.IsOpen("2.2.2.2"))
}

func TestGuardSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry()
	failing := errors.New("failure")

	for i := 0; i < tripThreshold-1; i++ {
		_ = r.Guard("3.3.3.3", func() error { return failing })
	}
	_ = r.Guard("3.3.3.3", func() error { return nil })

	for i := 0; i < tripThreshold-1; i++ {
		err := r.Guard("3.3.3.3", func() error { return failing })
		assert.ErrorIs(t, err, failing)
	}
	assert.False(t, r.IsOpen("3.3.3.3"))
}
