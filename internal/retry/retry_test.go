package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	result, err := Do(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	permErr := errors.New("constraint violation")
	_, err := Do(context.Background(), func() (string, error) {
		attempts++
		return "", Permanent(permErr)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, permErr)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), func() (string, error) {
		attempts++
		return "", errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
}
