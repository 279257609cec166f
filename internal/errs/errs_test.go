package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(KindStorageNotFound, "user not found")
	wrapped := fmt.Errorf("lookup failed: %w", base)

	assert.True(t, Is(wrapped, KindStorageNotFound))
	assert.False(t, Is(wrapped, KindStorageConflict))
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageBackend, "insert failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorageBackend, KindOf(err))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}
