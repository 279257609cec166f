package auth

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnvWithValue(t *testing.T) {
	_ = os.Setenv("TEST_ORIGINS", "http://localhost:3000,https://example.com")
	defer func() { _ = os.Unsetenv("TEST_ORIGINS") }()

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://default"})

	assert.Equal(t, []string{"http://localhost:3000", "https://example.com"}, origins)
}

func TestGetAllowedOriginsFromEnvEmpty(t *testing.T) {
	_ = os.Unsetenv("TEST_ORIGINS_EMPTY")

	defaults := []string{"http://localhost:3000", "http://localhost:8080"}
	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS_EMPTY", defaults)

	assert.Equal(t, defaults, origins)
}
