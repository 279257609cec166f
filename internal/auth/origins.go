package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lair-chat/lair-chat/internal/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list for the
// admin HTTP surface's CORS policy, falling back to defaultEnvs for local
// development when the variable is unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default development origins: %v", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
