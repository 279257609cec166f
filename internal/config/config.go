package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the chat server.
type Config struct {
	// Listener and database (each has a default when unset)
	ListenAddress string
	TCPPort       string
	DBURL         string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Argon2id parameters
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8

	// Timeouts (milliseconds)
	HandshakeTimeoutMs  int
	AuthTimeoutMs       int
	PeerWriteTimeoutMs  int

	// Rate limits (per minute)
	RateLimitPerUserPerMin int
	RateLimitPerIPPerMin   int

	// Login rate limit: N login attempts, successful or not, per W-minute
	// window per identifier before AuthRateLimited kicks in (spec.md §4.4).
	LoginFailureLimit        int
	LoginFailureWindowMinutes int

	// Circuit breaker
	CircuitOpenSecondsInitial int

	// Frame/message size caps (bytes)
	MaxFrameBytes   int
	MaxMessageBytes int

	// Token lifetimes (seconds)
	SessionTTLSeconds int
	RefreshTTLSeconds int

	// Invitation lifetime (seconds) before it transitions to Expired.
	InvitationTTLSeconds int

	// Admin surface
	AdminBearerToken string
	AllowedOrigins   string
}

// ValidateEnv reads the environment into a Config, using a default for every
// unset variable. Returns an error if TCP_PORT or an Argon2 parameter holds
// an invalid value.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// LISTEN_ADDRESS (defaults to 0.0.0.0)
	cfg.ListenAddress = getEnvOrDefault("LISTEN_ADDRESS", "0.0.0.0")

	// TCP_PORT (valid port number, defaults to 8080 per spec.md §6)
	cfg.TCPPort = getEnvOrDefault("TCP_PORT", "8080")
	if port, err := strconv.Atoi(cfg.TCPPort); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("TCP_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.TCPPort))
	}

	// DB_URL (defaults to a local SQLite file)
	cfg.DBURL = os.Getenv("DB_URL")
	if cfg.DBURL == "" {
		cfg.DBURL = "file:lair-chat.db?cache=shared&_foreign_keys=on"
		slog.Warn("DB_URL not set, using default", "db_url", cfg.DBURL)
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	var err error
	cfg.Argon2Memory, err = getEnvUint32OrDefault("ARGON2_MEMORY_KIB", 64*1024)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.Argon2Iterations, err = getEnvUint32OrDefault("ARGON2_ITERATIONS", 3)
	if err != nil {
		errors = append(errors, err.Error())
	}
	p, err := getEnvUint32OrDefault("ARGON2_PARALLELISM", 2)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.Argon2Parallelism = uint8(p)

	cfg.HandshakeTimeoutMs = getEnvIntOrDefault("HANDSHAKE_TIMEOUT_MS", 5000)
	cfg.AuthTimeoutMs = getEnvIntOrDefault("AUTH_TIMEOUT_MS", 10000)
	cfg.PeerWriteTimeoutMs = getEnvIntOrDefault("PEER_WRITE_TIMEOUT_MS", 5000)

	cfg.RateLimitPerUserPerMin = getEnvIntOrDefault("RATE_LIMIT_PER_USER_PER_MIN", 60)
	cfg.RateLimitPerIPPerMin = getEnvIntOrDefault("RATE_LIMIT_PER_IP_PER_MIN", 100)

	cfg.LoginFailureLimit = getEnvIntOrDefault("LOGIN_FAILURE_LIMIT", 5)
	cfg.LoginFailureWindowMinutes = getEnvIntOrDefault("LOGIN_FAILURE_WINDOW_MINUTES", 15)

	cfg.CircuitOpenSecondsInitial = getEnvIntOrDefault("CIRCUIT_OPEN_SECONDS_INITIAL", 5)

	cfg.MaxFrameBytes = getEnvIntOrDefault("MAX_FRAME_BYTES", 64*1024)
	cfg.MaxMessageBytes = getEnvIntOrDefault("MAX_MESSAGE_BYTES", 4096)

	cfg.SessionTTLSeconds = getEnvIntOrDefault("SESSION_TTL_SECONDS", 3600)
	cfg.RefreshTTLSeconds = getEnvIntOrDefault("REFRESH_TTL_SECONDS", 30*24*3600)
	cfg.InvitationTTLSeconds = getEnvIntOrDefault("INVITATION_TTL_SECONDS", 7*24*3600)

	cfg.AdminBearerToken = os.Getenv("ADMIN_BEARER_TOKEN")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvUint32OrDefault(key string, defaultValue uint32) (uint32, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, value)
	}
	return uint32(n), nil
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"listen_address", cfg.ListenAddress,
		"tcp_port", cfg.TCPPort,
		"db_url", redactSecret(cfg.DBURL),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"rate_limit_per_user_per_min", cfg.RateLimitPerUserPerMin,
		"rate_limit_per_ip_per_min", cfg.RateLimitPerIPPerMin,
		"session_ttl_seconds", cfg.SessionTTLSeconds,
	)
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
