package client

// AuthState holds the authenticated identity and tokens for the current
// connection. A nil *AuthState on ConnectionManager means unauthenticated.
type AuthState struct {
	UserID       int64
	Username     string
	Role         string
	SessionToken string
	RefreshToken string
}

// ConnectionConfig configures a ConnectionManager, per spec.md §4.8.
type ConnectionConfig struct {
	Address   string
	TimeoutMs int
}

func (c ConnectionConfig) timeoutOrDefault() int {
	if c.TimeoutMs <= 0 {
		return 5000
	}
	return c.TimeoutMs
}
