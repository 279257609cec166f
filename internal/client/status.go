package client

// ConnectionStatus is the ConnectionManager's externally visible lifecycle
// state, per spec.md §4.8.
type ConnectionStatus string

const (
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusAuthenticated ConnectionStatus = "authenticated"
	StatusError         ConnectionStatus = "error"
)
