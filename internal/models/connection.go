package models

import "time"

// ConnectionStatus is the state of the bot session.
type ConnectionStatus string

// Connection statuses.
const (
	StatusDisconnected           ConnectionStatus = "disconnected"
	StatusConnecting             ConnectionStatus = "connecting"
	StatusAwaitingAuthentication ConnectionStatus = "awaiting_authentication"
	StatusConnected              ConnectionStatus = "connected"
	StatusError                  ConnectionStatus = "error"
)

// Challenge is the authentication challenge presented while a session waits
// for the operator, typically a QR code. Code carries the raw payload when the
// session library exposes it; Image carries a base64 encoded PNG.
type Challenge struct {
	Code  string `json:"code,omitempty"`
	Image string `json:"image,omitempty"`
}

// ConnectionState is a point-in-time snapshot of the bot session.
type ConnectionState struct {
	Status         ConnectionStatus `json:"status"`
	IsConnected    bool             `json:"is_connected"`
	Challenge      *Challenge       `json:"challenge,omitempty"`
	Error          string           `json:"error,omitempty"`
	ConnectedSince *time.Time       `json:"connected_since,omitempty"`
}
