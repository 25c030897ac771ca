package chathub

import "lomitalk/backend/internal/models"

// Client is the interface for any type of connection (e.g., WebSocket, Telegram).
// It abstracts the underlying communication mechanism, allowing the hub to manage
// different client types uniformly.
type Client interface {
	// GetUserID returns the profile id of the user behind the connection.
	GetUserID() string
	// Transport names the connection kind, e.g. "websocket" or "telegram".
	Transport() string

	// Deliver hands a message to the transport. A non-nil error means the
	// user did not get it.
	Deliver(msg models.ChatMessage) error

	// Run starts the client's background pumps, if it has any.
	Run()
	// Close gracefully shuts down the client's connection and associated channels.
	Close()
}
