package domain

import (
	"context"
)

// Client is a live, authenticated transport connection as seen by the hub and router.
type Client interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Send queues a frame for the peer without blocking on a slow reader
	Send(ctx context.Context, message []byte) error

	// Close closes the connection gracefully
	Close() error

	// Context is cancelled once the connection is closed
	Context() context.Context
}

// Identity is the user bound to a connection by the Auth Service.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// IsZero reports whether the identity carries no user id.
func (i Identity) IsZero() bool {
	return i.UserID == ""
}
