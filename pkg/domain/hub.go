package domain

import (
	"context"
	"net/http"
)

// Authenticator verifies the handshake metadata of a new connection.
type Authenticator interface {
	Authenticate(ctx context.Context, header http.Header) (Identity, error)
}

// MessageStore durably persists and queries message history.
type MessageStore interface {
	// Create persists a message and returns its id
	Create(ctx context.Context, msg NewMessage) (string, error)

	// Query returns every message exchanged between a and b ordered by creation time
	Query(ctx context.Context, a, b string) ([]Message, error)
}

// BlobStore persists uploaded file bytes.
type BlobStore interface {
	// Store writes data under name and returns a reference usable with Retrieve
	Store(ctx context.Context, name string, data []byte) (string, error)

	// Retrieve returns the bytes stored under ref
	Retrieve(ctx context.Context, ref string) ([]byte, error)
}

// HubStats provides statistics about the relay
type HubStats struct {
	ConnectedClients  int     `json:"connected_clients"`
	OnlineUsers       int     `json:"online_users"`
	Broadcasts        int64   `json:"broadcasts"`
	MessagesPersisted int64   `json:"messages_persisted"`
	MessagesDelivered int64   `json:"messages_delivered"`
	Uptime            float64 `json:"uptime_seconds"`
}
