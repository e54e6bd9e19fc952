package domain

import (
	"strings"
	"time"
)

// Message is a persisted one-to-one message. It is never mutated after creation.
type Message struct {
	ID        string    `json:"_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text,omitempty"`
	FileRef   string    `json:"file,omitempty"`
	FileKind  string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage carries the fields of a message about to be stored.
type NewMessage struct {
	Sender    string
	Recipient string
	Text      string
	FileRef   string
	FileKind  string
}

// Validate checks the invariants every stored message must hold.
func (m NewMessage) Validate() error {
	if m.Sender == "" {
		return ErrInvalidMessage.WithDetails("sender is required")
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return ErrInvalidMessage.WithDetails("recipient is required")
	}
	if m.Text == "" && m.FileRef == "" {
		return ErrInvalidMessage.WithDetails("text or file is required")
	}
	return nil
}

// Involves reports whether the message was exchanged between a and b, in either direction.
func (m Message) Involves(a, b string) bool {
	return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
}
