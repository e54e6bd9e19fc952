// Package store implements the message store backends.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/google/uuid"
)

// Memory keeps messages in process. History is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	messages []domain.Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Create implements domain.MessageStore
func (m *Memory) Create(ctx context.Context, msg domain.NewMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	stored := domain.Message{
		ID:        uuid.NewString(),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Text:      msg.Text,
		FileRef:   msg.FileRef,
		FileKind:  msg.FileKind,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.messages = append(m.messages, stored)
	m.mu.Unlock()

	return stored.ID, nil
}

// Query implements domain.MessageStore
func (m *Memory) Query(ctx context.Context, a, b string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.Involves(a, b) {
			out = append(out, msg)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the number of stored messages
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
