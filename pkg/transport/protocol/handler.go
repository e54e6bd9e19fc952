package protocol

import (
	"context"
	"sync"

	"github.com/HMasataka/relay/pkg/errors"
)

// Handler defines the interface for handling server frames
type Handler interface {
	Handle(ctx context.Context, frame *Frame) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, frame *Frame) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

// HandlerRegistry manages frame handlers
type HandlerRegistry interface {
	// Register registers a handler for a frame kind
	Register(kind FrameKind, handler Handler)

	// Get retrieves a handler for a frame kind
	Get(kind FrameKind) (Handler, bool)

	// Handle routes a frame to the appropriate handler
	Handle(ctx context.Context, frame *Frame) error
}

// DefaultHandlerRegistry is the default implementation of HandlerRegistry
type DefaultHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[FrameKind]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[FrameKind]Handler),
	}
}

// Register implements HandlerRegistry
func (r *DefaultHandlerRegistry) Register(kind FrameKind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Get implements HandlerRegistry
func (r *DefaultHandlerRegistry) Get(kind FrameKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[kind]
	return handler, ok
}

// Handle implements HandlerRegistry
func (r *DefaultHandlerRegistry) Handle(ctx context.Context, frame *Frame) error {
	handler, ok := r.Get(frame.Kind)
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, "NO_HANDLER", "no handler found for frame kind").
			WithDetails(string(frame.Kind))
	}

	return handler.Handle(ctx, frame)
}
