// Package router validates inbound client frames, stores attachments, persists
// messages and pushes them to every live connection of the recipient.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/hub"
	"github.com/HMasataka/relay/pkg/transport/protocol"
)

// Options represents router configuration options
type Options struct {
	Logger       *logging.Logger
	EventBus     eventbus.Bus
	ErrorHandler errors.Handler
	Namer        *Namer

	// StoreTimeout bounds each blob and message store call
	StoreTimeout time.Duration
	// SendTimeout bounds each delivery and error frame send
	SendTimeout time.Duration
}

// Router handles messages arriving on registered connections
type Router struct {
	registry     *hub.Registry
	store        domain.MessageStore
	blobs        domain.BlobStore
	logger       *logging.Logger
	eventBus     eventbus.Bus
	errorHandler errors.Handler
	namer        *Namer
	storeTimeout time.Duration
	sendTimeout  time.Duration

	persisted atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
}

// New creates a router
func New(registry *hub.Registry, store domain.MessageStore, blobs domain.BlobStore, options Options) *Router {
	if options.Logger == nil {
		options.Logger = logging.NewNop()
	}
	if options.ErrorHandler == nil {
		options.ErrorHandler = errors.NewDefaultHandler(options.Logger.Logger)
	}
	if options.Namer == nil {
		options.Namer = NewNamer()
	}
	if options.StoreTimeout <= 0 {
		options.StoreTimeout = 10 * time.Second
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = 5 * time.Second
	}

	return &Router{
		registry:     registry,
		store:        store,
		blobs:        blobs,
		logger:       options.Logger,
		eventBus:     options.EventBus,
		errorHandler: options.ErrorHandler,
		namer:        options.Namer,
		storeTimeout: options.StoreTimeout,
		sendTimeout:  options.SendTimeout,
	}
}

// Handle routes one raw frame received on client. ctx is the connection context.
//
// Failures stay local to the message: the sender gets an error frame while its
// connection is alive, and the returned error is already reported.
func (r *Router) Handle(ctx context.Context, client domain.Client, raw []byte) error {
	identity, ok := r.registry.IdentityOf(client)
	if !ok {
		err := domain.ErrNotRegistered.WithDetails(client.ID())
		r.errorHandler.Handle(ctx, err)
		return err
	}

	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		return r.reject(ctx, client, err)
	}

	msg := domain.NewMessage{
		Sender:    identity.UserID,
		Recipient: in.Recipient,
		Text:      in.Text,
	}

	// Collaborator calls outlive the connection so a started write always completes.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()

	if in.File != nil {
		data, err := in.File.Bytes()
		if err != nil {
			return r.reject(ctx, client, err)
		}

		ref, err := r.blobs.Store(opCtx, r.namer.Derive(in.File.Name), data)
		if err != nil {
			return r.fail(ctx, client, errors.Wrap(err, errors.ErrorTypeBlobWrite, domain.ErrBlobWrite.Code, domain.ErrBlobWrite.Message))
		}

		msg.FileRef = ref
		msg.FileKind = in.File.MimeType
	}

	if err := msg.Validate(); err != nil {
		return r.reject(ctx, client, err)
	}

	id, err := r.store.Create(opCtx, msg)
	if err != nil {
		return r.fail(ctx, client, errors.Wrap(err, errors.ErrorTypePersistence, domain.ErrPersistence.Code, domain.ErrPersistence.Message))
	}

	r.persisted.Add(1)
	r.publish(eventbus.NewEvent(eventbus.EventMessagePersisted, "message-router", domain.Message{
		ID:        id,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Text:      msg.Text,
		FileRef:   msg.FileRef,
		FileKind:  msg.FileKind,
		CreatedAt: time.Now(),
	}))

	if ctx.Err() != nil {
		r.loggerFor(ctx).Debug("sender closed before delivery, message kept", "message_id", id)
		return nil
	}

	r.deliver(ctx, id, msg)
	return nil
}

// Persisted returns how many messages were stored
func (r *Router) Persisted() int64 {
	return r.persisted.Load()
}

// Delivered returns how many delivery frames were queued to recipient connections
func (r *Router) Delivered() int64 {
	return r.delivered.Load()
}

// Rejected returns how many inbound frames failed validation
func (r *Router) Rejected() int64 {
	return r.rejected.Load()
}

func (r *Router) deliver(ctx context.Context, id string, msg domain.NewMessage) {
	recipients := r.registry.ConnectionsFor(msg.Recipient)
	if len(recipients) == 0 {
		r.logger.Debug("recipient offline", "message_id", id, "recipient", msg.Recipient)
		return
	}

	frame, err := protocol.EncodeDelivery(protocol.NewDeliveryFrame(id, msg))
	if err != nil {
		r.errorHandler.Handle(ctx, errors.Wrap(err, errors.ErrorTypeInternal, "ENCODE_FAILURE", "failed to encode delivery"))
		return
	}

	for _, conn := range recipients {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := conn.Send(sendCtx, frame)
		cancel()

		if err != nil {
			r.logger.Warn("failed to deliver message",
				"message_id", id,
				"client_id", conn.ID(),
				"error", err,
			)
			continue
		}

		r.delivered.Add(1)
		r.publish(eventbus.NewEvent(eventbus.EventMessageDelivered, "message-router", id).
			WithMetadata("client_id", conn.ID()).
			WithMetadata("recipient", msg.Recipient))
	}
}

func (r *Router) reject(ctx context.Context, client domain.Client, err error) error {
	r.rejected.Add(1)
	return r.fail(ctx, client, err)
}

func (r *Router) fail(ctx context.Context, client domain.Client, err error) error {
	r.errorHandler.Handle(ctx, err)

	if ctx.Err() != nil {
		return err
	}

	frame, encErr := protocol.EncodeError(userMessage(err))
	if encErr != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if sendErr := client.Send(sendCtx, frame); sendErr != nil {
		r.loggerFor(ctx).Warn("failed to notify sender", "error", sendErr)
	}
	return err
}

// loggerFor prefers the connection logger carried by ctx
func (r *Router) loggerFor(ctx context.Context) *logging.Logger {
	if logger, ok := logging.Lookup(ctx); ok {
		return logger
	}
	return r.logger
}

func (r *Router) publish(event *eventbus.Event) {
	if r.eventBus != nil {
		r.eventBus.PublishAsync(event)
	}
}

// userMessage strips causes so store internals never reach the client
func userMessage(err error) string {
	var e *errors.Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Type == errors.ErrorTypeValidation && e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}
