package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/transport/protocol"
)

// BroadcasterOptions represents broadcaster configuration options
type BroadcasterOptions struct {
	Logger      *logging.Logger
	EventBus    eventbus.Bus
	SendTimeout time.Duration
}

// Broadcaster pushes the full online roster to every registered connection.
type Broadcaster struct {
	registry    *Registry
	logger      *logging.Logger
	eventBus    eventbus.Bus
	sendTimeout time.Duration

	// mu orders broadcasts: a later roster is always queued after an earlier one.
	mu         sync.Mutex
	broadcasts int64
}

// NewBroadcaster creates a broadcaster reading from registry
func NewBroadcaster(registry *Registry, options BroadcasterOptions) *Broadcaster {
	if options.Logger == nil {
		options.Logger = logging.NewNop()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = 5 * time.Second
	}

	return &Broadcaster{
		registry:    registry,
		logger:      options.Logger,
		eventBus:    options.EventBus,
		sendTimeout: options.SendTimeout,
	}
}

// BroadcastPresence sends the current roster to every registered connection.
// A connection that cannot take the frame is skipped; the others still receive it.
func (b *Broadcaster) BroadcastPresence(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	online, clients := b.registry.Snapshot()

	frame, err := protocol.EncodePresence(online)
	if err != nil {
		b.logger.Error("failed to encode presence", "error", err)
		return
	}

	var successCount, errorCount int
	for _, client := range clients {
		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := client.Send(sendCtx, frame)
		cancel()

		if err != nil {
			errorCount++
			b.logger.Warn("failed to send presence",
				"client_id", client.ID(),
				"error", err,
			)
			continue
		}
		successCount++
	}

	atomic.AddInt64(&b.broadcasts, 1)

	if b.eventBus != nil {
		b.eventBus.PublishAsync(eventbus.NewEvent(
			eventbus.EventPresenceChanged,
			"presence-broadcaster",
			append([]domain.Identity(nil), online...),
		))
	}

	b.logger.Debug("presence broadcast complete",
		"online_users", len(online),
		"success_count", successCount,
		"error_count", errorCount,
	)
}

// Broadcasts returns how many presence broadcasts have been performed
func (b *Broadcaster) Broadcasts() int64 {
	return atomic.LoadInt64(&b.broadcasts)
}
