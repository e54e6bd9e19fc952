// Package presence mirrors this instance's online roster into Redis so other
// processes can see who is connected here.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// MirrorOptions configures a Mirror
type MirrorOptions struct {
	KeyPrefix string
	TTL       time.Duration
	Timeout   time.Duration
	Logger    *logging.Logger
}

// Mirror keeps the hash <prefix>:online:<instance> equal to the latest roster.
// The key expires unless refreshed, so a crashed instance drops out on its own.
type Mirror struct {
	client  redis.UniversalClient
	key     string
	ttl     time.Duration
	timeout time.Duration
	logger  *logging.Logger

	mu    sync.Mutex
	last  []domain.Identity
	subID string
	bus   eventbus.Bus

	// writeMu orders writes against Close; no write lands after closed is set
	writeMu sync.Mutex
	closed  bool
}

// NewMirror creates a mirror for one relay instance
func NewMirror(client redis.UniversalClient, instanceID string, options MirrorOptions) *Mirror {
	if options.KeyPrefix == "" {
		options.KeyPrefix = "relay"
	}
	if options.TTL <= 0 {
		options.TTL = time.Minute
	}
	if options.Timeout <= 0 {
		options.Timeout = 2 * time.Second
	}
	if options.Logger == nil {
		options.Logger = logging.NewNop()
	}

	return &Mirror{
		client:  client,
		key:     options.KeyPrefix + ":online:" + instanceID,
		ttl:     options.TTL,
		timeout: options.Timeout,
		logger:  options.Logger,
	}
}

// Key returns the Redis key holding this instance's roster
func (m *Mirror) Key() string {
	return m.key
}

// Attach subscribes the mirror to roster changes published on bus
func (m *Mirror) Attach(bus eventbus.Bus) {
	id := bus.Subscribe(eventbus.EventPresenceChanged, func(event *eventbus.Event) {
		online, ok := event.Data.([]domain.Identity)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		if err := m.Sync(ctx, online); err != nil {
			m.logger.Warn("failed to mirror presence", "key", m.key, "error", err)
		}
	})

	m.mu.Lock()
	m.bus = bus
	m.subID = id
	m.mu.Unlock()
}

// Sync replaces the mirrored roster with online
func (m *Mirror) Sync(ctx context.Context, online []domain.Identity) error {
	m.mu.Lock()
	m.last = append([]domain.Identity(nil), online...)
	m.mu.Unlock()

	return m.write(ctx, online)
}

// Run refreshes the key at half its TTL until ctx is done
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			online := append([]domain.Identity(nil), m.last...)
			m.mu.Unlock()

			refreshCtx, cancel := context.WithTimeout(ctx, m.timeout)
			if err := m.write(refreshCtx, online); err != nil {
				m.logger.Warn("failed to refresh presence", "key", m.key, "error", err)
			}
			cancel()
		}
	}
}

// Online reads the mirrored roster back, sorted by user id
func (m *Mirror) Online(ctx context.Context) ([]domain.Identity, error) {
	fields, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "PRESENCE_READ", "failed to read presence")
	}

	out := make([]domain.Identity, 0, len(fields))
	for userID, username := range fields {
		out = append(out, domain.Identity{UserID: userID, Username: username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close unsubscribes and removes the key. Later writes are ignored.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	bus, id := m.bus, m.subID
	m.bus, m.subID = nil, ""
	m.mu.Unlock()

	if bus != nil {
		bus.Unsubscribe(id)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.closed = true

	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "PRESENCE_CLEAR", "failed to clear presence")
	}
	return nil
}

func (m *Mirror) write(ctx context.Context, online []domain.Identity) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.key)
	if len(online) > 0 {
		values := make([]any, 0, len(online)*2)
		for _, id := range online {
			values = append(values, id.UserID, id.Username)
		}
		pipe.HSet(ctx, m.key, values...)
		pipe.Expire(ctx, m.key, m.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "PRESENCE_WRITE", "failed to write presence")
	}
	return nil
}
