package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/transport/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
	ctx    context.Context
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, ctx: context.Background()}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(_ context.Context, message []byte) error {
	if c.fail {
		return domain.ErrSendBufferFull
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, message)
	return nil
}

func (c *fakeClient) Close() error              { return nil }
func (c *fakeClient) Context() context.Context { return c.ctx }

func (c *fakeClient) presence(t *testing.T) [][]domain.Identity {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]domain.Identity
	for _, f := range c.frames {
		var p protocol.PresenceFrame
		require.NoError(t, json.Unmarshal(f, &p))
		out = append(out, p.Online)
	}
	return out
}

func alice() domain.Identity { return domain.Identity{UserID: "u1", Username: "alice"} }
func bob() domain.Identity   { return domain.Identity{UserID: "u2", Username: "bob"} }

func TestRegisterRejectsDuplicateConnection(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	c := newFakeClient("c1")

	require.NoError(t, reg.Register(c, alice()))
	err := reg.Register(c, alice())
	assert.True(t, errors.Is(err, domain.ErrDuplicateRegistration))
}

func TestRegisterRejectsEmptyIdentity(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	err := reg.Register(newFakeClient("c1"), domain.Identity{})
	assert.True(t, errors.Is(err, domain.ErrAuthFailure))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	c := newFakeClient("c1")

	require.NoError(t, reg.Register(c, alice()))
	assert.True(t, reg.Deregister(c))
	assert.False(t, reg.Deregister(c))
	assert.False(t, reg.Deregister(newFakeClient("never")))
	assert.Empty(t, reg.SnapshotOnline())
}

func TestSnapshotDeduplicatesUsers(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	phone, laptop := newFakeClient("c1"), newFakeClient("c2")

	require.NoError(t, reg.Register(phone, alice()))
	require.NoError(t, reg.Register(laptop, alice()))
	require.NoError(t, reg.Register(newFakeClient("c3"), bob()))

	assert.Equal(t, []domain.Identity{alice(), bob()}, reg.SnapshotOnline())
	assert.ElementsMatch(t, []domain.Client{phone, laptop}, reg.ConnectionsFor("u1"))

	reg.Deregister(phone)
	assert.Equal(t, []domain.Identity{alice(), bob()}, reg.SnapshotOnline())
	assert.Equal(t, []domain.Client{laptop}, reg.ConnectionsFor("u1"))

	reg.Deregister(laptop)
	assert.Equal(t, []domain.Identity{bob()}, reg.SnapshotOnline())
	assert.Empty(t, reg.ConnectionsFor("u1"))

	clients, users := reg.Count()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, users)
}

func TestIdentityOf(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	c := newFakeClient("c1")

	_, ok := reg.IdentityOf(c)
	assert.False(t, ok)

	require.NoError(t, reg.Register(c, bob()))
	id, ok := reg.IdentityOf(c)
	require.True(t, ok)
	assert.Equal(t, bob(), id)
}

func TestConcurrentRegisterDeregisterConverges(t *testing.T) {
	reg := NewRegistry(logging.NewNop())

	const workers = 32
	var wg sync.WaitGroup
	kept := make([]domain.Client, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := domain.Identity{UserID: fmt.Sprintf("u%02d", i), Username: "user"}

			for j := 0; j < 20; j++ {
				c := newFakeClient(fmt.Sprintf("tmp-%d-%d", i, j))
				assert.NoError(t, reg.Register(c, identity))
				_ = reg.SnapshotOnline()
				reg.Deregister(c)
			}

			if i%2 == 0 {
				c := newFakeClient(fmt.Sprintf("keep-%d", i))
				assert.NoError(t, reg.Register(c, identity))
				kept[i] = c
			}
		}(i)
	}
	wg.Wait()

	online := reg.SnapshotOnline()
	require.Len(t, online, workers/2)
	for _, identity := range online {
		var n int
		_, err := fmt.Sscanf(identity.UserID, "u%02d", &n)
		require.NoError(t, err)
		assert.Zero(t, n%2, "ghost user %s", identity.UserID)
	}
}

func TestBroadcastPresenceReachesEveryClient(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	b := NewBroadcaster(reg, BroadcasterOptions{Logger: logging.NewNop()})

	a, c := newFakeClient("c1"), newFakeClient("c2")
	require.NoError(t, reg.Register(a, alice()))
	b.BroadcastPresence(context.Background())
	require.NoError(t, reg.Register(c, bob()))
	b.BroadcastPresence(context.Background())

	assert.Equal(t, [][]domain.Identity{{alice()}, {alice(), bob()}}, a.presence(t))
	assert.Equal(t, [][]domain.Identity{{alice(), bob()}}, c.presence(t))
	assert.Equal(t, int64(2), b.Broadcasts())
}

func TestBroadcastSkipsFailingClient(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	b := NewBroadcaster(reg, BroadcasterOptions{Logger: logging.NewNop()})

	slow := newFakeClient("slow")
	slow.fail = true
	ok := newFakeClient("ok")

	require.NoError(t, reg.Register(slow, alice()))
	require.NoError(t, reg.Register(ok, bob()))
	b.BroadcastPresence(context.Background())

	assert.Len(t, ok.presence(t), 1)
}

func TestBroadcastPublishesPresenceChanged(t *testing.T) {
	bus := eventbus.NewInMemoryBus(4)
	bus.Start(context.Background())
	defer bus.Stop()

	got := make(chan []domain.Identity, 1)
	bus.Subscribe(eventbus.EventPresenceChanged, func(e *eventbus.Event) {
		got <- e.Data.([]domain.Identity)
	})

	reg := NewRegistry(logging.NewNop())
	b := NewBroadcaster(reg, BroadcasterOptions{Logger: logging.NewNop(), EventBus: bus})
	require.NoError(t, reg.Register(newFakeClient("c1"), alice()))
	b.BroadcastPresence(context.Background())

	select {
	case online := <-got:
		assert.Equal(t, []domain.Identity{alice()}, online)
	case <-time.After(time.Second):
		t.Fatal("presence.changed not published")
	}
}
