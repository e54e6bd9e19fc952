package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func steppingClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func exerciseStore(t *testing.T, s domain.MessageStore) {
	t.Helper()
	ctx := context.Background()

	id1, err := s.Create(ctx, domain.NewMessage{Sender: "u1", Recipient: "u2", Text: "hi"})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.NewMessage{Sender: "u3", Recipient: "u1", Text: "elsewhere"})
	require.NoError(t, err)
	id3, err := s.Create(ctx, domain.NewMessage{Sender: "u2", Recipient: "u1", FileRef: "1-x-_-a.png", FileKind: "image/png"})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.NewMessage{Sender: "u1", Recipient: "u1", Text: "note to self"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id3)

	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		got, err := s.Query(ctx, pair[0], pair[1])
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, id1, got[0].ID)
		assert.Equal(t, "hi", got[0].Text)
		assert.Equal(t, id3, got[1].ID)
		assert.Equal(t, "1-x-_-a.png", got[1].FileRef)
		assert.Equal(t, "image/png", got[1].FileKind)
		assert.False(t, got[1].CreatedAt.Before(got[0].CreatedAt))
	}

	_, err = s.Create(ctx, domain.NewMessage{Sender: "u1", Recipient: "u2"})
	assert.True(t, errors.Is(err, domain.ErrInvalidMessage))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	s.now = steppingClock()
	exerciseStore(t, s)
	assert.Equal(t, 4, s.Len())
}

func TestMemoryStoreEmptyQuery(t *testing.T) {
	got, err := NewMemory().Query(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMemoryStoreHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Create(ctx, domain.NewMessage{Sender: "u1", Recipient: "u2", Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("RELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RELAY_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	cli, err := Connect(ctx, uri, 5*time.Second)
	require.NoError(t, err)
	defer cli.Disconnect(ctx)

	db := cli.Database("relay_test_" + primitive.NewObjectID().Hex())
	defer db.Drop(ctx)

	s := NewMongo(db.Collection("messages"))
	require.NoError(t, s.EnsureIndexes(ctx))
	exerciseStore(t, s)
}
