package store

import (
	"context"
	"time"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "MONGO_CONNECT", "failed to connect to MongoDB")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "MONGO_PING", "failed to ping MongoDB")
	}
	return cli, nil
}

type messageDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Sender    string             `bson:"sender"`
	Recipient string             `bson:"recipient"`
	Text      string             `bson:"text,omitempty"`
	File      string             `bson:"file,omitempty"`
	Type      string             `bson:"type,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d messageDocument) toDomain() domain.Message {
	return domain.Message{
		ID:        d.ID.Hex(),
		Sender:    d.Sender,
		Recipient: d.Recipient,
		Text:      d.Text,
		FileRef:   d.File,
		FileKind:  d.Type,
		CreatedAt: d.CreatedAt,
	}
}

// Mongo stores messages in a MongoDB collection
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo creates a store over coll
func NewMongo(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll}
}

// EnsureIndexes creates the index backing Query
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "sender", Value: 1},
			{Key: "recipient", Value: 1},
			{Key: "createdAt", Value: 1},
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "MONGO_INDEX", "failed to create message index")
	}
	return nil
}

// Create implements domain.MessageStore
func (m *Mongo) Create(ctx context.Context, msg domain.NewMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	doc := messageDocument{
		ID:        primitive.NewObjectID(),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Text:      msg.Text,
		File:      msg.FileRef,
		Type:      msg.FileKind,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypePersistence, domain.ErrPersistence.Code, "failed to insert message")
	}
	return doc.ID.Hex(), nil
}

// Query implements domain.MessageStore
func (m *Mongo) Query(ctx context.Context, a, b string) ([]domain.Message, error) {
	users := bson.A{a, b}
	filter := bson.M{
		"sender":    bson.M{"$in": users},
		"recipient": bson.M{"$in": users},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "MONGO_QUERY", "failed to query messages")
	}
	defer cur.Close(ctx)

	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "MONGO_DECODE", "failed to decode messages")
	}

	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		msg := d.toDomain()
		// $in on both fields also matches a->a; keep only the pair
		if msg.Involves(a, b) {
			out = append(out, msg)
		}
	}
	return out, nil
}
