package topic

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// topicDocument is the MongoDB representation of a topic snapshot.
type topicDocument struct {
	Name          string     `bson:"_id"`
	DeviceType    string     `bson:"deviceType,omitempty"`
	Temperature   *float64   `bson:"temperature,omitempty"`
	Humidity      *float64   `bson:"humidity,omitempty"`
	ObservedAt    *time.Time `bson:"observedAt,omitempty"`
	ActuatorState bool       `bson:"ledState"`
	CreatedAt     time.Time  `bson:"createdAt"`
	LastSeenAt    time.Time  `bson:"lastSeen"`
}

func toDocument(t Topic) topicDocument {
	doc := topicDocument{
		Name:          t.Name,
		DeviceType:    t.DeviceType,
		ActuatorState: t.ActuatorState,
		CreatedAt:     t.CreatedAt,
		LastSeenAt:    t.LastSeenAt,
	}
	if t.LastTelemetry != nil {
		temp := t.LastTelemetry.Temperature
		observed := t.LastTelemetry.ObservedAt
		doc.Temperature = &temp
		doc.Humidity = t.LastTelemetry.Humidity
		doc.ObservedAt = &observed
	}
	return doc
}

func (d topicDocument) topic() Topic {
	t := Topic{
		Name:          d.Name,
		DeviceType:    d.DeviceType,
		ActuatorState: d.ActuatorState,
		CreatedAt:     d.CreatedAt,
		LastSeenAt:    d.LastSeenAt,
	}
	if d.Temperature != nil {
		t.LastTelemetry = &Telemetry{Temperature: *d.Temperature, Humidity: d.Humidity}
		if d.ObservedAt != nil {
			t.LastTelemetry.ObservedAt = *d.ObservedAt
		}
	}
	return t
}

// MongoStore persists topic snapshots in a MongoDB collection keyed by name
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to MongoDB and verifies the connection
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("sensor-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// SaveAll upserts every topic in one unordered bulk write
func (s *MongoStore) SaveAll(ctx context.Context, topics []Topic) error {
	if len(topics) == 0 {
		return nil
	}

	writeModels := make([]mongo.WriteModel, len(topics))
	for i, t := range topics {
		filter := bson.M{"_id": t.Name}
		writeModels[i] = mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(toDocument(t)).SetUpsert(true)
	}

	opts := options.BulkWrite().SetOrdered(false)
	if _, err := s.collection.BulkWrite(ctx, writeModels, opts); err != nil {
		return fmt.Errorf("failed to upsert topics: %w", err)
	}
	return nil
}

// LoadAll returns every stored topic ordered by creation time
func (s *MongoStore) LoadAll(ctx context.Context) ([]Topic, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []topicDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode topics: %w", err)
	}

	topics := make([]Topic, 0, len(docs))
	for _, d := range docs {
		topics = append(topics, d.topic())
	}
	return topics, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
