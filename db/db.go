package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tripsync/channel"
)

// Mongo holds the client and the two collections the channels use. Change
// streams need a replica set (a single-node one is enough).
type Mongo struct {
	Client              *mongo.Client
	ItineraryCollection *mongo.Collection
	ExpensesCollection  *mongo.Collection
}

// Connect dials uri and checks the primary is reachable.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	m := &Mongo{
		Client:              client,
		ItineraryCollection: client.Database(database).Collection("itineraries"),
		ExpensesCollection:  client.Database(database).Collection("expenses"),
	}
	if err := m.CreateIndexes(ctx); err != nil {
		log.Printf("[Mongo] creating indexes failed: %v", err)
	}
	log.Printf("[Mongo] connected to %s", database)
	return m, nil
}

// CreateIndexes backs the per-identity, newest-first expense query.
func (m *Mongo) CreateIndexes(ctx context.Context) error {
	_, err := m.ExpensesCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "path", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	return err
}

// Documents exposes the itinerary collection as a DocumentChannel.
func (m *Mongo) Documents() channel.DocumentChannel {
	return &Documents{coll: m.ItineraryCollection}
}

// Collections exposes the expense records as a CollectionChannel.
func (m *Mongo) Collections() channel.CollectionChannel {
	return &Collections{coll: m.ExpensesCollection}
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
