package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tripsync/channel"
	"tripsync/models"
)

// expenseDoc stores cost as a decimal string so amounts round-trip exactly.
type expenseDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	Path      string             `bson:"path"`
	Item      string             `bson:"item"`
	Cost      string             `bson:"cost"`
	Timestamp time.Time          `bson:"timestamp"`
	UserID    string             `bson:"userId"`
}

func (e expenseDoc) expense() (models.Expense, error) {
	cost, err := decimal.NewFromString(e.Cost)
	if err != nil {
		return models.Expense{}, fmt.Errorf("record %s: bad cost %q: %w", e.ID.Hex(), e.Cost, err)
	}
	return models.Expense{
		ID:        e.ID.Hex(),
		Item:      e.Item,
		Cost:      cost,
		Timestamp: e.Timestamp.UTC(),
		UserID:    e.UserID,
	}, nil
}

// Collections is a CollectionChannel keeping every path's records in one Mongo
// collection, partitioned by the path field.
type Collections struct {
	coll *mongo.Collection
}

// Append upserts the record with $currentDate so the timestamp is the server's
// write time, not the client's clock.
func (c *Collections) Append(ctx context.Context, path string, rec models.Expense) (string, error) {
	id := primitive.NewObjectID()
	update := bson.M{
		"$set": bson.M{
			"path":   path,
			"item":   rec.Item,
			"cost":   rec.Cost.String(),
			"userId": rec.UserID,
		},
		"$currentDate": bson.M{"timestamp": bson.M{"$type": "date"}},
	}
	_, err := c.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", path, err)
	}
	return id.Hex(), nil
}

func (c *Collections) Delete(ctx context.Context, path, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		// not an id this channel could have issued, so nothing to delete
		return nil
	}
	if _, err := c.coll.DeleteOne(ctx, bson.M{"_id": oid, "path": path}); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, path, err)
	}
	return nil
}

func (c *Collections) list(ctx context.Context, path string, order channel.OrderHint) ([]models.Expense, error) {
	cursor, err := c.coll.Find(ctx, bson.M{"path": path}, options.Find().SetSort(sortFor(order)))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	defer cursor.Close(ctx)

	records := []models.Expense{}
	for cursor.Next(ctx) {
		var doc expenseDoc
		if err := cursor.Decode(&doc); err != nil {
			log.Printf("[Mongo] skipping undecodable record in %s: %v", path, err)
			continue
		}
		rec, err := doc.expense()
		if err != nil {
			log.Printf("[Mongo] skipping record in %s: %v", path, err)
			continue
		}
		records = append(records, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return records, nil
}

// recordChange is the part of a change event Subscribe needs to decide
// whether to re-read.
type recordChange struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID primitive.ObjectID `bson:"_id"`
	} `bson:"documentKey"`
}

// Subscribe re-reads the path's records whenever a change may have touched
// them. Deletes carry no document and so reach every subscriber; a delete
// only triggers a re-read when it removes a record the last read returned.
func (c *Collections) Subscribe(ctx context.Context, path string, order channel.OrderHint, onSnapshot func([]models.Expense), onError func(error)) (channel.Unsubscribe, error) {
	stream, err := c.coll.Watch(ctx, recordPipeline(path))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	current, err := c.list(ctx, path, order)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	box := channel.NewMailbox(onSnapshot)
	box.Put(current)

	go func() {
		defer stream.Close(context.Background())
		var readErr error
		held := recordIDs(current)
		for readErr == nil && stream.Next(subCtx) {
			var ev recordChange
			if err := stream.Decode(&ev); err != nil {
				log.Printf("[Mongo] decoding change on %s: %v", path, err)
			} else if !affects(ev, held) {
				continue
			}
			var records []models.Expense
			records, readErr = c.list(subCtx, path, order)
			if readErr == nil {
				held = recordIDs(records)
				box.Put(records)
			}
		}
		if subCtx.Err() != nil {
			return
		}
		err := readErr
		if err == nil {
			err = stream.Err()
		}
		if err == nil {
			err = fmt.Errorf("change stream closed")
		}
		if onError != nil {
			onError(fmt.Errorf("watch %s: %w", path, err))
		}
	}()

	return func() {
		cancel()
		box.Close()
	}, nil
}

func recordPipeline(path string) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument.path", Value: path}},
		bson.D{{Key: "operationType", Value: "delete"}},
	}}}}}}
}

// affects reports whether ev can change a path whose last read returned held.
// The pipeline already limited inserts to the path.
func affects(ev recordChange, held map[string]struct{}) bool {
	if ev.OperationType != "delete" {
		return true
	}
	_, ok := held[ev.DocumentKey.ID.Hex()]
	return ok
}

func recordIDs(records []models.Expense) map[string]struct{} {
	ids := make(map[string]struct{}, len(records))
	for _, r := range records {
		ids[r.ID] = struct{}{}
	}
	return ids
}

func sortFor(order channel.OrderHint) bson.D {
	dir := -1
	if order == channel.TimestampAsc {
		dir = 1
	}
	return bson.D{{Key: "timestamp", Value: dir}, {Key: "_id", Value: dir}}
}
