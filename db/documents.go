package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tripsync/channel"
	"tripsync/models"
)

// itineraryDoc is the stored shape: the channel path is the document _id.
type itineraryDoc struct {
	Path      string       `bson:"_id"`
	Days      []models.Day `bson:"days"`
	UpdatedAt time.Time    `bson:"updatedAt"`
}

type docChange struct {
	OperationType string        `bson:"operationType"`
	FullDocument  *itineraryDoc `bson:"fullDocument"`
}

// Documents is a DocumentChannel over one Mongo collection.
type Documents struct {
	coll *mongo.Collection
}

func (d *Documents) Get(ctx context.Context, path string) (*models.Itinerary, error) {
	var doc itineraryDoc
	err := d.coll.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return &models.Itinerary{Days: doc.Days}, nil
}

func (d *Documents) Replace(ctx context.Context, path string, it models.Itinerary) error {
	doc := itineraryDoc{Path: path, Days: it.Days, UpdatedAt: time.Now().UTC()}
	if doc.Days == nil {
		doc.Days = []models.Day{}
	}
	_, err := d.coll.ReplaceOne(ctx, bson.M{"_id": path}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Subscribe opens a change stream on the document before reading it, so no
// change between the read and the watch is lost.
func (d *Documents) Subscribe(ctx context.Context, path string, onSnapshot func(*models.Itinerary), onError func(error)) (channel.Unsubscribe, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: path}}}}}
	stream, err := d.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	current, err := d.Get(ctx, path)
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
		for readErr == nil && stream.Next(subCtx) {
			var ev docChange
			if err := stream.Decode(&ev); err != nil {
				log.Printf("[Mongo] decoding change on %s: %v", path, err)
				continue
			}
			snap, ok := snapshotFromChange(ev)
			if !ok {
				// update without a looked-up document, read it instead
				snap, readErr = d.Get(subCtx, path)
				if readErr != nil {
					continue
				}
			}
			box.Put(snap)
		}
		if subCtx.Err() != nil {
			return
		}
		err := errors.Join(readErr, stream.Err())
		if err == nil {
			err = errors.New("change stream closed")
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

// snapshotFromChange maps a change event to the snapshot it implies. ok is
// false when the event carries no document to use.
func snapshotFromChange(ev docChange) (snap *models.Itinerary, ok bool) {
	switch ev.OperationType {
	case "delete", "drop", "invalidate":
		return nil, true
	case "insert", "replace", "update":
		if ev.FullDocument == nil {
			return nil, false
		}
		return &models.Itinerary{Days: ev.FullDocument.Days}, true
	default:
		return nil, false
	}
}
