package rdx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tripsync/channel"
	"tripsync/models"
)

// Documents stores each itinerary as one JSON value under doc:{path}.
type Documents struct {
	conn *redis.Client
}

func (d *Documents) Get(ctx context.Context, path string) (*models.Itinerary, error) {
	raw, err := d.conn.Get(ctx, docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return decodeItinerary(raw)
}

// Replace writes the document and announces it in one MULTI/EXEC.
func (d *Documents) Replace(ctx context.Context, path string, doc models.Itinerary) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = d.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docKey(path), data, 0)
		pipe.Publish(ctx, changesChannel(path), "replace")
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (d *Documents) Subscribe(ctx context.Context, path string, onSnapshot func(*models.Itinerary), onError func(error)) (channel.Unsubscribe, error) {
	box := channel.NewMailbox(onSnapshot)
	unsub, err := watch(ctx, d.conn, path, func(ctx context.Context) error {
		doc, err := d.Get(ctx, path)
		if err != nil {
			return err
		}
		box.Put(doc)
		return nil
	}, onError)
	if err != nil {
		box.Close()
		return nil, err
	}
	return func() {
		unsub()
		box.Close()
	}, nil
}

func decodeItinerary(raw []byte) (*models.Itinerary, error) {
	var doc models.Itinerary
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode itinerary: %w", err)
	}
	return &doc, nil
}
