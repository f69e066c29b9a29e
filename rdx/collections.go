package rdx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"tripsync/channel"
	"tripsync/models"
	"tripsync/utils"
)

// Collections keeps each collection in a hash at col:{path}, one JSON record
// per field keyed by record id.
type Collections struct {
	conn *redis.Client
}

// Append stamps the record with the Redis server clock, not the caller's.
func (c *Collections) Append(ctx context.Context, path string, rec models.Expense) (string, error) {
	now, err := c.conn.Time(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: server time: %w", path, err)
	}
	rec.ID = utils.GetUUID()
	rec.Timestamp = now.UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	_, err = c.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, colKey(path), rec.ID, data)
		pipe.Publish(ctx, changesChannel(path), "append")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", path, err)
	}
	return rec.ID, nil
}

func (c *Collections) Delete(ctx context.Context, path, id string) error {
	n, err := c.conn.HDel(ctx, colKey(path), id).Result()
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, path, err)
	}
	if n == 0 {
		return nil
	}
	if err := c.conn.Publish(ctx, changesChannel(path), "delete").Err(); err != nil {
		log.Printf("[Redis] announcing delete on %s: %v", path, err)
	}
	return nil
}

func (c *Collections) list(ctx context.Context, path string, order channel.OrderHint) ([]models.Expense, error) {
	fields, err := c.conn.HGetAll(ctx, colKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return decodeRecords(fields, order), nil
}

func (c *Collections) Subscribe(ctx context.Context, path string, order channel.OrderHint, onSnapshot func([]models.Expense), onError func(error)) (channel.Unsubscribe, error) {
	box := channel.NewMailbox(onSnapshot)
	unsub, err := watch(ctx, c.conn, path, func(ctx context.Context) error {
		records, err := c.list(ctx, path, order)
		if err != nil {
			return err
		}
		box.Put(records)
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

// decodeRecords turns hash fields into ordered records, skipping any that do
// not decode.
func decodeRecords(fields map[string]string, order channel.OrderHint) []models.Expense {
	records := make([]models.Expense, 0, len(fields))
	for id, raw := range fields {
		var rec models.Expense
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("[Redis] skipping record %s: %v", id, err)
			continue
		}
		rec.ID = id
		records = append(records, rec)
	}
	channel.ApplyOrder(order, records)
	return records
}
