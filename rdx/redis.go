package rdx

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tripsync/channel"
)

const (
	docPrefix     = "doc:"
	colPrefix     = "col:"
	changesPrefix = "changes:"
)

// Redis backs both channel kinds with plain keys plus pub/sub notifications.
// Writers publish on changes:{path}; subscribers re-read on every message.
type Redis struct {
	Conn *redis.Client
}

func Connect(ctx context.Context, addr, password string, db int) (*Redis, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password, // Empty if no password
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping Redis at %s: %w", addr, err)
	}
	log.Printf("[Redis] connected to %s db=%d", addr, db)
	return &Redis{Conn: conn}, nil
}

func (r *Redis) Documents() channel.DocumentChannel {
	return &Documents{conn: r.Conn}
}

func (r *Redis) Collections() channel.CollectionChannel {
	return &Collections{conn: r.Conn}
}

func (r *Redis) Close() error {
	return r.Conn.Close()
}

func docKey(path string) string         { return docPrefix + path }
func colKey(path string) string         { return colPrefix + path }
func changesChannel(path string) string { return changesPrefix + path }

// watch subscribes to path's change notifications and calls refresh once
// up front and again for every message. It reports the first refresh error
// through onError and stops.
func watch(ctx context.Context, conn *redis.Client, path string, refresh func(context.Context) error, onError func(error)) (channel.Unsubscribe, error) {
	sub := conn.Subscribe(ctx, changesChannel(path))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	if err := refresh(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs := sub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					if subCtx.Err() == nil && onError != nil {
						onError(fmt.Errorf("subscription to %s closed", path))
					}
					return
				}
				if err := refresh(subCtx); err != nil {
					if subCtx.Err() == nil && onError != nil {
						onError(err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		_ = sub.Close()
	}, nil
}
