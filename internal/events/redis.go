package events

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis pushes msgpack-encoded events onto the tail of a list.
type Redis struct {
	rdb   *redis.Client
	queue string
}

// NewRedis parses url (redis://host:port/db) and pings the server.
func NewRedis(url, queue string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log.Printf("[events] redis publisher on %s, queue %s", opt.Addr, queue)
	return NewRedisClient(rdb, queue), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client, queue string) *Redis {
	return &Redis{rdb: rdb, queue: queue}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	b, err := msgpack.Marshal(stamp(ev))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.rdb.RPush(ctx, r.queue, b).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.queue, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
