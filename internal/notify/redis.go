package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBackend publishes change-commit events to a Redis Pub/Sub channel.
type RedisBackend struct {
	client  *redis.Client
	channel string
}

func NewRedisBackend(addr, channel string) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisBackend{client: client, channel: channel}
}

func (r *RedisBackend) Name() string {
	return "redis"
}

func (r *RedisBackend) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
