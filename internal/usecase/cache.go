package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Counter abstracts the Redis operations used by the rate limiter to make testing easier.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
}

// RedisCounter is a concrete implementation backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter adapter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key and returns the new value.
func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a time to live on key.
func (c *RedisCounter) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return c.client.Expire(ctx, key, expiration).Result()
}
