// Package cache wraps a Redis client with key namespacing and the counter
// primitive used for frequency capping.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// Cache namespaces every key under a prefix.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New wraps client. Keys are stored as prefix:namespace:key.
func New(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(namespace, key string) string {
	if c.prefix == "" {
		return namespace + ":" + key
	}
	return c.prefix + ":" + namespace + ":" + key
}

// Client returns the underlying client.
func (c *Cache) Client() redis.UniversalClient {
	return c.client
}

func (c *Cache) Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(namespace, key), value, ttl).Err()
}

// Get returns ErrMiss when the key is absent.
func (c *Cache) Get(ctx context.Context, namespace, key string) (string, error) {
	v, err := c.client.Get(ctx, c.key(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, c.key(namespace, key)).Err()
}

// IncrWithExpire increments a counter and starts its expiry window on first
// use. It returns the new count and the remaining window.
func (c *Cache) IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, time.Duration, error) {
	countKey := c.key(namespace, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, countKey)
		pipe.ExpireNX(ctx, countKey, window)
		ttl = pipe.PTTL(ctx, countKey)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// Decr undoes one IncrWithExpire.
func (c *Cache) Decr(ctx context.Context, namespace, key string) error {
	return c.client.Decr(ctx, c.key(namespace, key)).Err()
}
