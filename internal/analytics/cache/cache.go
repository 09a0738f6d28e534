// Package cache provides analytics.Cache backends: an in-process expirable
// LRU for single-instance deployments and Redis for shared caching.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a size-bounded in-process cache. Entries expire after the TTL the
// cache was built with; the per-call ttl passed to Set is ignored.
type LRU struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRU creates an LRU holding at most size entries for ttl each.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *LRU) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.lru.Add(key, val)
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of live entries.
func (c *LRU) Len() int { return c.lru.Len() }

// Redis stores entries in a shared Redis under a key prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps client. prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, val, ttl).Err()
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Ping checks connectivity, for readiness probes.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
