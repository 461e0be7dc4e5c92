package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"example.com/backstage/services/powerwatch/config"
	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by Get when neither tier holds the key.
var ErrCacheMiss = errors.New("cache miss")

// DeviceCache keeps resolved devices in Redis, shared by the API and worker
// processes, with a small in-process tier in front of it. The local tier
// expires quickly so an invalidation in another process is seen within
// LocalTTL.
type DeviceCache struct {
	client    *redis.Client
	namespace string
	local     *expirable.LRU[string, string]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewDeviceCache connects to Redis and fails when it does not answer a ping.
func NewDeviceCache(cfg config.RedisConfig) (*DeviceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", cfg.Addr, err)
	}

	return newDeviceCache(client, cfg.Namespace, cfg.LocalSize, cfg.LocalTTL), nil
}

// newDeviceCache builds the cache; a nil client leaves only the local tier.
func newDeviceCache(client *redis.Client, namespace string, localSize int, localTTL time.Duration) *DeviceCache {
	c := &DeviceCache{client: client, namespace: namespace}
	if localSize > 0 && localTTL > 0 {
		c.local = expirable.NewLRU[string, string](localSize, nil, localTTL)
	}
	return c
}

func (c *DeviceCache) Get(ctx context.Context, key string) (string, error) {
	if c.local != nil {
		if value, ok := c.local.Get(key); ok {
			c.hits.Add(1)
			return value, nil
		}
	}
	if c.client == nil {
		c.misses.Add(1)
		return "", ErrCacheMiss
	}

	value, err := c.client.Get(ctx, c.namespace+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
		return "", ErrCacheMiss
	case err != nil:
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}

	c.hits.Add(1)
	if c.local != nil {
		c.local.Add(key, value)
	}
	return value, nil
}

func (c *DeviceCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.client != nil {
		if err := c.client.Set(ctx, c.namespace+key, value, expiration).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
	}
	if c.local != nil {
		c.local.Add(key, value)
	}
	return nil
}

// Delete drops key from both tiers. The local tier is cleared even when
// Redis fails so this process never serves the stale value again.
func (c *DeviceCache) Delete(ctx context.Context, key string) error {
	if c.local != nil {
		c.local.Remove(key)
	}
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *DeviceCache) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
	}
	if c.local != nil {
		stats["localEntries"] = c.local.Len()
	}
	return stats
}

func (c *DeviceCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
