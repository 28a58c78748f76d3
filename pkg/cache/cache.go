// Package cache provides a Redis client wrapper for shared Remedy state.
//
// It stores per-action outcome statistics that feed the impact analyzer,
// mirrors the maintenance-mode flag for other instances and supports
// fixed-window rate limiting of the API.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

// Cache wraps a Redis client with Remedy-specific operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache client connected to the given address.
// The redisURL should be in "host:port" format or a redis:// URL.
func NewCache(ctx context.Context, redisURL string, logger *zap.Logger) (*Cache, error) {
	opts := &redis.Options{
		Addr:         redisURL,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	}
	if parsed, err := redis.ParseURL(redisURL); err == nil {
		parsed.DialTimeout, parsed.ReadTimeout, parsed.WriteTimeout = opts.DialTimeout, opts.ReadTimeout, opts.WriteTimeout
		parsed.PoolSize, parsed.MinIdleConns = opts.PoolSize, opts.MinIdleConns
		opts = parsed
	}
	client := redis.NewClient(opts)

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", redisURL, err)
	}

	logger = logging.OrNop(logger).Named("cache")
	logger.Info("connected to Redis", zap.String("addr", opts.Addr))
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logging.OrNop(logger)}
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		c.logger.Info("closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Publish sends a message on a pub/sub channel.
func (c *Cache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("cache: publish %q: %w", channel, err)
	}
	return nil
}

const maintenanceKey = "remedy:maintenance"

// SetMaintenance mirrors the maintenance-mode flag. The key expires after
// ttl so a crashed instance cannot hold the flag forever.
func (c *Cache) SetMaintenance(ctx context.Context, active bool, ttl time.Duration) error {
	if !active {
		return c.Delete(ctx, maintenanceKey)
	}
	return c.Set(ctx, maintenanceKey, strconv.FormatInt(time.Now().UTC().Unix(), 10), ttl)
}

// MaintenanceActive reports whether any instance holds maintenance mode.
func (c *Cache) MaintenanceActive(ctx context.Context) (bool, error) {
	v, err := c.Get(ctx, maintenanceKey)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// rateLimitLua atomically increments the counter and sets TTL only on the first
// request in the window. This prevents the TTL from being extended by subsequent
// requests, which would cause callers to be blocked longer than the intended window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit), false if rate-limited.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("remedy:ratelimit:%s", key)
	windowSeconds := int(window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}

	return result <= maxRequests, nil
}
