// Package cache is the Redis data plane for the bot: cache-aside reads,
// the write-behind queue lists, and cached file bytes.
//
// Availability is best-effort by design. Every operation degrades to a miss
// or a no-op when Redis is unreachable; errors are never surfaced to
// callers, only to metrics and the log. A circuit breaker short-circuits
// calls after repeated failures so a dead Redis does not add latency to
// every request.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/castellanbot/castellan/internal/observability"
)

// Config configures the cache client.
type Config struct {
	Addr     string
	Password string
	DB       int

	// PoolSize caps the shared connection pool. Default 20.
	PoolSize int

	// OpTimeout bounds connect and per-operation time. Default 5s.
	OpTimeout time.Duration

	// FailureThreshold trips the breaker after this many consecutive
	// failures. Default 3.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open. Default 5s.
	OpenDuration time.Duration
}

// Client wraps go-redis with the breaker and miss-on-failure semantics.
type Client struct {
	rdb     *redis.Client
	breaker *breaker
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a cache client and verifies connectivity with a ping. A ping
// failure is logged but not fatal: the bot runs degraded against the
// database until Redis comes back.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.OpTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	onTransition := func(state string) {
		if metrics != nil {
			metrics.CacheBreakerState.WithLabelValues(state).Inc()
		}
	}

	c := &Client{
		rdb:     rdb,
		breaker: newBreaker(cfg.FailureThreshold, cfg.OpenDuration, onTransition),
		timeout: cfg.OpTimeout,
		logger:  logger,
		metrics: metrics,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "redis unreachable at startup, running degraded", "error", err.Error())
	}

	return c
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Available reports whether the breaker currently admits calls.
func (c *Client) Available() bool {
	return c.breaker.allow()
}

// Get returns the value for key. ok is false on miss or when the cache is
// unavailable; callers fall through to the database either way.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.breaker.allow() {
		c.count("get", "skipped")
		return nil, false
	}

	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.breaker.success()
			c.count("get", "miss")
			return nil, false
		}
		c.fail(ctx, "get", err)
		return nil, false
	}
	c.breaker.success()
	c.count("get", "hit")
	return val, true
}

// Set stores val under key with the given TTL. Failures are swallowed.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if !c.breaker.allow() {
		c.count("set", "skipped")
		return
	}
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		c.fail(ctx, "set", err)
		return
	}
	c.breaker.success()
	c.count("set", "hit")
}

// Delete removes keys. Failures are swallowed.
func (c *Client) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 || !c.breaker.allow() {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.fail(ctx, "del", err)
		return
	}
	c.breaker.success()
	c.count("del", "hit")
}

// RPush appends values to a list. Returns false when the push did not
// happen (cache unavailable), so callers can log the skipped write.
func (c *Client) RPush(ctx context.Context, key string, vals ...any) bool {
	if !c.breaker.allow() {
		c.count("list", "skipped")
		return false
	}
	if err := c.rdb.RPush(ctx, key, vals...).Err(); err != nil {
		c.fail(ctx, "list", err)
		return false
	}
	c.breaker.success()
	return true
}

// LPopCount pops up to n entries from the head of a list. An empty slice
// with ok=true means the list was empty; ok=false means unavailable.
func (c *Client) LPopCount(ctx context.Context, key string, n int) ([]string, bool) {
	if n <= 0 || !c.breaker.allow() {
		return nil, false
	}
	vals, err := c.rdb.LPopCount(ctx, key, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.breaker.success()
			return nil, true
		}
		c.fail(ctx, "list", err)
		return nil, false
	}
	c.breaker.success()
	return vals, true
}

// LLen returns the length of a list, or 0 when unavailable.
func (c *Client) LLen(ctx context.Context, key string) int64 {
	if !c.breaker.allow() {
		return 0
	}
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		c.fail(ctx, "list", err)
		return 0
	}
	c.breaker.success()
	return n
}

// MGet fetches several keys in one pipelined round trip. The result slice
// is positional; missing keys yield nil entries. ok is false when the
// cache is unavailable.
func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, bool) {
	if len(keys) == 0 {
		return nil, true
	}
	if !c.breaker.allow() {
		c.count("get", "skipped")
		return nil, false
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.fail(ctx, "get", err)
		return nil, false
	}
	c.breaker.success()

	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
			c.count("get", "hit")
		} else {
			c.count("get", "miss")
		}
	}
	return out, true
}

// MSet stores several key/value pairs with per-key TTLs using a pipeline.
func (c *Client) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) {
	if len(entries) == 0 || !c.breaker.allow() {
		return
	}
	pipe := c.rdb.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.fail(ctx, "set", err)
		return
	}
	c.breaker.success()
}

func (c *Client) fail(ctx context.Context, op string, err error) {
	c.breaker.failure()
	c.count(op, "error")
	c.logger.Debug(ctx, "cache operation failed", "op", op, "error", err.Error())
}

func (c *Client) count(op, outcome string) {
	if c.metrics != nil {
		c.metrics.CacheOps.WithLabelValues(op, outcome).Inc()
	}
}
