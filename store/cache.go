package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/outflowhq/outflow/config"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outflow_cache_hits_total",
		Help: "Execution cache hits.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outflow_cache_misses_total",
		Help: "Execution cache misses.",
	})
)

// Cache is the Redis-backed read cache. Failures degrade to cache
// misses; the database remains the source of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache connects to Redis from the cache config.
func NewCache(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.ExecutionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl, logger: logger}, nil
}

// NewCacheWithClient wraps an existing client, used by tests.
func NewCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func executionKey(id string) string {
	return "execution:" + id
}

// GetExecution returns a cached execution, or (nil, nil) on a miss.
func (c *Cache) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	data, err := c.client.Get(ctx, executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		cacheMisses.Inc()
		c.logger.Warn("Cache read failed", "key", executionKey(id), "error", err)
		return nil, nil
	}

	var exec WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		c.logger.Warn("Cache entry corrupt, evicting", "key", executionKey(id), "error", err)
		c.client.Del(ctx, executionKey(id))
		cacheMisses.Inc()
		return nil, nil
	}
	cacheHits.Inc()
	return &exec, nil
}

// SetExecution stores an execution with the configured TTL.
func (c *Cache) SetExecution(ctx context.Context, exec *WorkflowExecution) {
	data, err := json.Marshal(exec)
	if err != nil {
		c.logger.Warn("Cache marshal failed", "execution_id", exec.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, executionKey(exec.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", "execution_id", exec.ID, "error", err)
	}
}

// InvalidateExecution drops the cached execution after a mutation.
func (c *Cache) InvalidateExecution(ctx context.Context, id string) {
	if err := c.client.Del(ctx, executionKey(id)).Err(); err != nil {
		c.logger.Warn("Cache invalidation failed", "execution_id", id, "error", err)
	}
}
