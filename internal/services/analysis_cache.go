package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
)

// AnalysisCache stores finished analysis results keyed by content hash and
// model, so re-analyzing identical bytes is free. A cache miss or a cache
// error are both just "not cached" to callers.
type AnalysisCache interface {
	Get(ctx context.Context, key string) (*AnalysisResult, bool)
	Set(ctx context.Context, key string, result *AnalysisResult, ttl time.Duration)
}

type redisAnalysisCache struct {
	log    *logger.Logger
	client *redis.Client
}

func NewRedisAnalysisCache(log *logger.Logger) (AnalysisCache, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisAnalysisCache{
		log:    log.With("service", "AnalysisCache"),
		client: client,
	}, nil
}

func (c *redisAnalysisCache) Get(ctx context.Context, key string) (*AnalysisResult, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("Cache read failed", "key", key, "error", err.Error())
		return nil, false
	}
	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.log.Warn("Cache entry corrupt, ignoring", "key", key, "error", err.Error())
		return nil, false
	}
	return &result, true
}

func (c *redisAnalysisCache) Set(ctx context.Context, key string, result *AnalysisResult, ttl time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Warn("Cache write failed", "key", key, "error", err.Error())
	}
}

// memoryAnalysisCache backs tests and single-node dev runs without redis.
type memoryAnalysisCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	result    AnalysisResult
	expiresAt time.Time
}

func NewMemoryAnalysisCache() AnalysisCache {
	return &memoryAnalysisCache{entries: map[string]memoryCacheEntry{}}
}

func (c *memoryAnalysisCache) Get(ctx context.Context, key string) (*AnalysisResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	result := entry.result
	return &result, true
}

func (c *memoryAnalysisCache) Set(ctx context.Context, key string, result *AnalysisResult, ttl time.Duration) {
	if result == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = memoryCacheEntry{result: *result, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}
