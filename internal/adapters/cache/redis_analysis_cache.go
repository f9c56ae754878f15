package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	redisclient "github.com/zatekoja/notepipeline/internal/infrastructure/clients/redis"
)

const (
	analysisKeyPrefix = "analysis:cache:"
	analysisIndexKey  = "analysis:cache:index"
)

// RedisAnalysisCache implements AnalysisCache on Redis. Entries expire through
// Redis TTLs; a sorted set ordered by insertion time enforces the size bound.
type RedisAnalysisCache struct {
	client     *redisclient.Client
	ttl        time.Duration
	maxEntries int
}

// NewRedisAnalysisCache creates a new Redis analysis cache
func NewRedisAnalysisCache(client *redisclient.Client, maxEntries int, ttl time.Duration) providers.AnalysisCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &RedisAnalysisCache{
		client:     client,
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves an entry from cache
func (c *RedisAnalysisCache) Get(ctx context.Context, key string) (*entities.AnalysisCacheEntry, bool, error) {
	raw, err := c.client.Client().Get(ctx, analysisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}

	var entry entities.AnalysisCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, true, nil
}

// Set stores an entry and trims the oldest entries beyond capacity
func (c *RedisAnalysisCache) Set(ctx context.Context, entry *entities.AnalysisCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	rdb := c.client.Client()
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, analysisKeyPrefix+entry.Key, raw, c.ttl)
	pipe.ZAdd(ctx, analysisIndexKey, redis.Z{Score: float64(entry.InsertedAt.UnixMilli()), Member: entry.Key})
	if c.ttl > 0 {
		pipe.ZRemRangeByScore(ctx, analysisIndexKey, "-inf", fmt.Sprintf("%d", time.Now().Add(-c.ttl).UnixMilli()))
	}
	card := pipe.ZCard(ctx, analysisIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}

	excess := card.Val() - int64(c.maxEntries)
	if excess <= 0 {
		return nil
	}

	evicted, err := rdb.ZPopMin(ctx, analysisIndexKey, excess).Result()
	if err != nil {
		return fmt.Errorf("failed to trim cache: %w", err)
	}
	keys := make([]string, 0, len(evicted))
	for _, z := range evicted {
		if member, ok := z.Member.(string); ok {
			keys = append(keys, analysisKeyPrefix+member)
		}
	}
	if len(keys) > 0 {
		if err := rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to evict cache entries: %w", err)
		}
	}
	return nil
}

// Delete removes an entry from cache
func (c *RedisAnalysisCache) Delete(ctx context.Context, key string) error {
	pipe := c.client.Client().TxPipeline()
	pipe.Del(ctx, analysisKeyPrefix+key)
	pipe.ZRem(ctx, analysisIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// Len returns the indexed entry count
func (c *RedisAnalysisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.Client().ZCard(ctx, analysisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}
