package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/zatekoja/notepipeline/internal/infrastructure/clients/redis"
)

func newRedisCache(t *testing.T, maxEntries int, ttl time.Duration) (*miniredis.Miniredis, *RedisAnalysisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedisAnalysisCache(redisclient.NewClientFromRedis(rdb), maxEntries, ttl).(*RedisAnalysisCache)
}

func TestRedisAnalysisCache_HitAndMiss(t *testing.T) {
	_, c := newRedisCache(t, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("k1", 0.9)))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", got.Result.Summary)
	assert.InDelta(t, 0.9, got.Confidence, 0.0001)

	_, ok, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAnalysisCache_TrimsOldestFirst(t *testing.T) {
	mr, c := newRedisCache(t, 3, time.Hour)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	for i := 0; i < 5; i++ {
		e := entry(fmt.Sprintf("k%d", i), 0.9)
		e.InsertedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, c.Set(ctx, e))
	}

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		_, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, i >= 2, ok, key)
		assert.Equal(t, i >= 2, mr.Exists(analysisKeyPrefix+key), key)
	}

	members, err := mr.ZMembers(analysisIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k3", "k4"}, members)
}

func TestRedisAnalysisCache_EntriesExpireWithTTL(t *testing.T) {
	mr, c := newRedisCache(t, 10, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("k1", 0.9)))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAnalysisCache_Delete(t *testing.T) {
	_, c := newRedisCache(t, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("k1", 0.9)))
	require.NoError(t, c.Delete(ctx, "k1"))

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
