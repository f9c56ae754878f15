package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// slidingWindowScript prunes, counts and records in one round trip so that
// concurrent workers cannot both take the last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter shares the sliding window across processes through a sorted set per service.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	return NewRedisLimiterWithClock(client, keyPrefix, time.Now)
}

// NewRedisLimiterWithClock creates a Redis limiter stamping requests with now.
func NewRedisLimiterWithClock(client *redis.Client, keyPrefix string, now func() time.Time) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: keyPrefix, now: now}
}

// Allow runs the sliding window script and reports Redis failures to the caller.
func (l *RedisLimiter) Allow(ctx context.Context, service string, requestsPerMinute int) (bool, error) {
	if requestsPerMinute <= 0 {
		return true, nil
	}

	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + service},
		now, Window.Milliseconds(), requestsPerMinute, member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script for %s: %w", service, err)
	}
	return res == 1, nil
}

// TryAcquire admits on Redis failure; the provider's own 429 remains the backstop.
func (l *RedisLimiter) TryAcquire(ctx context.Context, service string, requestsPerMinute int) bool {
	ok, err := l.Allow(ctx, service, requestsPerMinute)
	if err != nil {
		log.Warn().Err(err).Str("service", service).Msg("redis rate limiter unavailable, admitting request")
		return true
	}
	return ok
}

// Ping checks that the backing Redis answers.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
