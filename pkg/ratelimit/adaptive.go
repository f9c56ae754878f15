package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend names reported by AdaptiveLimiter.Backend.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

const pingTimeout = 2 * time.Second

// AdaptiveLimiter prefers the shared Redis window and drops to the in-process
// window whenever Redis misbehaves. Callers never see a Redis error.
type AdaptiveLimiter struct {
	redis   *RedisLimiter
	memory  *MemoryLimiter
	recheck time.Duration

	mu        sync.Mutex
	useRedis  bool
	lastCheck time.Time
	checked   bool
}

// NewAdaptiveLimiter creates a limiter that pings redis on first use and every
// recheck interval thereafter. A nil redis limiter pins the memory backend.
func NewAdaptiveLimiter(redis *RedisLimiter, memory *MemoryLimiter, recheck time.Duration) *AdaptiveLimiter {
	if memory == nil {
		memory = NewMemoryLimiter()
	}
	if recheck <= 0 {
		recheck = time.Minute
	}
	return &AdaptiveLimiter{
		redis:   redis,
		memory:  memory,
		recheck: recheck,
	}
}

// TryAcquire admits through the currently selected backend.
func (l *AdaptiveLimiter) TryAcquire(ctx context.Context, service string, requestsPerMinute int) bool {
	if l.selectRedis(ctx) {
		ok, err := l.redis.Allow(ctx, service, requestsPerMinute)
		if err == nil {
			return ok
		}
		l.demote(err)
	}
	return l.memory.TryAcquire(ctx, service, requestsPerMinute)
}

// Backend reports which window the next call would use.
func (l *AdaptiveLimiter) Backend() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useRedis {
		return BackendRedis
	}
	return BackendMemory
}

func (l *AdaptiveLimiter) selectRedis(ctx context.Context) bool {
	if l.redis == nil {
		return false
	}

	l.mu.Lock()
	due := !l.checked || time.Since(l.lastCheck) >= l.recheck
	if !due {
		use := l.useRedis
		l.mu.Unlock()
		return use
	}
	l.checked = true
	l.lastCheck = time.Now()
	l.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := l.redis.Ping(pingCtx)

	l.mu.Lock()
	defer l.mu.Unlock()
	healthy := err == nil
	if healthy != l.useRedis {
		log.Info().
			Bool("redis", healthy).
			AnErr("ping_error", err).
			Msg("rate limiter backend changed")
	}
	l.useRedis = healthy
	return healthy
}

func (l *AdaptiveLimiter) demote(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useRedis {
		log.Warn().Err(err).Msg("redis rate limiter failed, falling back to memory")
	}
	l.useRedis = false
}
