// Package container builds the shared pipeline dependencies once per process.
package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/adapters/audio"
	"github.com/zatekoja/notepipeline/internal/adapters/cache"
	"github.com/zatekoja/notepipeline/internal/adapters/database"
	"github.com/zatekoja/notepipeline/internal/adapters/events"
	"github.com/zatekoja/notepipeline/internal/adapters/storage"
	"github.com/zatekoja/notepipeline/internal/application/services"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/internal/infrastructure/clients/openai"
	"github.com/zatekoja/notepipeline/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/notepipeline/internal/infrastructure/clients/redis"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/circuitbreaker"
	"github.com/zatekoja/notepipeline/pkg/config"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
	"github.com/zatekoja/notepipeline/pkg/ratelimit"
	"github.com/zatekoja/notepipeline/pkg/retry"
)

// Container holds the process-wide pipeline wiring.
type Container struct {
	Config      *config.Config
	Metrics     *observability.Metrics
	Postgres    *postgres.Client
	Redis       *redis.Client // nil when Redis is disabled or unreachable
	Limiter     *ratelimit.AdaptiveLimiter
	Breakers    *circuitbreaker.Registry
	Events      providers.EventBus
	Flags       *services.FeatureFlags
	Coordinator *services.ProcessingCoordinator
	Sweeper     *services.LockSweeper
}

// New connects to Postgres and (optionally) Redis and assembles the coordinator.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*Container, error) {
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}
	if err := pgClient.EnsureSchema(ctx); err != nil {
		pgClient.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Redis)
		if err != nil {
			// The pipeline runs without Redis on in-process limiter, cache and no events.
			log.Warn().Err(err).Msg("Redis unavailable, continuing with in-process fallbacks")
			redisClient = nil
		}
	}

	speech, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		pgClient.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	store, err := NewAudioStore(ctx, &cfg.Storage)
	if err != nil {
		pgClient.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		Metrics:  metrics,
		Postgres: pgClient,
		Redis:    redisClient,
		Limiter:  NewLimiter(&cfg.RateLimit, redisClient),
		Breakers: NewBreakers(&cfg.CircuitBreaker),
		Events:   NewEventBus(redisClient),
		Flags:    services.NewFeatureFlags(),
	}

	notes := database.NewNoteAdapter(pgClient)
	errorLog := database.NewProcessingErrorAdapter(pgClient)
	locks := services.NewLockManager(notes)

	transcriptionBreaker, _ := c.Breakers.Get(services.ServiceTranscription)
	analysisBreaker, _ := c.Breakers.Get(services.ServiceAnalysis)
	retryCfg := RetryPolicy(&cfg.Retry)

	transcriber := services.NewTranscriptionService(
		speech,
		audio.NewByteSplitter(),
		services.NewAudioAnalyzer(cfg.Audio),
		services.NewChunkMerger(),
		c.Limiter,
		transcriptionBreaker,
		metrics,
		services.TranscriptionSettings{
			StandardModel:    cfg.OpenAI.TranscriptionModel,
			HighModel:        cfg.OpenAI.TranscriptionHighModel,
			Language:         cfg.OpenAI.TranscriptionLanguage,
			RequestsPerMin:   cfg.RateLimit.TranscriptionRPM,
			ChunkConcurrency: cfg.Processing.ChunkConcurrency,
			ChunkBatchPause:  cfg.Processing.ChunkBatchPause,
			Retry:            retryCfg,
		},
	)

	analysis := services.NewAnalysisService(
		speech,
		NewAnalysisCache(&cfg.Cache, redisClient),
		services.NewComplexityScorer(cfg.Complexity, cfg.OpenAI.SimpleModel, cfg.OpenAI.StandardModel, cfg.OpenAI.ComplexModel),
		c.Limiter,
		analysisBreaker,
		metrics,
		services.AnalysisSettings{
			LegacyModel:         cfg.OpenAI.Model,
			LegacyTemperature:   cfg.Complexity.StandardTemperature,
			LegacyMaxTokens:     cfg.Complexity.StandardMaxTokens,
			RequestsPerMin:      cfg.RateLimit.AnalysisRPM,
			ConfidenceThreshold: cfg.Cache.ConfidenceThreshold,
			Retry:               retryCfg,
		},
	)

	contextNotes := cfg.Processing.ContextNotes
	if !c.Flags.UserContextEnabled() {
		contextNotes = 0
	}

	c.Coordinator = services.NewProcessingCoordinator(
		notes,
		errorLog,
		locks,
		store,
		transcriber,
		services.SelectAnalyzer(analysis, c.Flags),
		c.Events,
		c.Breakers,
		c.Limiter,
		metrics,
		services.CoordinatorSettings{
			LockTimeoutMinutes: cfg.Processing.LockTimeoutMinutes,
			MaxAttempts:        cfg.Processing.MaxAttempts,
			NoteConcurrency:    cfg.Processing.NoteConcurrency,
			RetryCooldown:      cfg.Processing.RetryCooldown,
			ContextNotes:       contextNotes,
		},
	)
	c.Sweeper = services.NewLockSweeper(locks, cfg.Processing.SweepInterval, cfg.Processing.LockTimeoutMinutes, metrics)

	log.Info().
		Str("rate_limiter", c.Limiter.Backend()).
		Bool("redis", redisClient != nil).
		Bool("tiered_analysis", c.Flags.TieredAnalysisEnabled()).
		Bool("user_context", c.Flags.UserContextEnabled()).
		Msg("pipeline container ready")

	return c, nil
}

// Close releases the event bus and client connections.
func (c *Container) Close() error {
	var errs []error
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.Events != nil {
		errs = append(errs, c.Events.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Postgres != nil {
		errs = append(errs, c.Postgres.Close())
	}
	return errors.Join(errs...)
}

// NewLimiter returns the adaptive limiter, pinned to memory when redisClient is nil
// or Redis admission is disabled.
func NewLimiter(cfg *config.RateLimitConfig, redisClient *redis.Client) *ratelimit.AdaptiveLimiter {
	var shared *ratelimit.RedisLimiter
	if redisClient != nil && cfg.UseRedis {
		shared = ratelimit.NewRedisLimiter(redisClient.Client(), cfg.KeyPrefix)
	}
	return ratelimit.NewAdaptiveLimiter(shared, ratelimit.NewMemoryLimiter(), cfg.RecheckInterval)
}

// NewBreakers registers one breaker per external service.
func NewBreakers(cfg *config.CircuitBreakerConfig) *circuitbreaker.Registry {
	onChange := func(name, from, to string) {
		log.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("circuit breaker state changed")
	}

	registry := circuitbreaker.NewRegistry()
	registry.Register(circuitbreaker.New(circuitbreaker.Settings{
		Name:             services.ServiceTranscription,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		CallTimeout:      cfg.TranscriptionTimeout,
		OnStateChange:    onChange,
	}))
	registry.Register(circuitbreaker.New(circuitbreaker.Settings{
		Name:             services.ServiceAnalysis,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		CallTimeout:      cfg.AnalysisTimeout,
		OnStateChange:    onChange,
	}))
	return registry
}

// RetryPolicy converts the configured policy into a retry.Config that only
// repeats transient failures.
func RetryPolicy(cfg *config.RetryConfig) retry.Config {
	policy := retry.ExternalCallConfig(apperrors.IsRetryable)
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.InitialDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	policy.Jitter = cfg.Jitter
	return policy
}

// NewAnalysisCache picks the configured backend. Redis falls back to memory
// when no client is available; a disabled cache returns nil.
func NewAnalysisCache(cfg *config.CacheConfig, redisClient *redis.Client) providers.AnalysisCache {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Backend == "redis" {
		if redisClient != nil {
			return cache.NewRedisAnalysisCache(redisClient, cfg.MaxEntries, cfg.TTL)
		}
		log.Warn().Msg("analysis cache backend is redis but Redis is unavailable, using memory")
	}
	return cache.NewMemoryAnalysisCache(cfg.MaxEntries, cfg.TTL)
}

// NewEventBus publishes over Redis when available and drops events otherwise.
func NewEventBus(redisClient *redis.Client) providers.EventBus {
	if redisClient == nil {
		log.Info().Msg("event bus disabled (Redis not available)")
		return events.NewNoopEventBus()
	}
	return events.NewRedisEventBus(redisClient)
}

// NewAudioStore registers the local and HTTP stores, plus Google Drive when
// credentials are configured.
func NewAudioStore(ctx context.Context, cfg *config.StorageConfig) (providers.AudioStore, error) {
	store := storage.NewMultiStore().
		Register(storage.NewLocalStore(cfg.LocalRoot, cfg.MaxAudioBytes), storage.SchemeFile).
		Register(storage.NewHTTPStore(cfg.HTTPTimeout, cfg.MaxAudioBytes), storage.SchemeHTTP, storage.SchemeHTTPS)

	if cfg.DriveCredentialsFile != "" {
		drive, err := storage.NewDriveStore(ctx, cfg.DriveCredentialsFile, cfg.MaxAudioBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Drive store: %w", err)
		}
		store.Register(drive, storage.SchemeGDrive)
	}
	return store, nil
}
