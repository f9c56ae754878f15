package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	OpenAI         OpenAIConfig
	Storage        StorageConfig
	Processing     ProcessingConfig
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
	Cache          CacheConfig
	Audio          AudioConfig
	Complexity     ComplexityConfig
	OTEL           OTELConfig
	Log            LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ShutdownGrace  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// OpenAIConfig holds configuration for the transcription and language model endpoints.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Model is the single-tier analysis model used by the legacy path.
	Model string

	SimpleModel   string
	StandardModel string
	ComplexModel  string

	TranscriptionModel     string
	TranscriptionHighModel string
	TranscriptionLanguage  string

	// DirectUploadThreshold is the payload size above which audio is streamed
	// instead of buffered into a request body.
	DirectUploadThreshold int64

	RequestTimeout time.Duration
}

// StorageConfig holds audio store configuration
type StorageConfig struct {
	LocalRoot            string
	DriveCredentialsFile string
	HTTPTimeout          time.Duration
	MaxAudioBytes        int64
}

// ProcessingConfig holds coordinator configuration
type ProcessingConfig struct {
	LockTimeoutMinutes int
	BatchSize          int
	MaxAttempts        int
	NoteConcurrency    int
	ChunkConcurrency   int
	ChunkBatchPause    time.Duration
	PollInterval       time.Duration
	SweepInterval      time.Duration
	RetryCooldown      time.Duration
	ContextNotes       int
}

// RateLimitConfig holds admission control configuration
type RateLimitConfig struct {
	TranscriptionRPM int
	AnalysisRPM      int
	UseRedis         bool
	RecheckInterval  time.Duration
	KeyPrefix        string
}

// CircuitBreakerConfig holds breaker thresholds per external service
type CircuitBreakerConfig struct {
	FailureThreshold     int
	ResetTimeout         time.Duration
	TranscriptionTimeout time.Duration
	AnalysisTimeout      time.Duration
}

// RetryConfig holds the retry policy for external calls
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// CacheConfig holds analysis cache configuration
type CacheConfig struct {
	Enabled             bool
	Backend             string
	ConfidenceThreshold float64
	TTL                 time.Duration
	MaxEntries          int
}

// AudioConfig holds the heuristic thresholds used by the audio analyzer.
type AudioConfig struct {
	ChunkDurationThreshold time.Duration
	ChunkSizeThreshold     int64
	SNRFloor               float64
	LongDuration           time.Duration
	ConfidenceFloor        float64
	ChunkOverlap           time.Duration
	MaxChunks              int // upper bound on chunk requests per recording; 0 disables
	LongChunk              time.Duration
	MediumChunk            time.Duration
	ShortChunk             time.Duration
	LongChunkAbove         time.Duration
	MediumChunkAbove       time.Duration
}

// ComplexityConfig holds the complexity-to-tier mapping and per-tier generation budgets.
type ComplexityConfig struct {
	StandardThreshold float64
	ComplexThreshold  float64
	DomainTerms       []string

	SimpleTemperature   float64
	StandardTemperature float64
	ComplexTemperature  float64

	SimpleMaxTokens   int
	StandardMaxTokens int
	ComplexMaxTokens  int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Environment string
	Level       string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
			ShutdownGrace:  getEnvAsDuration("SERVER_SHUTDOWN_GRACE", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "notes"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OpenAI: OpenAIConfig{
			APIKey:                 getEnv("OPENAI_API_KEY", ""),
			BaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:                  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			SimpleModel:            getEnv("OPENAI_SIMPLE_MODEL", "gpt-4o-mini"),
			StandardModel:          getEnv("OPENAI_STANDARD_MODEL", "gpt-4o-mini"),
			ComplexModel:           getEnv("OPENAI_COMPLEX_MODEL", "gpt-4o"),
			TranscriptionModel:     getEnv("OPENAI_TRANSCRIPTION_MODEL", "whisper-1"),
			TranscriptionHighModel: getEnv("OPENAI_TRANSCRIPTION_HIGH_MODEL", "gpt-4o-transcribe"),
			TranscriptionLanguage:  getEnv("OPENAI_TRANSCRIPTION_LANGUAGE", ""),
			DirectUploadThreshold:  getEnvAsInt64("OPENAI_DIRECT_UPLOAD_BYTES", 4*1024*1024),
			RequestTimeout:         getEnvAsDuration("OPENAI_REQUEST_TIMEOUT", 5*time.Minute),
		},
		Storage: StorageConfig{
			LocalRoot:            getEnv("STORAGE_LOCAL_ROOT", "./data/audio"),
			DriveCredentialsFile: getEnv("STORAGE_DRIVE_CREDENTIALS", ""),
			HTTPTimeout:          getEnvAsDuration("STORAGE_HTTP_TIMEOUT", 60*time.Second),
			MaxAudioBytes:        getEnvAsInt64("STORAGE_MAX_AUDIO_BYTES", 200*1024*1024),
		},
		Processing: ProcessingConfig{
			LockTimeoutMinutes: getEnvAsInt("PROCESSING_LOCK_TIMEOUT_MINUTES", 15),
			BatchSize:          getEnvAsInt("PROCESSING_BATCH_SIZE", 10),
			MaxAttempts:        getEnvAsInt("PROCESSING_MAX_ATTEMPTS", 3),
			NoteConcurrency:    getEnvAsInt("PROCESSING_NOTE_CONCURRENCY", 4),
			ChunkConcurrency:   getEnvAsInt("PROCESSING_CHUNK_CONCURRENCY", 3),
			ChunkBatchPause:    getEnvAsDuration("PROCESSING_CHUNK_BATCH_PAUSE", 500*time.Millisecond),
			PollInterval:       getEnvAsDuration("PROCESSING_POLL_INTERVAL", 30*time.Second),
			SweepInterval:      getEnvAsDuration("PROCESSING_SWEEP_INTERVAL", 5*time.Minute),
			RetryCooldown:      getEnvAsDuration("PROCESSING_RETRY_COOLDOWN", 2*time.Minute),
			ContextNotes:       getEnvAsInt("PROCESSING_CONTEXT_NOTES", 5),
		},
		RateLimit: RateLimitConfig{
			TranscriptionRPM: getEnvAsInt("RATE_LIMIT_TRANSCRIPTION_RPM", 50),
			AnalysisRPM:      getEnvAsInt("RATE_LIMIT_ANALYSIS_RPM", 60),
			UseRedis:         getEnvAsBool("RATE_LIMIT_USE_REDIS", true),
			RecheckInterval:  getEnvAsDuration("RATE_LIMIT_RECHECK_INTERVAL", time.Minute),
			KeyPrefix:        getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit:"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:     getEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			ResetTimeout:         getEnvAsDuration("CIRCUIT_RESET_TIMEOUT", 60*time.Second),
			TranscriptionTimeout: getEnvAsDuration("CIRCUIT_TRANSCRIPTION_TIMEOUT", 5*time.Minute),
			AnalysisTimeout:      getEnvAsDuration("CIRCUIT_ANALYSIS_TIMEOUT", 2*time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			Jitter:      getEnvAsDuration("RETRY_JITTER", time.Second),
		},
		Cache: CacheConfig{
			Enabled:             getEnvAsBool("ANALYSIS_CACHE_ENABLED", true),
			Backend:             getEnv("ANALYSIS_CACHE_BACKEND", "memory"),
			ConfidenceThreshold: getEnvAsFloat("ANALYSIS_CACHE_CONFIDENCE", 0.7),
			TTL:                 getEnvAsDuration("ANALYSIS_CACHE_TTL", 24*time.Hour),
			MaxEntries:          getEnvAsInt("ANALYSIS_CACHE_MAX_ENTRIES", 1000),
		},
		Audio:      DefaultAudioConfig(),
		Complexity: DefaultComplexityConfig(),
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "note-pipeline"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Log: LogConfig{
			Environment: getEnv("APP_ENV", "development"),
			Level:       getEnv("LOG_LEVEL", "info"),
		},
	}

	cfg.Audio.ChunkDurationThreshold = getEnvAsDuration("AUDIO_CHUNK_DURATION_THRESHOLD", cfg.Audio.ChunkDurationThreshold)
	cfg.Audio.ChunkSizeThreshold = getEnvAsInt64("AUDIO_CHUNK_SIZE_THRESHOLD", cfg.Audio.ChunkSizeThreshold)
	cfg.Audio.SNRFloor = getEnvAsFloat("AUDIO_SNR_FLOOR", cfg.Audio.SNRFloor)
	cfg.Audio.ChunkOverlap = getEnvAsDuration("AUDIO_CHUNK_OVERLAP", cfg.Audio.ChunkOverlap)
	cfg.Audio.MaxChunks = getEnvAsInt("AUDIO_MAX_CHUNKS", cfg.Audio.MaxChunks)

	cfg.Complexity.StandardThreshold = getEnvAsFloat("COMPLEXITY_STANDARD_THRESHOLD", cfg.Complexity.StandardThreshold)
	cfg.Complexity.ComplexThreshold = getEnvAsFloat("COMPLEXITY_COMPLEX_THRESHOLD", cfg.Complexity.ComplexThreshold)
	if terms := getEnv("COMPLEXITY_DOMAIN_TERMS", ""); terms != "" {
		cfg.Complexity.DomainTerms = splitList(terms)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAudioConfig returns the chunking and tier thresholds.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		ChunkDurationThreshold: 10 * time.Minute,
		ChunkSizeThreshold:     20 * 1024 * 1024,
		SNRFloor:               15,
		LongDuration:           20 * time.Minute,
		ConfidenceFloor:        0.7,
		ChunkOverlap:           10 * time.Second,
		MaxChunks:              48,
		LongChunk:              5 * time.Minute,
		MediumChunk:            4 * time.Minute,
		ShortChunk:             3 * time.Minute,
		LongChunkAbove:         30 * time.Minute,
		MediumChunkAbove:       15 * time.Minute,
	}
}

// DefaultComplexityConfig returns the complexity scoring defaults.
func DefaultComplexityConfig() ComplexityConfig {
	return ComplexityConfig{
		StandardThreshold: 0.35,
		ComplexThreshold:  0.7,
		DomainTerms: []string{
			"deadline", "contract", "budget", "invoice", "quarter", "roadmap", "milestone",
			"deliverable", "stakeholder", "compliance", "diagnosis", "prescription", "mortgage",
			"deposition", "architecture", "deployment", "migration", "kpi", "revenue", "forecast",
		},
		SimpleTemperature:   0.2,
		StandardTemperature: 0.3,
		ComplexTemperature:  0.3,
		SimpleMaxTokens:     1200,
		StandardMaxTokens:   2000,
		ComplexMaxTokens:    4000,
	}
}

// Validate rejects configurations that would make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.Processing.LockTimeoutMinutes <= 0 {
		return fmt.Errorf("PROCESSING_LOCK_TIMEOUT_MINUTES must be positive")
	}
	if c.Processing.MaxAttempts <= 0 {
		return fmt.Errorf("PROCESSING_MAX_ATTEMPTS must be positive")
	}
	if c.Cache.ConfidenceThreshold < 0 || c.Cache.ConfidenceThreshold > 1 {
		return fmt.Errorf("ANALYSIS_CACHE_CONFIDENCE must be within [0,1]")
	}
	if c.Complexity.StandardThreshold >= c.Complexity.ComplexThreshold {
		return fmt.Errorf("complexity thresholds must satisfy standard < complex")
	}
	if c.Audio.MaxChunks < 0 {
		return fmt.Errorf("AUDIO_MAX_CHUNKS must not be negative")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown ANALYSIS_CACHE_BACKEND %q", c.Cache.Backend)
	}
	return nil
}

// LockTimeout returns the lock lease as a duration.
func (c *ProcessingConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMinutes) * time.Minute
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ListenAddr returns the HTTP listen address
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s") or plain milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
