package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Storage   StorageConfig
	RAG       RAGConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	Breaker   BreakerConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
	CORSOrigins    []string
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
	// HNSWEfSearch is the candidate list size for one similarity search.
	HNSWEfSearch int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
	// Disabled trusts an X-User-ID header instead of a bearer token. Local use only.
	Disabled bool
}

type LLMConfig struct {
	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	MaxRetries       int
}

type StorageConfig struct {
	Backend string // supabase, s3 or memory

	SupabaseURL string
	SupabaseKey string
	Bucket      string

	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

type RAGConfig struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	Threshold    float64
	MaxContext   int
}

type EmbeddingConfig struct {
	Provider          string
	Model             string
	Dimensions        int
	BatchSize         int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
}

type CacheConfig struct {
	LocalSize int
	TTL       time.Duration
	LocalTTL  time.Duration
}

type BreakerConfig struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenTimeout         time.Duration
	VolumeThreshold     int
	Window              time.Duration
	HalfOpenMaxRequests int
	CallTimeout         time.Duration
}

type RateLimitConfig struct {
	Enabled bool
	Store   string // redis, or memory for a single instance
	Quota   int
	Window  time.Duration
}

type WorkerConfig struct {
	Concurrency       int
	ReconcileInterval string
	StaleAfter        time.Duration
}

func Load() (*Config, error) {
	var l loader

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           l.int("SERVER_PORT", 8080),
			MaxUploadBytes: int64(l.int("MAX_UPLOAD_MB", 25)) << 20,
			CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       l.int("DB_MAX_CONNS", 20),
			MinConns:       l.int("DB_MIN_CONNS", 5),
			MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
			HNSWEfSearch:   l.int("HNSW_EF_SEARCH", 200),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       l.int("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),
			Disabled:  l.bool("AUTH_DISABLED", false),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			MaxRetries:       l.int("LLM_MAX_RETRIES", 2),
		},
		Storage: StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", "supabase"),
			SupabaseURL:    getEnv("SUPABASE_URL", ""),
			SupabaseKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:         getEnv("STORAGE_BUCKET", "documents"),
			S3Region:       getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:     getEnv("S3_ENDPOINT", ""),
			S3AccessKey:    getEnv("S3_ACCESS_KEY_ID", ""),
			S3SecretKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
			S3UsePathStyle: l.bool("S3_USE_PATH_STYLE", false),
		},
		RAG: RAGConfig{
			ChunkSize:    l.int("RAG_CHUNK_SIZE", 500),
			ChunkOverlap: l.int("RAG_CHUNK_OVERLAP", 50),
			TopK:         l.int("RAG_TOP_K", 5),
			Threshold:    l.float("RAG_THRESHOLD", 0.7),
			MaxContext:   l.int("RAG_MAX_CONTEXT_TOKENS", 3000),
		},
		Embedding: EmbeddingConfig{
			Provider:          getEnv("EMBEDDING_PROVIDER", "openai"),
			Model:             getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions:        l.int("EMBEDDING_DIMENSIONS", 1536),
			BatchSize:         l.int("EMBEDDING_BATCH_SIZE", 100),
			MaxRetries:        l.int("EMBEDDING_MAX_RETRIES", 3),
			BaseDelay:         l.millis("EMBEDDING_BASE_DELAY_MS", 500),
			MaxDelay:          l.millis("EMBEDDING_MAX_DELAY_MS", 8000),
			RequestsPerSecond: l.float("EMBEDDING_RPS", 5),
		},
		Cache: CacheConfig{
			LocalSize: l.int("CACHE_LOCAL_SIZE", 1000),
			TTL:       l.seconds("CACHE_TTL_SECONDS", 3600),
			LocalTTL:  l.seconds("CACHE_LOCAL_TTL_SECONDS", 300),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    l.int("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold:    l.int("BREAKER_SUCCESS_THRESHOLD", 2),
			OpenTimeout:         l.millis("BREAKER_OPEN_TIMEOUT_MS", 30000),
			VolumeThreshold:     l.int("BREAKER_VOLUME_THRESHOLD", 10),
			Window:              l.millis("BREAKER_WINDOW_MS", 60000),
			HalfOpenMaxRequests: l.int("BREAKER_HALF_OPEN_MAX_REQUESTS", 0),
			CallTimeout:         l.millis("BREAKER_CALL_TIMEOUT_MS", 30000),
		},
		RateLimit: RateLimitConfig{
			Enabled: l.bool("RATE_LIMIT_ENABLED", true),
			Store:   getEnv("RATE_LIMIT_STORE", "redis"),
			Quota:   l.int("RATE_LIMIT_QUOTA", 30),
			Window:  l.seconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Worker: WorkerConfig{
			Concurrency:       l.int("WORKER_CONCURRENCY", 10),
			ReconcileInterval: getEnv("RECONCILE_INTERVAL", "@every 15m"),
			StaleAfter:        l.seconds("RECONCILE_STALE_AFTER_SECONDS", 1800),
		},
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects missing settings and out-of-range values before any
// component is built.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.Disabled {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	switch c.Storage.Backend {
	case "supabase":
		if c.Storage.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
	case "s3", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.RAG.ChunkSize >= 50, "RAG_CHUNK_SIZE must be at least 50, got %d", c.RAG.ChunkSize)
	check(c.RAG.ChunkOverlap >= 0 && c.RAG.ChunkOverlap < c.RAG.ChunkSize,
		"RAG_CHUNK_OVERLAP must be in [0, RAG_CHUNK_SIZE), got %d", c.RAG.ChunkOverlap)
	check(c.RAG.TopK >= 1 && c.RAG.TopK <= 20, "RAG_TOP_K must be between 1 and 20, got %d", c.RAG.TopK)
	check(c.RAG.Threshold >= 0 && c.RAG.Threshold <= 1, "RAG_THRESHOLD must be between 0 and 1, got %g", c.RAG.Threshold)
	check(c.Embedding.Dimensions > 0, "EMBEDDING_DIMENSIONS must be positive")
	check(c.Embedding.BatchSize >= 1 && c.Embedding.BatchSize <= 2048,
		"EMBEDDING_BATCH_SIZE must be between 1 and 2048, got %d", c.Embedding.BatchSize)
	check(c.Embedding.MaxRetries >= 0, "EMBEDDING_MAX_RETRIES must not be negative")
	check(c.Embedding.BaseDelay > 0 && c.Embedding.MaxDelay >= c.Embedding.BaseDelay,
		"EMBEDDING_MAX_DELAY_MS must be at least EMBEDDING_BASE_DELAY_MS")
	check(c.Cache.LocalSize >= 1, "CACHE_LOCAL_SIZE must be at least 1")
	check(c.Cache.TTL > 0, "CACHE_TTL_SECONDS must be positive")
	check(c.Breaker.FailureThreshold >= 1, "BREAKER_FAILURE_THRESHOLD must be at least 1")
	check(c.Breaker.SuccessThreshold >= 1, "BREAKER_SUCCESS_THRESHOLD must be at least 1")
	check(c.Breaker.OpenTimeout > 0, "BREAKER_OPEN_TIMEOUT_MS must be positive")
	check(c.Breaker.Window > 0, "BREAKER_WINDOW_MS must be positive")
	check(c.Breaker.VolumeThreshold >= 0, "BREAKER_VOLUME_THRESHOLD must not be negative")
	if c.RateLimit.Enabled {
		check(c.RateLimit.Quota >= 1, "RATE_LIMIT_QUOTA must be at least 1")
		check(c.RateLimit.Window >= time.Second, "RATE_LIMIT_WINDOW_SECONDS must be at least 1")
		check(c.RateLimit.Store == "redis" || c.RateLimit.Store == "memory",
			"RATE_LIMIT_STORE must be redis or memory, got %q", c.RateLimit.Store)
	}
	check(c.Worker.Concurrency >= 1, "WORKER_CONCURRENCY must be at least 1")
	return errors.Join(errs...)
}

type loader struct {
	errs []error
}

func (l *loader) int(key string, fallback int) int {
	v, err := getEnvInt(key, fallback)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func (l *loader) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func (l *loader) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

func (l *loader) millis(key string, fallback int) time.Duration {
	return time.Duration(l.int(key, fallback)) * time.Millisecond
}

func (l *loader) seconds(key string, fallback int) time.Duration {
	return time.Duration(l.int(key, fallback)) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
