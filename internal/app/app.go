// Package app builds every service from configuration and owns their
// lifetimes. Nothing else constructs shared infrastructure.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/docqa/internal/api"
	"github.com/nikhilbhutani/docqa/internal/api/handlers"
	"github.com/nikhilbhutani/docqa/internal/auth"
	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/cache"
	"github.com/nikhilbhutani/docqa/internal/config"
	"github.com/nikhilbhutani/docqa/internal/database"
	"github.com/nikhilbhutani/docqa/internal/document"
	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/ingest"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/queue"
	"github.com/nikhilbhutani/docqa/internal/rag"
	"github.com/nikhilbhutani/docqa/internal/ratelimit"
	"github.com/nikhilbhutani/docqa/internal/retrieval"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
	"github.com/nikhilbhutani/docqa/pkg/chunker"
)

const keyPrefix = "docqa:"

type App struct {
	Config *config.Config

	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Breakers *breaker.Registry

	Store    vectorstore.Store
	Blobs    storage.Storage
	Cache    *cache.Cache
	Progress *ingest.RedisProgress
	Limiter  *ratelimit.Limiter
	Queue    *queue.Client

	Gateway      llm.Gateway
	Embedder     *embedding.Client
	Orchestrator *ingest.Orchestrator
	Reconciler   *ingest.Reconciler
	Engine       *retrieval.Engine
	Pipeline     *rag.Pipeline
	Documents    *document.Service

	// limiterSweep is set when rate limit counters live in process.
	limiterSweep *ratelimit.MemoryStore
	closers      []func()
}

// New connects to Postgres and Redis, applies migrations and wires the
// services. Close releases everything New acquired, also on error.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Breakers, err = breaker.NewRegistry(BreakerSettings(cfg.Breaker, a.Metrics),
		breaker.Embedding, breaker.VectorStore, breaker.Generation)
	if err != nil {
		return nil, fmt.Errorf("breakers: %w", err)
	}

	a.Pool, err = database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Pool.Close)
	if err := database.RunMigrations(ctx, a.Pool, database.Migrations(cfg.Database.MigrationsPath)); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		// cache, limiter and progress all degrade without Redis
		slog.Warn("redis unavailable, running degraded", "error", err)
	}

	a.Store = vectorstore.WithBreaker(vectorstore.NewPgVectorStore(a.Pool, cfg.Database.HNSWEfSearch), a.Breakers.Get(breaker.VectorStore))

	a.Blobs, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a.Cache, err = cache.New(cache.Config{
		LocalSize: cfg.Cache.LocalSize,
		TTL:       cfg.Cache.TTL,
		LocalTTL:  cfg.Cache.LocalTTL,
	}, cache.NewRedis(a.Redis, keyPrefix), a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	a.Progress = ingest.NewRedisProgress(a.Redis, keyPrefix)

	var limitStore ratelimit.Store
	limitStore, a.limiterSweep = LimiterStore(cfg.RateLimit, a.Redis)
	a.Limiter, err = ratelimit.New(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Quota:   cfg.RateLimit.Quota,
		Window:  cfg.RateLimit.Window,
		Prefix:  keyPrefix + "rl:",
	}, limitStore)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	a.Limiter.OnDeny = func(subject string) {
		a.Metrics.RateLimited()
		slog.Info("rate limited", "subject", subject)
	}

	a.Gateway = llm.NewGateway(cfg.LLM)
	a.Embedder, err = embedding.NewClient(a.Gateway, a.Breakers.Get(breaker.Embedding), EmbeddingConfig(cfg.Embedding), a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}

	a.Orchestrator, err = ingest.NewOrchestrator(ingest.Deps{
		Store:    a.Store,
		Blobs:    a.Blobs,
		Embedder: a.Embedder,
		Cache:    a.Cache,
		Progress: a.Progress,
		Metrics:  a.Metrics,
	}, chunker.ChunkOptions{ChunkSize: cfg.RAG.ChunkSize, ChunkOverlap: cfg.RAG.ChunkOverlap})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	a.Reconciler = ingest.NewReconciler(a.Store, a.Cache, cfg.Worker.StaleAfter)

	a.Engine = retrieval.NewEngine(a.Embedder, a.Store, a.Cache, a.Metrics)
	if err := a.Engine.SetDefaults(cfg.RAG.TopK, cfg.RAG.Threshold); err != nil {
		return nil, fmt.Errorf("retrieval defaults: %w", err)
	}
	a.Pipeline = rag.NewPipeline(a.Engine, rag.NewGenerator(a.Gateway, a.Breakers.Get(breaker.Generation), cfg.RAG.MaxContext))

	a.Queue = queue.NewClient(cfg.Redis)
	a.closers = append(a.closers, func() { _ = a.Queue.Close() })
	a.Documents = document.NewService(a.Store, a.Blobs, a.Queue, a.Cache)

	return a, nil
}

// Start runs background loops until ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.Cache.Listen(ctx)
	if a.limiterSweep != nil {
		go a.limiterSweep.RunSweeper(ctx, a.Config.RateLimit.Window)
	}
}

// LimiterStore picks where rate limit counters live. The memory store is
// returned twice so the caller can run its sweeper.
func LimiterStore(cfg config.RateLimitConfig, client *redis.Client) (ratelimit.Store, *ratelimit.MemoryStore) {
	if cfg.Store == "memory" {
		ms := ratelimit.NewMemoryStore()
		return ms, ms
	}
	return ratelimit.NewRedisStore(client), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Deps{
		Documents:   a.Documents,
		Processor:   a.Orchestrator,
		Status:      a.Progress,
		Retriever:   a.Engine,
		Asker:       a.Pipeline,
		Breakers:    a.Breakers,
		Limiter:     a.Limiter,
		Auth:        auth.NewJWTMiddleware(a.Config.Auth.JWTSecret, a.Config.Auth.Disabled),
		RBAC:        auth.NewRBAC(auth.DefaultRoles()),
		Metrics:     a.Metrics,
		Gatherer:    a.Registry,
		Checks:      a.Checks(),
		CORSOrigins: a.Config.Server.CORSOrigins,
		MaxUpload:   a.Config.Server.MaxUploadBytes,
	}).Setup()
}

func (a *App) Checks() map[string]handlers.Check {
	return map[string]handlers.Check{
		"database": a.Store.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
}

func BreakerSettings(cfg config.BreakerConfig, m *metrics.Metrics) breaker.Settings {
	return breaker.Settings{
		FailureThreshold:    cfg.FailureThreshold,
		SuccessThreshold:    cfg.SuccessThreshold,
		OpenTimeout:         cfg.OpenTimeout,
		VolumeThreshold:     cfg.VolumeThreshold,
		Window:              cfg.Window,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
		CallTimeout:         cfg.CallTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			m.BreakerStateChanged(name, from.String(), to.String(), int(to))
			slog.Warn("circuit breaker state changed", "service", name, "from", from, "to", to)
		},
	}
}

func EmbeddingConfig(cfg config.EmbeddingConfig) embedding.Config {
	return embedding.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		Dimensions:        cfg.Dimensions,
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}
