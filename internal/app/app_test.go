package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/config"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/ratelimit"
)

func TestBreakerSettingsReportStateChanges(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := BreakerSettings(config.BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Window:           time.Minute,
	}, m)
	require.NoError(t, s.Validate())

	b, err := breaker.New(breaker.Embedding, s)
	require.NoError(t, err)
	_ = b.Execute(context.Background(), func(context.Context) error { return assert.AnError })

	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues(breaker.Embedding)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues(breaker.Embedding, "CLOSED", "OPEN")))
}

func TestEmbeddingConfig(t *testing.T) {
	cfg := EmbeddingConfig(config.EmbeddingConfig{
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		BatchSize:  100,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	})
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 1536, cfg.Dimensions)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 8*time.Second, cfg.MaxDelay)
}

func TestLimiterStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, sweep := LimiterStore(config.RateLimitConfig{Store: "redis"}, client)
	assert.IsType(t, &ratelimit.RedisStore{}, store)
	assert.Nil(t, sweep)

	store, sweep = LimiterStore(config.RateLimitConfig{Store: "memory"}, client)
	require.NotNil(t, sweep)
	assert.Same(t, sweep, store)

	lim, err := ratelimit.New(ratelimit.Config{Enabled: true, Quota: 1, Window: time.Minute, Prefix: "rl:"}, store)
	require.NoError(t, err)
	assert.True(t, lim.Allow(context.Background(), "user").Allowed)
	assert.False(t, lim.Allow(context.Background(), "user").Allowed, "counted in process")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &config.Config{Storage: config.StorageConfig{Backend: "memory"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
