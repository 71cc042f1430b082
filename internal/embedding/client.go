// Package embedding turns text into vectors through the configured provider,
// batching inputs and retrying transient provider failures.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/pkg/tokenizer"
)

var (
	ErrRetriesExhausted = errors.New("embedding retries exhausted")
	ErrInvalidEmbedding = errors.New("invalid embedding response")
)

// magnitude band outside which a vector is logged as suspicious
const (
	minNorm = 0.5
	maxNorm = 1.5
)

// Provider is satisfied by llm.Gateway.
type Provider interface {
	Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

type Config struct {
	Provider   string
	Model      string
	Dimensions int
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RequestsPerSecond paces provider calls across the process; 0 disables.
	RequestsPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		BatchSize:  100,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
}

type Result struct {
	Vectors [][]float32
	Tokens  int
}

type Client struct {
	provider Provider
	breaker  *breaker.Breaker
	cfg      Config
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	sleep    func(context.Context, time.Duration) error
}

func NewClient(p Provider, b *breaker.Breaker, cfg Config, m *metrics.Metrics) (*Client, error) {
	if p == nil || b == nil {
		return nil, errors.New("embedding client requires a provider and a breaker")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("embedding batch size must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.Dimensions < 1 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("embedding max retries must not be negative, got %d", cfg.MaxRetries)
	}
	c := &Client{
		provider: p,
		breaker:  b,
		cfg:      cfg,
		metrics:  m,
		sleep:    sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) (*Result, error) {
	return c.EmbedBatches(ctx, texts, nil)
}

// EmbedBatches is Embed with a callback after each completed batch.
func (c *Client) EmbedBatches(ctx context.Context, texts []string, onBatch func(done, total int)) (*Result, error) {
	res := &Result{Vectors: make([][]float32, 0, len(texts))}
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+c.cfg.BatchSize, len(texts))

		vecs, tokens, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d: %w", start/c.cfg.BatchSize, err)
		}
		res.Vectors = append(res.Vectors, vecs...)
		res.Tokens += tokens

		if onBatch != nil {
			onBatch(end, len(texts))
		}
	}
	return res, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, int, error) {
	for attempt := 0; ; attempt++ {
		vecs, tokens, err := c.call(ctx, batch)
		if err == nil {
			c.metrics.EmbeddingCall("ok", tokens)
			return vecs, tokens, nil
		}
		c.metrics.EmbeddingCall("error", 0)

		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if errors.Is(err, breaker.ErrOpen) || !llm.IsTransient(err) {
			return nil, 0, err
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, 0, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		delay := c.backoff(attempt)
		slog.Warn("embedding call failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"rate_limited", llm.IsRateLimited(err),
			"error", err,
		)
		c.metrics.EmbeddingRetry()
		if err := c.sleep(ctx, delay); err != nil {
			return nil, 0, err
		}
	}
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	resp, err := breaker.Do(ctx, c.breaker, func(ctx context.Context) (*llm.EmbeddingResponse, error) {
		resp, err := c.provider.Embed(ctx, llm.EmbeddingRequest{
			Provider:   c.cfg.Provider,
			Model:      c.cfg.Model,
			Input:      batch,
			Dimensions: c.cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		if err := c.validate(resp.Embeddings, len(batch)); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, 0, err
	}

	tokens := resp.Tokens
	if tokens == 0 {
		for _, t := range batch {
			tokens += tokenizer.EstimateTokens(t)
		}
	}
	return resp.Embeddings, tokens, nil
}

func (c *Client) validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrInvalidEmbedding, len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) != c.cfg.Dimensions {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrInvalidEmbedding, i, len(v), c.cfg.Dimensions)
		}
		var sum float64
		for _, x := range v {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%w: vector %d contains NaN or Inf", ErrInvalidEmbedding, i)
			}
			sum += f * f
		}
		if norm := math.Sqrt(sum); norm < minNorm || norm > maxNorm {
			slog.Warn("embedding magnitude outside expected band", "index", i, "norm", norm)
		}
	}
	return nil
}

// backoff is BaseDelay·2^attempt, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt >= 32 {
		return c.cfg.MaxDelay
	}
	d := c.cfg.BaseDelay << attempt
	if d <= 0 || (c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
