// Package retrieval answers a user's query with the most similar passages
// from that user's completed documents.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/query"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7

	// DefaultEmbedTimeout bounds a shared query embedding call.
	DefaultEmbedTimeout = 30 * time.Second
)

// QueryEmbedder is satisfied by *embedding.Client.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Cache is satisfied by *cache.Cache. Implementations never fail the caller.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool)
	SetEmbedding(ctx context.Context, key string, vec []float32)
	Generation(ctx context.Context, ownerID uuid.UUID) int64
	GetResults(ctx context.Context, key string) ([]models.SearchResult, bool)
	SetResults(ctx context.Context, key string, ownerID uuid.UUID, filter []uuid.UUID, results []models.SearchResult)
}

type Request struct {
	Query string
	// TopK defaults to DefaultTopK when zero.
	TopK int
	// Threshold defaults to DefaultThreshold when nil.
	Threshold   *float64
	DocumentIDs []uuid.UUID
}

type Response struct {
	Results   []models.SearchResult `json:"results"`
	Cached    bool                  `json:"cached"`
	LatencyMs int64                 `json:"latency_ms"`
}

type Engine struct {
	embedder QueryEmbedder
	store    vectorstore.Store
	cache    Cache
	metrics  *metrics.Metrics
	defaults query.Params
	flight   singleflight.Group

	embedTimeout time.Duration
}

// NewEngine builds the engine. cache may be nil.
func NewEngine(embedder QueryEmbedder, store vectorstore.Store, cache Cache, m *metrics.Metrics) *Engine {
	return &Engine{
		embedder: embedder,
		store:    store,
		cache:    cache,
		metrics:  m,
		defaults: query.Params{TopK: DefaultTopK, Threshold: DefaultThreshold},

		embedTimeout: DefaultEmbedTimeout,
	}
}

// SetDefaults overrides the parameters used when a request omits them. Call
// before serving.
func (e *Engine) SetDefaults(topK int, threshold float64) error {
	p := query.Params{TopK: topK, Threshold: threshold}
	if err := p.Validate(); err != nil {
		return err
	}
	e.defaults = p
	return nil
}

func (e *Engine) Retrieve(ctx context.Context, ownerID uuid.UUID, req Request) (*Response, error) {
	start := time.Now()

	normalized, err := query.Normalize(req.Query)
	if err != nil {
		return nil, err
	}
	params := e.params(req)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var gen int64
	if e.cache != nil {
		gen = e.cache.Generation(ctx, ownerID)
	}
	key := query.ResultKey(ownerID, gen, normalized, params)
	if e.cache != nil {
		if results, ok := e.cache.GetResults(ctx, key); ok {
			return e.respond(results, true, start), nil
		}
	}

	vec, err := e.embed(ctx, normalized)
	if err != nil {
		return nil, unavailable("embed query", err)
	}

	matches, err := e.store.SimilaritySearch(ctx, vectorstore.Query{
		OwnerID:     ownerID,
		Vector:      vec,
		TopK:        params.TopK,
		DocumentIDs: params.DocumentIDs,
	})
	if err != nil {
		return nil, unavailable("similarity search", err)
	}

	results := rank(matches, params.Threshold)
	if e.cache != nil {
		e.cache.SetResults(ctx, key, ownerID, params.DocumentIDs, results)
	}
	return e.respond(results, false, start), nil
}

func (e *Engine) params(req Request) query.Params {
	p := query.Params{TopK: req.TopK, Threshold: e.defaults.Threshold, DocumentIDs: req.DocumentIDs}
	if p.TopK == 0 {
		p.TopK = e.defaults.TopK
	}
	if req.Threshold != nil {
		p.Threshold = *req.Threshold
	}
	return p
}

// embed shares one provider call between concurrent identical queries. The
// shared call is detached from any single caller's cancellation; each caller
// stops waiting when its own ctx ends.
func (e *Engine) embed(ctx context.Context, normalized string) ([]float32, error) {
	key := query.EmbeddingKey(normalized)
	if e.cache != nil {
		if vec, ok := e.cache.GetEmbedding(ctx, key); ok {
			return vec, nil
		}
	}

	ch := e.flight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.embedTimeout)
		defer cancel()
		vec, err := e.embedder.EmbedQuery(callCtx, normalized)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cache.SetEmbedding(callCtx, key, vec)
		}
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("shared query embedding", "key", key)
		}
		return res.Val.([]float32), nil
	}
}

func (e *Engine) respond(results []models.SearchResult, cached bool, start time.Time) *Response {
	d := time.Since(start)
	e.metrics.Retrieval(cached, len(results), d)
	return &Response{Results: results, Cached: cached, LatencyMs: d.Milliseconds()}
}

// rank converts distances to scores, drops those under threshold and sorts by
// score, best first. Ties keep document order for stable output.
func rank(matches []vectorstore.Match, threshold float64) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		r := m.Result()
		if r.Score < threshold {
			continue
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID.String() < results[j].DocumentID.String()
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
	return results
}

// unavailable marks dependency outages so callers can degrade instead of
// failing hard. Other errors pass through unchanged.
func unavailable(op string, err error) error {
	if errors.Is(err, breaker.ErrOpen) ||
		errors.Is(err, embedding.ErrRetriesExhausted) ||
		llm.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrTemporarilyUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
