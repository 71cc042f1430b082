// Package cache is a two-tier cache for query embeddings and search results:
// a bounded in-process LRU in front of Redis. Shared-tier failures degrade to
// a miss and never fail the caller.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/models"
)

const (
	kindEmbedding = "embedding"
	kindResults   = "results"
)

type Config struct {
	LocalSize int
	TTL       time.Duration
	// LocalTTL bounds how long another instance's invalidation can be missed.
	// Defaults to TTL.
	LocalTTL time.Duration
}

func (c Config) Validate() error {
	var errs []error
	if c.LocalSize < 1 {
		errs = append(errs, errors.New("cache local size must be at least 1"))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.LocalTTL < 0 {
		errs = append(errs, errors.New("cache local ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// entry is the stored form in both tiers. Refs name the documents and owner
// the value depends on.
type entry struct {
	Refs []string `json:"r,omitempty"`
	Data []byte   `json:"d"`
}

type Cache struct {
	local   *expirable.LRU[string, entry]
	remote  *Redis
	ttl     time.Duration
	metrics *metrics.Metrics

	mu    sync.Mutex
	index map[string]map[string]struct{}
	gens  map[string]int64
}

// New builds the cache. remote may be nil for a single-instance deployment.
func New(cfg Config, remote *Redis, m *metrics.Metrics) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	localTTL := cfg.LocalTTL
	if localTTL == 0 {
		localTTL = cfg.TTL
	}
	c := &Cache{
		remote:  remote,
		ttl:     cfg.TTL,
		metrics: m,
		index:   make(map[string]map[string]struct{}),
		gens:    make(map[string]int64),
	}
	c.local = expirable.NewLRU[string, entry](cfg.LocalSize, c.onEvict, localTTL)
	return c, nil
}

func DocumentRef(id uuid.UUID) string { return "doc:" + id.String() }
func OwnerRef(id uuid.UUID) string    { return "owner:" + id.String() }

func (c *Cache) GetEmbedding(ctx context.Context, key string) ([]float32, bool) {
	e, ok := c.get(ctx, kindEmbedding, key)
	if !ok {
		return nil, false
	}
	vec, ok := decodeVector(e.Data)
	if !ok {
		slog.Warn("discarding malformed cached embedding", "key", key)
		return nil, false
	}
	return vec, true
}

func (c *Cache) SetEmbedding(ctx context.Context, key string, vec []float32) {
	c.set(ctx, key, entry{Data: encodeVector(vec)})
}

func (c *Cache) GetResults(ctx context.Context, key string) ([]models.SearchResult, bool) {
	e, ok := c.get(ctx, kindResults, key)
	if !ok {
		return nil, false
	}
	var results []models.SearchResult
	if err := json.Unmarshal(e.Data, &results); err != nil {
		slog.Warn("discarding malformed cached results", "key", key, "error", err)
		return nil, false
	}
	return results, true
}

// SetResults caches a result set under the owner, every document it cites
// and every document in the query's filter.
func (c *Cache) SetResults(ctx context.Context, key string, ownerID uuid.UUID, filter []uuid.UUID, results []models.SearchResult) {
	data, err := json.Marshal(results)
	if err != nil {
		slog.Warn("cannot encode results for cache", "key", key, "error", err)
		return
	}

	seen := map[string]struct{}{}
	refs := []string{OwnerRef(ownerID)}
	add := func(id uuid.UUID) {
		ref := DocumentRef(id)
		if _, dup := seen[ref]; !dup {
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	for _, id := range filter {
		add(id)
	}
	for _, r := range results {
		add(r.DocumentID)
	}

	c.set(ctx, key, entry{Refs: refs, Data: data})
}

// InvalidateDocument drops every result set that cites or filters on the document.
func (c *Cache) InvalidateDocument(ctx context.Context, id uuid.UUID) {
	c.invalidate(ctx, DocumentRef(id))
}

// InvalidateOwner drops every result set computed for the owner and moves
// the owner to a new generation.
func (c *Cache) InvalidateOwner(ctx context.Context, id uuid.UUID) {
	ref := OwnerRef(id)
	c.bumpGeneration(ctx, ref)
	c.invalidate(ctx, ref)
}

// Generation returns the owner's invalidation generation. Result keys embed
// it, so a set written by a retrieval that raced an invalidation is orphaned.
func (c *Cache) Generation(ctx context.Context, id uuid.UUID) int64 {
	ref := OwnerRef(id)
	c.mu.Lock()
	g, ok := c.gens[ref]
	c.mu.Unlock()
	if ok || c.remote == nil {
		return g
	}

	g, err := c.remote.Generation(ctx, ref)
	if err != nil {
		slog.Warn("shared cache unavailable", "op", "generation", "error", err)
		c.metrics.CacheError("generation")
		return 0
	}
	c.mu.Lock()
	if cur, ok := c.gens[ref]; !ok || cur < g {
		c.gens[ref] = g
	}
	g = c.gens[ref]
	c.mu.Unlock()
	return g
}

func (c *Cache) bumpGeneration(ctx context.Context, ref string) {
	if c.remote != nil {
		g, err := c.remote.BumpGeneration(ctx, ref)
		if err == nil {
			c.mu.Lock()
			c.gens[ref] = max(g, c.gens[ref]+1)
			c.mu.Unlock()
			return
		}
		slog.Warn("shared cache unavailable", "op", "bump_generation", "error", err)
		c.metrics.CacheError("bump_generation")
	}
	c.mu.Lock()
	c.gens[ref]++
	c.mu.Unlock()
}

// Listen applies invalidations published by other instances until ctx ends.
func (c *Cache) Listen(ctx context.Context) {
	if c.remote == nil {
		return
	}
	sub := c.remote.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.dropLocal(msg.Payload)
			c.forgetGeneration(msg.Payload)
		}
	}
}

func (c *Cache) Len() int { return c.local.Len() }

func (c *Cache) get(ctx context.Context, kind, key string) (entry, bool) {
	if e, ok := c.local.Get(key); ok {
		c.metrics.CacheLookup(kind, "local_hit")
		return e, true
	}
	if c.remote == nil {
		c.metrics.CacheLookup(kind, "miss")
		return entry{}, false
	}

	raw, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		slog.Warn("shared cache unavailable", "op", "get", "error", err)
		c.metrics.CacheError("get")
		c.metrics.CacheLookup(kind, "miss")
		return entry{}, false
	}
	if !ok {
		c.metrics.CacheLookup(kind, "miss")
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("discarding malformed shared cache entry", "key", key, "error", err)
		c.metrics.CacheLookup(kind, "miss")
		return entry{}, false
	}
	c.putLocal(key, e)
	c.metrics.CacheLookup(kind, "shared_hit")
	return e, true
}

func (c *Cache) set(ctx context.Context, key string, e entry) {
	c.putLocal(key, e)
	if c.remote == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.remote.Set(ctx, key, raw, c.ttl, e.Refs); err != nil {
		slog.Warn("shared cache unavailable", "op", "set", "error", err)
		c.metrics.CacheError("set")
	}
}

// putLocal must not be called with mu held: Add may evict, and eviction
// takes mu.
func (c *Cache) putLocal(key string, e entry) {
	c.local.Add(key, e)
	if len(e.Refs) == 0 {
		return
	}
	c.mu.Lock()
	for _, ref := range e.Refs {
		keys, ok := c.index[ref]
		if !ok {
			keys = make(map[string]struct{})
			c.index[ref] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Cache) onEvict(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range e.Refs {
		if keys, ok := c.index[ref]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.index, ref)
			}
		}
	}
}

func (c *Cache) invalidate(ctx context.Context, ref string) {
	c.dropLocal(ref)
	if c.remote == nil {
		return
	}
	if _, err := c.remote.DropIndex(ctx, ref); err != nil {
		slog.Warn("shared cache invalidation failed", "ref", ref, "error", err)
		c.metrics.CacheError("invalidate")
		return
	}
	if err := c.remote.Publish(ctx, ref); err != nil {
		slog.Warn("cache invalidation broadcast failed", "ref", ref, "error", err)
		c.metrics.CacheError("publish")
	}
}

// forgetGeneration makes the next Generation call re-read the shared counter.
func (c *Cache) forgetGeneration(ref string) {
	if c.remote == nil {
		return
	}
	c.mu.Lock()
	delete(c.gens, ref)
	c.mu.Unlock()
}

func (c *Cache) dropLocal(ref string) {
	c.mu.Lock()
	keys := c.index[ref]
	delete(c.index, ref)
	c.mu.Unlock()

	for key := range keys {
		c.local.Remove(key)
	}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, true
}
