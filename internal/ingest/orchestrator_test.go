package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
	"github.com/nikhilbhutani/docqa/pkg/chunker"
	"github.com/nikhilbhutani/docqa/pkg/textextract"
)

const dims = 8

// countingProvider returns a deterministic unit vector per text.
type countingProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProvider) Embed(_ context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		out[i] = unitVector(text)
	}
	return &llm.EmbeddingResponse{Embeddings: out}, nil
}

func (p *countingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func unitVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dims)
	var norm float64
	for i := range v {
		v[i] = float32(sum[i]) + 1
		norm += float64(v[i]) * float64(v[i])
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

type recordingCache struct {
	mu     sync.Mutex
	docs   []uuid.UUID
	owners []uuid.UUID
}

func (c *recordingCache) InvalidateDocument(_ context.Context, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, id)
}

func (c *recordingCache) InvalidateOwner(_ context.Context, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = append(c.owners, id)
}

type fixture struct {
	store    *vectorstore.MemoryStore
	blobs    *storage.MemoryStorage
	provider *countingProvider
	cache    *recordingCache
	orch     *Orchestrator
	owner    uuid.UUID
	session  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    vectorstore.NewMemoryStore(),
		blobs:    storage.NewMemoryStorage(),
		provider: &countingProvider{},
		cache:    &recordingCache{},
		owner:    uuid.New(),
		session:  uuid.New(),
	}

	settings := breaker.DefaultSettings()
	settings.VolumeThreshold = 1000
	cb, err := breaker.New(breaker.Embedding, settings)
	require.NoError(t, err)

	cfg := embedding.DefaultConfig()
	cfg.Dimensions = dims
	cfg.BatchSize = 10
	cfg.MaxRetries = 0
	client, err := embedding.NewClient(f.provider, cb, cfg, nil)
	require.NoError(t, err)

	f.orch, err = NewOrchestrator(Deps{
		Store:    f.store,
		Blobs:    f.blobs,
		Embedder: client,
		Cache:    f.cache,
	}, chunker.ChunkOptions{ChunkSize: 100, ChunkOverlap: 10})
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T, name string, data []byte) *models.Document {
	t.Helper()
	ctx := context.Background()
	sum := sha256.Sum256(data)
	doc := &models.Document{
		ID:          uuid.New(),
		OwnerID:     f.owner,
		SessionID:   f.session,
		Filename:    name,
		ByteSize:    int64(len(data)),
		ContentHash: hex.EncodeToString(sum[:]),
	}
	doc.StoragePath = storage.ObjectKey(doc.OwnerID, doc.ID, name)
	require.NoError(t, f.blobs.Put(ctx, doc.StoragePath, data, "text/plain"))
	require.NoError(t, f.store.CreateDocument(ctx, doc))
	return doc
}

func (f *fixture) status(t *testing.T, id uuid.UUID) *models.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), f.owner, id)
	require.NoError(t, err)
	return doc
}

func longText(chars int) string {
	var b strings.Builder
	for i := 0; b.Len() < chars; i++ {
		fmt.Fprintf(&b, "Sentence number %d explains topic %d in some detail. ", i, i%7)
		if i%6 == 5 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func collect(ch <-chan Progress) []Progress {
	var out []Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func TestProcessDocument_CompletesWithDenseChunks(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "notes.txt", []byte(longText(10000)))

	events := collect(f.orch.ProcessDocument(context.Background(), f.owner, doc.ID))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, models.StatusComplete, last.Stage)
	assert.Equal(t, 100, last.Percent)
	assert.True(t, last.Done)

	var stages []models.Status
	prev := -1
	for _, e := range events {
		assert.Equal(t, doc.ID, e.DocumentID)
		assert.GreaterOrEqual(t, e.Percent, prev, "progress never goes backwards")
		prev = e.Percent
		if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
			stages = append(stages, e.Stage)
		}
	}
	assert.Equal(t, []models.Status{
		models.StatusParsing, models.StatusChunking, models.StatusEmbedding, models.StatusStoring, models.StatusComplete,
	}, stages)

	stored := f.status(t, doc.ID)
	assert.Equal(t, models.StatusComplete, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, stored.PageCount)

	n, err := f.store.CountChunks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Greater(t, n, 10)

	matches, err := f.store.SimilaritySearch(context.Background(), vectorstore.Query{
		OwnerID: f.owner, Vector: unitVector("x"), TopK: n + 10,
	})
	require.NoError(t, err)
	require.Len(t, matches, n)
	indices := make([]int, len(matches))
	for i, m := range matches {
		indices[i] = m.ChunkIndex
	}
	sort.Ints(indices)
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}

	assert.Equal(t, (n+9)/10, f.provider.Calls(), "one provider call per batch")
	assert.Equal(t, []uuid.UUID{doc.ID}, f.cache.docs)
	assert.Equal(t, []uuid.UUID{f.owner}, f.cache.owners)
}

func TestProcess_DuplicateIsSkippedWithoutEmbedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := []byte(longText(2000))

	first := f.upload(t, "a.txt", content)
	require.NoError(t, f.orch.Process(ctx, f.owner, first.ID, nil))
	calls := f.provider.Calls()

	second := f.upload(t, "a-again.txt", content)
	var events []Progress
	require.NoError(t, f.orch.Process(ctx, f.owner, second.ID, func(p Progress) { events = append(events, p) }))

	assert.Equal(t, calls, f.provider.Calls(), "no embedding calls for a duplicate")
	got := f.status(t, second.ID)
	assert.Equal(t, models.StatusSkipped, got.Status)
	assert.Contains(t, got.ErrorMessage, "a.txt")

	require.Len(t, events, 1)
	assert.Equal(t, models.StatusSkipped, events[0].Stage)
	assert.True(t, events[0].Done)
}

func TestProcess_UnsupportedFileFailsPermanently(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "blob.bin", []byte{0x00, 0x01, 0x02, 0xff})

	err := f.orch.Process(context.Background(), f.owner, doc.ID, nil)
	require.Error(t, err)
	assert.True(t, Permanent(err))

	got := f.status(t, doc.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "unsupported file format", got.ErrorMessage)
	assert.Zero(t, f.provider.Calls())
}

func TestProcess_MissingOriginal(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "a.txt", []byte("hello there"))
	require.NoError(t, f.blobs.Delete(context.Background(), doc.StoragePath))

	err := f.orch.Process(context.Background(), f.owner, doc.ID, nil)
	require.Error(t, err)
	assert.Equal(t, "original file is missing, please upload it again", f.status(t, doc.ID).ErrorMessage)
}

func TestProcess_EmptyTextCompletesWithZeroChunks(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "empty.txt", []byte("   \n\n  "))

	require.NoError(t, f.orch.Process(context.Background(), f.owner, doc.ID, nil))
	assert.Equal(t, models.StatusComplete, f.status(t, doc.ID).Status)

	n, err := f.store.CountChunks(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.provider.Calls())
}

func TestProcess_EmbeddingFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"rate limited", &llm.StatusError{Provider: "openai", StatusCode: 429}, "embedding service temporarily unavailable, please retry later"},
		{"bad request", &llm.StatusError{Provider: "openai", StatusCode: 400}, "processing failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.err = tt.err
			doc := f.upload(t, "a.txt", []byte(longText(1500)))

			var last Progress
			err := f.orch.Process(context.Background(), f.owner, doc.ID, func(p Progress) { last = p })
			require.Error(t, err)
			assert.False(t, Permanent(err))

			got := f.status(t, doc.ID)
			assert.Equal(t, models.StatusError, got.Status)
			assert.Equal(t, tt.message, got.ErrorMessage)
			assert.Equal(t, models.StatusError, last.Stage)
			assert.Equal(t, 70, last.Percent, "failure reports the stage it happened in")
			assert.True(t, last.Retryable, "the file itself was fine")
			assert.Empty(t, f.cache.docs, "nothing to invalidate")
		})
	}
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "a.txt", []byte("hello"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orch.Process(ctx, f.owner, doc.ID, nil)
	assert.ErrorIs(t, err, context.Canceled)

	got := f.status(t, doc.ID)
	assert.Equal(t, models.StatusError, got.Status, "the row is failed even though ctx is gone")
	assert.Equal(t, "processing was cancelled", got.ErrorMessage)
}

func TestProcess_RetriedTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, "a.txt", []byte("hello world"))

	require.NoError(t, f.store.TransitionStatus(ctx, doc.ID, models.StatusPending, models.StatusEmbedding, ""))
	err := f.orch.Process(ctx, f.owner, doc.ID, nil)
	assert.ErrorIs(t, err, models.ErrStatusConflict, "a document mid-pipeline belongs to another run")

	require.NoError(t, f.store.TransitionStatus(ctx, doc.ID, models.StatusEmbedding, models.StatusComplete, ""))
	var events []Progress
	require.NoError(t, f.orch.Process(ctx, f.owner, doc.ID, func(p Progress) { events = append(events, p) }))
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusComplete, events[0].Stage)
	assert.Zero(t, f.provider.Calls())
}

func TestProcess_OtherOwner(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "a.txt", []byte("hello world"))

	err := f.orch.Process(context.Background(), uuid.New(), doc.ID, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcessSession_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	content := []byte(longText(1200))
	good := f.upload(t, "good.txt", content)
	bad := f.upload(t, "bad.bin", []byte{0x00, 0xfe})
	dup := f.upload(t, "dup.txt", content)
	last := f.upload(t, "last.md", []byte("# Title\n\nSome markdown body."))

	var order []uuid.UUID
	report, err := f.orch.ProcessSession(context.Background(), f.owner, f.session, func(p Progress) {
		if len(order) == 0 || order[len(order)-1] != p.DocumentID {
			order = append(order, p.DocumentID)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, SessionReport{SessionID: f.session, Completed: 2, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, []uuid.UUID{good.ID, bad.ID, dup.ID, last.ID}, order, "documents run sequentially in upload order")

	pending, err := f.store.ListPending(context.Background(), f.session)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconciler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stuck := f.upload(t, "stuck.txt", []byte("stuck"))
	require.NoError(t, f.store.TransitionStatus(ctx, stuck.ID, models.StatusPending, models.StatusEmbedding, ""))

	partial := f.upload(t, "partial.txt", []byte("partial"))
	require.NoError(t, f.store.ReplaceChunks(ctx, partial.ID, []models.Chunk{{ChunkIndex: 0, Embedding: unitVector("p")}}))
	require.NoError(t, f.store.TransitionStatus(ctx, partial.ID, models.StatusPending, models.StatusError, "boom"))

	r := NewReconciler(f.store, f.cache, 30*time.Minute)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Stale, "recent work is left alone")
	assert.Equal(t, int64(1), report.ChunksRemoved)
	assert.Equal(t, []uuid.UUID{partial.ID}, f.cache.docs)
	assert.Equal(t, []uuid.UUID{f.owner}, f.cache.owners)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)
	assert.Zero(t, report.ChunksRemoved, "cleaned documents are not revisited")
	assert.Len(t, f.cache.docs, 1)
	got := f.status(t, stuck.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestRedisProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	p := NewRedisProgress(client, "test:")
	doc := &models.Document{ID: uuid.New(), Status: models.StatusEmbedding}

	_, ok, err := p.Latest(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 70, p.Current(ctx, doc).Percent)

	require.NoError(t, p.Publish(ctx, Progress{DocumentID: doc.ID, Stage: models.StatusEmbedding, Percent: 85}))
	assert.Equal(t, 85, p.Current(ctx, doc).Percent)
	assert.True(t, mr.Exists("test:progress:"+doc.ID.String()))

	doc.Status = models.StatusComplete
	assert.Equal(t, 100, p.Current(ctx, doc).Percent, "a newer row wins over a stale event")
	assert.True(t, p.Current(ctx, doc).Done)

	var nilProgress *RedisProgress
	assert.Equal(t, models.StatusComplete, nilProgress.Current(ctx, doc).Stage)
}

func TestProcessSession_CountsRetryableFailures(t *testing.T) {
	f := newFixture(t)
	f.provider.err = &llm.StatusError{Provider: "openai", StatusCode: 503}
	f.upload(t, "bad.bin", []byte{0x00, 0xfe})
	f.upload(t, "notes.txt", []byte(longText(1500)))

	var permanent, retryable int
	report, err := f.orch.ProcessSession(context.Background(), f.owner, f.session, func(p Progress) {
		if p.Stage != models.StatusError {
			return
		}
		if p.Retryable {
			retryable++
		} else {
			permanent++
		}
	})
	require.NoError(t, err)
	assert.Equal(t, SessionReport{SessionID: f.session, Failed: 2, Retryable: 1}, report)
	assert.Equal(t, 1, permanent)
	assert.Equal(t, 1, retryable)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "processing failed", UserMessage(fmt.Errorf("boom")))
	assert.Equal(t, "embedding service temporarily unavailable, please retry later", UserMessage(breaker.ErrOpen))
	assert.Equal(t, "document text could not be split into usable passages", UserMessage(chunker.ErrDuplicateChunks))
	assert.Equal(t, "document is too large to process", UserMessage(fmt.Errorf("extract: %w", textextract.ErrTooLarge)))
	assert.True(t, Permanent(textextract.ErrTooLarge))
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, chunker.DefaultOptions())
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewOrchestrator(Deps{Store: f.store, Blobs: f.blobs, Embedder: f.orch.embedder}, chunker.ChunkOptions{ChunkSize: 10, ChunkOverlap: 10})
	assert.Error(t, err)
}
