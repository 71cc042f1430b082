// Package ingest drives a document through parsing, chunking, embedding and
// storing. Every status change is a compare-and-set so duplicate or retried
// triggers cannot run the same document twice.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
	"github.com/nikhilbhutani/docqa/pkg/chunker"
	"github.com/nikhilbhutani/docqa/pkg/textextract"
)

// Embedder is satisfied by *embedding.Client.
type Embedder interface {
	EmbedBatches(ctx context.Context, texts []string, onBatch func(done, total int)) (*embedding.Result, error)
}

// Invalidator is satisfied by *cache.Cache.
type Invalidator interface {
	InvalidateDocument(ctx context.Context, id uuid.UUID)
	InvalidateOwner(ctx context.Context, id uuid.UUID)
}

type Deps struct {
	Store    vectorstore.Store
	Blobs    storage.Storage
	Embedder Embedder
	Cache    Invalidator  // optional
	Progress ProgressSink // optional
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	store    vectorstore.Store
	blobs    storage.Storage
	embedder Embedder
	cache    Invalidator
	progress ProgressSink
	metrics  *metrics.Metrics
	chunker  chunker.Chunker
	opts     chunker.ChunkOptions
}

func NewOrchestrator(d Deps, opts chunker.ChunkOptions) (*Orchestrator, error) {
	if d.Store == nil || d.Blobs == nil || d.Embedder == nil {
		return nil, errors.New("orchestrator requires a store, blob storage and an embedder")
	}
	if opts.ChunkSize < 1 || opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("invalid chunk options: size %d, overlap %d", opts.ChunkSize, opts.ChunkOverlap)
	}
	return &Orchestrator{
		store:    d.Store,
		blobs:    d.Blobs,
		embedder: d.Embedder,
		cache:    d.Cache,
		progress: d.Progress,
		metrics:  d.Metrics,
		chunker:  chunker.New(),
		opts:     opts,
	}, nil
}

// ProcessDocument runs the pipeline in the background and streams progress.
// The channel is closed after the terminal event. Callers must drain it or
// cancel ctx.
func (o *Orchestrator) ProcessDocument(ctx context.Context, ownerID, documentID uuid.UUID) <-chan Progress {
	ch := make(chan Progress, 8)
	go func() {
		defer close(ch)
		_ = o.Process(ctx, ownerID, documentID, func(p Progress) {
			select {
			case ch <- p:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// Process runs the pipeline synchronously. A document that is already
// terminal is reported and left alone.
func (o *Orchestrator) Process(ctx context.Context, ownerID, documentID uuid.UUID, onProgress func(Progress)) error {
	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	r := &run{o: o, doc: doc, onProgress: onProgress, started: time.Now()}
	if doc.Status.Terminal() {
		r.emit(Progress{Stage: doc.Status, Percent: doc.Status.Percent(), Error: doc.ErrorMessage, Done: true})
		return nil
	}
	if doc.Status != models.StatusPending {
		return fmt.Errorf("%w: document %s is already %s", models.ErrStatusConflict, doc.ID, doc.Status)
	}
	return r.execute(ctx)
}

// run is the state of one document's trip through the pipeline.
type run struct {
	o          *Orchestrator
	doc        *models.Document
	onProgress func(Progress)
	started    time.Time
}

func (r *run) execute(ctx context.Context) error {
	log := slog.With("document_id", r.doc.ID, "owner_id", r.doc.OwnerID)

	skipped, err := r.skipDuplicate(ctx)
	if err != nil || skipped {
		return err
	}

	if err := r.advance(ctx, models.StatusParsing); err != nil {
		return err
	}
	extracted, err := r.parse(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}

	if err := r.advance(ctx, models.StatusChunking); err != nil {
		return err
	}
	chunks, err := r.chunk(extracted)
	if err != nil {
		return r.fail(ctx, err)
	}

	if err := r.advance(ctx, models.StatusEmbedding); err != nil {
		return err
	}
	vectors, err := r.embed(ctx, chunks)
	if err != nil {
		return r.fail(ctx, err)
	}

	if err := r.advance(ctx, models.StatusStoring); err != nil {
		return err
	}
	if err := r.persist(ctx, extracted, chunks, vectors); err != nil {
		return r.fail(ctx, err)
	}

	if err := r.advance(ctx, models.StatusComplete); err != nil {
		return err
	}
	r.invalidate(ctx)
	r.o.metrics.IngestFinished(string(models.StatusComplete))
	log.Info("document ingested", "chunks", len(chunks), "duration", time.Since(r.started))
	r.emit(Progress{Stage: models.StatusComplete, Percent: 100, Done: true})
	return nil
}

func (r *run) skipDuplicate(ctx context.Context) (bool, error) {
	dup, err := r.o.store.FindDuplicate(ctx, r.doc)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, r.fail(ctx, fmt.Errorf("check duplicates: %w", err))
	}

	msg := fmt.Sprintf("duplicate of %s", dup.Filename)
	if err := r.o.store.TransitionStatus(ctx, r.doc.ID, models.StatusPending, models.StatusSkipped, msg); err != nil {
		return false, fmt.Errorf("mark skipped: %w", err)
	}
	r.doc.Status = models.StatusSkipped

	slog.Info("duplicate document skipped", "document_id", r.doc.ID, "original_id", dup.ID)
	r.o.metrics.IngestFinished(string(models.StatusSkipped))
	r.emit(Progress{Stage: models.StatusSkipped, Percent: 100, Error: msg, Done: true})
	return true, nil
}

// advance moves to the next stage. Caller cancellation is honored here, at
// stage boundaries, and nowhere else.
func (r *run) advance(ctx context.Context, to models.Status) error {
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, err)
	}
	from := r.doc.Status
	if err := r.o.store.TransitionStatus(ctx, r.doc.ID, from, to, ""); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			return fmt.Errorf("advance to %s: %w", to, err)
		}
		return r.fail(ctx, fmt.Errorf("advance to %s: %w", to, err))
	}
	r.doc.Status = to
	r.o.metrics.IngestStage(string(from), time.Since(r.started))
	r.started = time.Now()

	if to != models.StatusComplete {
		r.emit(Progress{Stage: to, Percent: to.Percent()})
	}
	return nil
}

func (r *run) parse(ctx context.Context) (*textextract.ExtractedText, error) {
	data, err := r.o.blobs.Get(ctx, r.doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("fetch original: %w", err)
	}
	extracted, err := textextract.Extract(data, r.doc.Filename)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}

	meta, err := json.Marshal(extracted.Metadata())
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := r.o.store.UpdateExtraction(ctx, r.doc.ID, extracted.Pages, meta); err != nil {
		return nil, fmt.Errorf("save extraction: %w", err)
	}
	return extracted, nil
}

func (r *run) chunk(extracted *textextract.ExtractedText) ([]chunker.TextChunk, error) {
	chunks := r.o.chunker.Chunk(extracted.Content, r.o.opts)
	if err := chunker.Validate(chunks); err != nil {
		return nil, fmt.Errorf("chunk text: %w", err)
	}
	return chunks, nil
}

func (r *run) embed(ctx context.Context, chunks []chunker.TextChunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	res, err := r.o.embedder.EmbedBatches(ctx, texts, func(done, total int) {
		r.emit(Progress{Stage: models.StatusEmbedding, Percent: 70 + 30*done/total})
	})
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(res.Vectors) != len(chunks) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(res.Vectors), len(chunks))
	}
	return res.Vectors, nil
}

func (r *run) persist(ctx context.Context, extracted *textextract.ExtractedText, chunks []chunker.TextChunk, vectors [][]float32) error {
	rows := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.Chunk{
			ID:          uuid.New(),
			DocumentID:  r.doc.ID,
			OwnerID:     r.doc.OwnerID,
			ChunkIndex:  i,
			Content:     c.Content,
			Embedding:   vectors[i],
			TokenCount:  c.Tokens,
			StartOffset: c.Start,
		}
		if page := extracted.PageAt(c.Start); page > 0 {
			rows[i].PageNumber = &page
		}
	}

	if err := r.o.store.ReplaceChunks(ctx, r.doc.ID, rows); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	n, err := r.o.store.CountChunks(ctx, r.doc.ID)
	if err != nil {
		return fmt.Errorf("verify chunks: %w", err)
	}
	if n != len(rows) {
		return fmt.Errorf("verify chunks: stored %d of %d", n, len(rows))
	}
	return nil
}

// fail marks the document as errored. The update runs even if ctx was
// cancelled so the row never stays mid-pipeline because the caller left.
func (r *run) fail(ctx context.Context, cause error) error {
	msg := UserMessage(cause)
	retryable := !Permanent(cause)
	slog.Error("document ingestion failed",
		"document_id", r.doc.ID,
		"stage", r.doc.Status,
		"retryable", retryable,
		"error", cause,
	)

	stage := r.doc.Status
	if err := r.o.store.TransitionStatus(context.WithoutCancel(ctx), r.doc.ID, stage, models.StatusError, msg); err != nil {
		slog.Error("mark document failed", "document_id", r.doc.ID, "error", err)
	} else {
		r.doc.Status = models.StatusError
	}

	r.o.metrics.IngestFinished(string(models.StatusError))
	r.emit(Progress{Stage: models.StatusError, Percent: stage.Percent(), Error: msg, Retryable: retryable, Done: true})
	return fmt.Errorf("ingest %s during %s: %w", r.doc.ID, stage, cause)
}

func (r *run) invalidate(ctx context.Context) {
	if r.o.cache == nil {
		return
	}
	r.o.cache.InvalidateDocument(ctx, r.doc.ID)
	r.o.cache.InvalidateOwner(ctx, r.doc.OwnerID)
}

func (r *run) emit(p Progress) {
	p.DocumentID = r.doc.ID
	p.At = time.Now()
	if r.o.progress != nil {
		if err := r.o.progress.Publish(context.Background(), p); err != nil {
			slog.Warn("publish progress", "document_id", r.doc.ID, "error", err)
		}
	}
	if r.onProgress != nil {
		r.onProgress(p)
	}
}
