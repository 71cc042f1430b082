// Package document owns the user-facing document lifecycle: upload into an
// ingestion session, listing, lookup and deletion.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
)

// Enqueuer is satisfied by *queue.Client.
type Enqueuer interface {
	EnqueueSession(ctx context.Context, ownerID, sessionID uuid.UUID) error
}

// Invalidator is satisfied by *cache.Cache.
type Invalidator interface {
	InvalidateDocument(ctx context.Context, id uuid.UUID)
	InvalidateOwner(ctx context.Context, id uuid.UUID)
}

type Service struct {
	store vectorstore.Store
	blobs storage.Storage
	queue Enqueuer
	cache Invalidator
}

// NewService wires the service. queue and cache may be nil; without a queue
// sessions must be processed inline.
func NewService(store vectorstore.Store, blobs storage.Storage, q Enqueuer, cache Invalidator) *Service {
	return &Service{store: store, blobs: blobs, queue: q, cache: cache}
}

type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	SessionID uuid.UUID         `json:"session_id"`
	Queued    bool              `json:"queued"`
	Documents []models.Document `json:"documents"`
}

// Upload stores every file and records it as a pending document in one new
// ingestion session, then queues the session. Files are processed in the
// order given.
func (s *Service) Upload(ctx context.Context, ownerID uuid.UUID, files []File) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", models.ErrValidation)
	}
	for _, f := range files {
		if strings.TrimSpace(f.Filename) == "" {
			return nil, fmt.Errorf("%w: file name is required", models.ErrValidation)
		}
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", models.ErrValidation, f.Filename)
		}
	}

	result := &UploadResult{SessionID: uuid.New(), Documents: make([]models.Document, 0, len(files))}
	for _, f := range files {
		doc, err := s.create(ctx, ownerID, result.SessionID, f)
		if err != nil {
			return nil, err
		}
		result.Documents = append(result.Documents, *doc)
	}

	if s.queue != nil {
		if err := s.queue.EnqueueSession(ctx, ownerID, result.SessionID); err != nil {
			// documents stay pending and the session can be queued again
			slog.Error("failed to enqueue session", "session_id", result.SessionID, "error", err)
		} else {
			result.Queued = true
		}
	}

	slog.Info("documents uploaded", "owner_id", ownerID, "session_id", result.SessionID, "count", len(files), "queued", result.Queued)
	return result, nil
}

func (s *Service) create(ctx context.Context, ownerID, sessionID uuid.UUID, f File) (*models.Document, error) {
	sum := sha256.Sum256(f.Data)
	contentType := f.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(f.Data)
	}

	doc := &models.Document{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		SessionID:   sessionID,
		Filename:    f.Filename,
		ContentType: contentType,
		ByteSize:    int64(len(f.Data)),
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      models.StatusPending,
	}
	doc.StoragePath = storage.ObjectKey(ownerID, doc.ID, f.Filename)

	if err := s.blobs.Put(ctx, doc.StoragePath, f.Data, contentType); err != nil {
		return nil, fmt.Errorf("store %s: %w", f.Filename, err)
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if delErr := s.blobs.Delete(ctx, doc.StoragePath); delErr != nil {
			slog.Warn("failed to remove orphaned upload", "path", doc.StoragePath, "error", delErr)
		}
		return nil, fmt.Errorf("create document %s: %w", f.Filename, err)
	}
	return doc, nil
}

// Requeue queues a session again, for example after an enqueue failure.
// Only documents still pending are processed.
func (s *Service) Requeue(ctx context.Context, ownerID, sessionID uuid.UUID) error {
	if s.queue == nil {
		return errors.New("no queue configured")
	}
	return s.queue.EnqueueSession(ctx, ownerID, sessionID)
}

func (s *Service) List(ctx context.Context, ownerID uuid.UUID) ([]models.Document, error) {
	docs, err := s.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Document, error) {
	return s.store.GetDocument(ctx, ownerID, id)
}

// Delete removes the document, its chunks and its original file, and drops
// any cached results that could mention it.
func (s *Service) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	if s.cache != nil {
		s.cache.InvalidateDocument(ctx, id)
		s.cache.InvalidateOwner(ctx, ownerID)
	}

	if doc.StoragePath != "" {
		if err := s.blobs.Delete(ctx, doc.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			slog.Warn("failed to delete original file", "document_id", id, "path", doc.StoragePath, "error", err)
		}
	}
	slog.Info("document deleted", "document_id", id, "owner_id", ownerID)
	return nil
}
