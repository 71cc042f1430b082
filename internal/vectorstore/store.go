// Package vectorstore persists documents, their chunks and embeddings, and
// answers nearest-neighbour queries scoped to one owner.
//
// Distances are cosine distances in [0, 2]. Callers convert them with
// Similarity, which is the only place the convention is applied.
package vectorstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/models"
)

type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, ownerID, id uuid.UUID) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]models.Document, error)

	// FindDuplicate returns an earlier live document of the same owner with
	// the same content hash, or models.ErrNotFound.
	FindDuplicate(ctx context.Context, doc *models.Document) (*models.Document, error)

	// ListPending returns the session's pending documents in upload order.
	ListPending(ctx context.Context, sessionID uuid.UUID) ([]models.Document, error)

	// ListByStatus returns documents in any of the statuses last updated
	// before the cutoff.
	ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time) ([]models.Document, error)

	// ListWithChunks returns documents in status that still own chunks.
	ListWithChunks(ctx context.Context, status models.Status) ([]models.Document, error)

	// TransitionStatus moves a document from one status to another only if
	// it is still in from. It returns models.ErrStatusConflict otherwise.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.Status, errMsg string) error

	UpdateExtraction(ctx context.Context, id uuid.UUID, pageCount int, metadata json.RawMessage) error

	// ReplaceChunks swaps the document's whole chunk set in one transaction.
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) error
	CountChunks(ctx context.Context, documentID uuid.UUID) (int, error)
	DeleteChunks(ctx context.Context, documentID uuid.UUID) (int64, error)

	SimilaritySearch(ctx context.Context, q Query) ([]Match, error)

	// DeleteDocument removes the document and, by cascade, its chunks.
	DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error

	Ping(ctx context.Context) error
}

type Query struct {
	OwnerID     uuid.UUID
	Vector      []float32
	TopK        int
	DocumentIDs []uuid.UUID
}

// Match is a nearest chunk with its raw cosine distance.
type Match struct {
	ChunkID      uuid.UUID
	DocumentID   uuid.UUID
	DocumentName string
	Content      string
	ChunkIndex   int
	PageNumber   *int
	Distance     float64
}

// Similarity converts a cosine distance to a score in [0,1].
func Similarity(distance float64) float64 {
	s := 1 - distance
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

func (m Match) Result() models.SearchResult {
	return models.SearchResult{
		ChunkID:      m.ChunkID,
		DocumentID:   m.DocumentID,
		DocumentName: m.DocumentName,
		Content:      m.Content,
		ChunkIndex:   m.ChunkIndex,
		Score:        Similarity(m.Distance),
		PageNumber:   m.PageNumber,
	}
}

func completedAt(to models.Status, now time.Time) *time.Time {
	if to.Terminal() {
		return &now
	}
	return nil
}
