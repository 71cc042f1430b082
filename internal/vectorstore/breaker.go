package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/models"
)

// guarded routes every call through a circuit breaker. Missing rows and lost
// status races are answers, not outages, so they never count as failures.
type guarded struct {
	next Store
	cb   *breaker.Breaker
}

func WithBreaker(next Store, cb *breaker.Breaker) Store {
	return &guarded{next: next, cb: cb}
}

func (g *guarded) run(ctx context.Context, fn func(context.Context) error) error {
	var domainErr error
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrStatusConflict) {
			domainErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return domainErr
}

func (g *guarded) CreateDocument(ctx context.Context, doc *models.Document) error {
	return g.run(ctx, func(ctx context.Context) error { return g.next.CreateDocument(ctx, doc) })
}

func (g *guarded) GetDocument(ctx context.Context, ownerID, id uuid.UUID) (doc *models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		doc, err = g.next.GetDocument(ctx, ownerID, id)
		return err
	})
	return doc, err
}

func (g *guarded) ListDocuments(ctx context.Context, ownerID uuid.UUID) (docs []models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		docs, err = g.next.ListDocuments(ctx, ownerID)
		return err
	})
	return docs, err
}

func (g *guarded) FindDuplicate(ctx context.Context, doc *models.Document) (dup *models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		dup, err = g.next.FindDuplicate(ctx, doc)
		return err
	})
	return dup, err
}

func (g *guarded) ListPending(ctx context.Context, sessionID uuid.UUID) (docs []models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		docs, err = g.next.ListPending(ctx, sessionID)
		return err
	})
	return docs, err
}

func (g *guarded) ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time) (docs []models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		docs, err = g.next.ListByStatus(ctx, statuses, updatedBefore)
		return err
	})
	return docs, err
}

func (g *guarded) ListWithChunks(ctx context.Context, status models.Status) (docs []models.Document, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		docs, err = g.next.ListWithChunks(ctx, status)
		return err
	})
	return docs, err
}

func (g *guarded) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.Status, errMsg string) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.TransitionStatus(ctx, id, from, to, errMsg)
	})
}

func (g *guarded) UpdateExtraction(ctx context.Context, id uuid.UUID, pageCount int, metadata json.RawMessage) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.UpdateExtraction(ctx, id, pageCount, metadata)
	})
}

func (g *guarded) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.ReplaceChunks(ctx, documentID, chunks)
	})
}

func (g *guarded) CountChunks(ctx context.Context, documentID uuid.UUID) (n int, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		n, err = g.next.CountChunks(ctx, documentID)
		return err
	})
	return n, err
}

func (g *guarded) DeleteChunks(ctx context.Context, documentID uuid.UUID) (n int64, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		n, err = g.next.DeleteChunks(ctx, documentID)
		return err
	})
	return n, err
}

func (g *guarded) SimilaritySearch(ctx context.Context, q Query) (matches []Match, err error) {
	err = g.run(ctx, func(ctx context.Context) error {
		matches, err = g.next.SimilaritySearch(ctx, q)
		return err
	})
	return matches, err
}

func (g *guarded) DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.next.DeleteDocument(ctx, ownerID, id)
	})
}

// Ping bypasses the breaker so readiness reflects the database itself.
func (g *guarded) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}
