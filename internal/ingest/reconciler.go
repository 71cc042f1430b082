package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
)

var inFlight = []models.Status{
	models.StatusParsing,
	models.StatusChunking,
	models.StatusEmbedding,
	models.StatusStoring,
}

type ReconcileReport struct {
	Stale         int   `json:"stale"`
	ChunksRemoved int64 `json:"chunks_removed"`
}

// Reconciler cleans up after failed pipelines: documents stuck mid-pipeline
// longer than staleAfter are failed, and errored documents lose any chunks a
// partial run left behind.
type Reconciler struct {
	store      vectorstore.Store
	cache      Invalidator
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(store vectorstore.Store, cache Invalidator, staleAfter time.Duration) *Reconciler {
	return &Reconciler{store: store, cache: cache, staleAfter: staleAfter, now: time.Now}
}

func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.now()

	stale, err := r.store.ListByStatus(ctx, inFlight, now.Add(-r.staleAfter))
	if err != nil {
		return report, fmt.Errorf("list stale documents: %w", err)
	}
	for _, doc := range stale {
		err := r.store.TransitionStatus(ctx, doc.ID, doc.Status, models.StatusError, "processing timed out, please retry")
		if errors.Is(err, models.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("fail stale document %s: %w", doc.ID, err)
		}
		slog.Warn("failed stale document", "document_id", doc.ID, "stage", doc.Status, "updated_at", doc.UpdatedAt)
		report.Stale++
	}

	failed, err := r.store.ListWithChunks(ctx, models.StatusError)
	if err != nil {
		return report, fmt.Errorf("list failed documents: %w", err)
	}
	for _, doc := range failed {
		n, err := r.store.DeleteChunks(ctx, doc.ID)
		if err != nil {
			return report, fmt.Errorf("delete chunks of %s: %w", doc.ID, err)
		}
		report.ChunksRemoved += n
		if r.cache != nil {
			r.cache.InvalidateDocument(ctx, doc.ID)
			r.cache.InvalidateOwner(ctx, doc.OwnerID)
		}
	}

	if report.Stale > 0 || report.ChunksRemoved > 0 {
		slog.Info("reconciled documents", "stale", report.Stale, "chunks_removed", report.ChunksRemoved)
	}
	return report, nil
}
