package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docqa/internal/ingest"
)

// Reconciler is satisfied by *ingest.Reconciler.
type Reconciler interface {
	Run(ctx context.Context) (ingest.ReconcileReport, error)
}

type ReconcileWorker struct {
	r Reconciler
}

func NewReconcileWorker(r Reconciler) *ReconcileWorker {
	return &ReconcileWorker{r: r}
}

func (w *ReconcileWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	report, err := w.r.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if report.Stale > 0 || report.ChunksRemoved > 0 {
		slog.Debug("reconcile task done", "stale", report.Stale, "chunks_removed", report.ChunksRemoved)
	}
	return nil
}
