package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docqa/internal/ingest"
	"github.com/nikhilbhutani/docqa/internal/queue"
)

// SessionProcessor is satisfied by *ingest.Orchestrator.
type SessionProcessor interface {
	ProcessSession(ctx context.Context, ownerID, sessionID uuid.UUID, onProgress func(ingest.Progress)) (ingest.SessionReport, error)
}

type SessionWorker struct {
	proc SessionProcessor
}

func NewSessionWorker(proc SessionProcessor) *SessionWorker {
	return &SessionWorker{proc: proc}
}

// ProcessTask ingests the session's pending documents in upload order.
// Per-document failures are recorded on the documents themselves and are
// terminal, transient ones included; those are reported as retryable so the
// uploader can send the file again. The task only fails when the session could
// not be walked, and asynq retries it. A retry picks up exactly the documents
// still pending.
func (w *SessionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ownerID, sessionID, err := queue.ParseIngestSession(t)
	if err != nil {
		return err
	}

	slog.Info("processing session", "session_id", sessionID, "owner_id", ownerID)

	report, err := w.proc.ProcessSession(ctx, ownerID, sessionID, func(p ingest.Progress) {
		if p.Error != "" {
			slog.Warn("document failed", "session_id", sessionID, "document_id", p.DocumentID, "stage", p.Stage, "retryable", p.Retryable, "error", p.Error)
		}
	})
	if err != nil {
		return fmt.Errorf("process session %s: %w", sessionID, err)
	}

	slog.Info("session processed",
		"session_id", sessionID,
		"completed", report.Completed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"retryable", report.Retryable,
	)
	return nil
}
