package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/models"
)

type SessionReport struct {
	SessionID uuid.UUID `json:"session_id"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	// Retryable counts the failures that were not caused by the file itself.
	Retryable int `json:"retryable"`
}

// ProcessSession ingests the session's pending documents one at a time, in
// upload order. A failed document does not stop the rest. The returned error
// covers only failures to list the session or a cancelled ctx.
func (o *Orchestrator) ProcessSession(ctx context.Context, ownerID, sessionID uuid.UUID, onProgress func(Progress)) (SessionReport, error) {
	report := SessionReport{SessionID: sessionID}

	docs, err := o.store.ListPending(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("list pending documents: %w", err)
	}
	slog.Info("processing session", "session_id", sessionID, "documents", len(docs))

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if doc.OwnerID != ownerID {
			slog.Warn("session document belongs to another owner", "session_id", sessionID, "document_id", doc.ID)
			continue
		}

		var final Progress
		err := o.Process(ctx, ownerID, doc.ID, func(p Progress) {
			if p.Done {
				final = p
			}
			if onProgress != nil {
				onProgress(p)
			}
		})
		switch {
		case errors.Is(err, models.ErrStatusConflict):
			// another trigger owns it
			continue
		case err != nil || final.Stage == models.StatusError:
			report.Failed++
			if final.Retryable || (err != nil && !Permanent(err)) {
				report.Retryable++
			}
		case final.Stage == models.StatusSkipped:
			report.Skipped++
		default:
			report.Completed++
		}
	}

	slog.Info("session processed",
		"session_id", sessionID,
		"completed", report.Completed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"retryable", report.Retryable,
	)
	return report, nil
}
