package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeIngestSession = "ingest:session"
	TypeReconcile     = "maintenance:reconcile"

	QueueIngest      = "ingest"
	QueueMaintenance = "maintenance"
)

type IngestSessionPayload struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
}

func NewIngestSessionTask(ownerID, sessionID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(IngestSessionPayload{SessionID: sessionID.String(), OwnerID: ownerID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeIngestSession, data), nil
}

// ParseIngestSession decodes the task payload. A malformed payload can never
// succeed, so the error wraps asynq.SkipRetry.
func ParseIngestSession(t *asynq.Task) (ownerID, sessionID uuid.UUID, err error) {
	var p IngestSessionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if ownerID, err = uuid.Parse(p.OwnerID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse owner id: %v: %w", err, asynq.SkipRetry)
	}
	if sessionID, err = uuid.Parse(p.SessionID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse session id: %v: %w", err, asynq.SkipRetry)
	}
	return ownerID, sessionID, nil
}

func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil)
}
