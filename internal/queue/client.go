package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docqa/internal/config"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client   enqueuer
	maxRetry int
	timeout  time.Duration
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client:   asynq.NewClient(RedisOpt(cfg)),
		maxRetry: 3,
		timeout:  30 * time.Minute,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueSession schedules ingestion of every pending document in the
// session. The session id doubles as the task id, so a session that is
// already queued is not queued twice.
func (c *Client) EnqueueSession(ctx context.Context, ownerID, sessionID uuid.UUID) error {
	task, err := NewIngestSessionTask(ownerID, sessionID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.TaskID(sessionID.String()),
		asynq.Queue(QueueIngest),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Debug("session already queued", "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TypeIngestSession, err)
	}
	return nil
}
