package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docqa/internal/config"
)

type HandlersRegistry struct {
	mux *asynq.ServeMux
}

func NewHandlersRegistry() *HandlersRegistry {
	return &HandlersRegistry{
		mux: asynq.NewServeMux(),
	}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

// NewServer builds the worker server. Ingestion sessions get most of the
// concurrency; maintenance runs alongside at low priority.
func NewServer(redisCfg config.RedisConfig, workerCfg config.WorkerConfig) *asynq.Server {
	return asynq.NewServer(RedisOpt(redisCfg), asynq.Config{
		Concurrency: workerCfg.Concurrency,
		Queues: map[string]int{
			QueueIngest:      6,
			QueueMaintenance: 1,
		},
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			slog.Error("task failed", "type", t.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
		}),
	})
}

// NewScheduler registers the periodic reconcile task. interval is a cron spec
// or an "@every <duration>" expression.
func NewScheduler(redisCfg config.RedisConfig, interval string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(RedisOpt(redisCfg), &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := s.Register(interval, NewReconcileTask(),
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(time.Minute),
	); err != nil {
		return nil, fmt.Errorf("register %s: %w", TypeReconcile, err)
	}
	return s, nil
}
