package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/docqa/internal/models"
)

type Progress struct {
	DocumentID uuid.UUID     `json:"document_id"`
	Stage      models.Status `json:"stage"`
	Percent    int           `json:"percent"`
	Error      string        `json:"error,omitempty"`
	// Retryable marks a failure that a fresh upload of the same file may
	// get past, such as a provider outage.
	Retryable bool      `json:"retryable,omitempty"`
	Done      bool      `json:"done"`
	At        time.Time `json:"at"`
}

// FromDocument derives coarse progress from the stored status alone.
func FromDocument(doc *models.Document) Progress {
	return Progress{
		DocumentID: doc.ID,
		Stage:      doc.Status,
		Percent:    doc.Status.Percent(),
		Error:      doc.ErrorMessage,
		Done:       doc.Status.Terminal(),
		At:         doc.UpdatedAt,
	}
}

type ProgressSink interface {
	Publish(ctx context.Context, p Progress) error
}

// RedisProgress keeps the latest event per document so API instances can
// report per-batch progress for work running on a worker.
type RedisProgress struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisProgress(client redis.UniversalClient, prefix string) *RedisProgress {
	if prefix == "" {
		prefix = "rag:"
	}
	return &RedisProgress{
		client:  client,
		prefix:  prefix + "progress:",
		ttl:     time.Hour,
		timeout: 2 * time.Second,
	}
}

func (p *RedisProgress) Publish(ctx context.Context, ev Progress) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Set(ctx, p.prefix+ev.DocumentID.String(), data, p.ttl).Err()
}

func (p *RedisProgress) Latest(ctx context.Context, documentID uuid.UUID) (Progress, bool, error) {
	data, err := p.client.Get(ctx, p.prefix+documentID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("read progress: %w", err)
	}
	var ev Progress
	if err := json.Unmarshal(data, &ev); err != nil {
		return Progress{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return ev, true, nil
}

// Current prefers the live event when it is at least as recent as the row.
func (p *RedisProgress) Current(ctx context.Context, doc *models.Document) Progress {
	stored := FromDocument(doc)
	if p == nil {
		return stored
	}
	live, ok, err := p.Latest(ctx, doc.ID)
	if err != nil || !ok || live.Stage != doc.Status {
		return stored
	}
	return live
}
