package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Document struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	OwnerID      uuid.UUID       `json:"owner_id" db:"owner_id"`
	SessionID    uuid.UUID       `json:"session_id" db:"session_id"`
	Filename     string          `json:"filename" db:"filename"`
	StoragePath  string          `json:"storage_path,omitempty" db:"storage_path"`
	ContentType  string          `json:"content_type,omitempty" db:"content_type"`
	ByteSize     int64           `json:"byte_size" db:"byte_size"`
	PageCount    int             `json:"page_count" db:"page_count"`
	ContentHash  string          `json:"content_hash" db:"content_hash"`
	Status       Status          `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

type Chunk struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DocumentID  uuid.UUID `json:"document_id" db:"document_id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	ChunkIndex  int       `json:"chunk_index" db:"chunk_index"`
	Content     string    `json:"content" db:"content"`
	Embedding   []float32 `json:"-" db:"embedding"`
	TokenCount  int       `json:"token_count" db:"token_count"`
	PageNumber  *int      `json:"page_number,omitempty" db:"page_number"`
	StartOffset int       `json:"start_offset" db:"start_offset"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SearchResult is a ranked passage returned by retrieval. Score is a cosine
// similarity clamped to [0,1].
type SearchResult struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Content      string    `json:"content"`
	ChunkIndex   int       `json:"chunk_index"`
	Score        float64   `json:"score"`
	PageNumber   *int      `json:"page_number,omitempty"`
}
