package ingest

import (
	"context"
	"errors"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/pkg/chunker"
	"github.com/nikhilbhutani/docqa/pkg/textextract"
)

// UserMessage maps a pipeline failure to text safe to show the uploader.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, textextract.ErrEncrypted):
		return "document is password protected"
	case errors.Is(err, textextract.ErrUnsupportedFormat):
		return "unsupported file format"
	case errors.Is(err, textextract.ErrCorrupted):
		return "document is corrupted or unreadable"
	case errors.Is(err, textextract.ErrTooLarge):
		return "document is too large to process"
	case errors.Is(err, storage.ErrObjectNotFound):
		return "original file is missing, please upload it again"
	case errors.Is(err, chunker.ErrDegenerateChunks), errors.Is(err, chunker.ErrDuplicateChunks):
		return "document text could not be split into usable passages"
	case errors.Is(err, context.Canceled):
		return "processing was cancelled"
	case errors.Is(err, breaker.ErrOpen),
		errors.Is(err, embedding.ErrRetriesExhausted),
		errors.Is(err, context.DeadlineExceeded),
		llm.IsTransient(err):
		return "embedding service temporarily unavailable, please retry later"
	case errors.Is(err, embedding.ErrInvalidEmbedding):
		return "embedding service returned an invalid response"
	default:
		return "processing failed"
	}
}

// Permanent reports whether retrying the same input cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, textextract.ErrEncrypted) ||
		errors.Is(err, textextract.ErrUnsupportedFormat) ||
		errors.Is(err, textextract.ErrCorrupted) ||
		errors.Is(err, textextract.ErrTooLarge) ||
		errors.Is(err, storage.ErrObjectNotFound) ||
		errors.Is(err, chunker.ErrDegenerateChunks) ||
		errors.Is(err, chunker.ErrDuplicateChunks)
}
