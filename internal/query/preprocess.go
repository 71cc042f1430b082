// Package query normalizes user queries and derives deterministic cache keys
// so that equivalent requests share cached embeddings and results.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/models"
)

const (
	MaxQueryRunes = 1000
	MinTopK       = 1
	MaxTopK       = 20

	// bump when the key layout changes so old entries are never reused
	keyVersion = "v1"
)

var (
	ErrEmptyQuery   = fmt.Errorf("%w: query is empty", models.ErrValidation)
	ErrQueryTooLong = fmt.Errorf("%w: query exceeds %d characters", models.ErrValidation, MaxQueryRunes)
)

// Params are the retrieval parameters that participate in the result key.
type Params struct {
	TopK        int
	Threshold   float64
	DocumentIDs []uuid.UUID
}

func (p Params) Validate() error {
	var errs []error
	if p.TopK < MinTopK || p.TopK > MaxTopK {
		errs = append(errs, fmt.Errorf("top_k must be between %d and %d, got %d", MinTopK, MaxTopK, p.TopK))
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be between 0 and 1, got %g", p.Threshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Normalize trims, lowercases, strips characters outside a conservative
// allow-list and collapses whitespace.
func Normalize(raw string) (string, error) {
	if utf8.RuneCountInString(raw) > MaxQueryRunes {
		return "", ErrQueryTooLong
	}

	var sb strings.Builder
	sb.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteByte(' ')
		case strings.ContainsRune(allowedPunct, r):
			sb.WriteRune(r)
		}
	}

	normalized := strings.Join(strings.Fields(sb.String()), " ")
	if normalized == "" {
		return "", ErrEmptyQuery
	}
	return normalized, nil
}

const allowedPunct = `.,?!'"-:;()/&%+`

// ResultKey identifies a cached result set. The owner is part of the key so
// results never cross users; generation is the owner's cache generation, so
// a set computed before an invalidation is never read after it.
func ResultKey(ownerID uuid.UUID, generation int64, normalized string, p Params) string {
	ids := make([]string, len(p.DocumentIDs))
	for i, id := range p.DocumentIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)

	canonical := strings.Join([]string{
		keyVersion,
		ownerID.String(),
		strconv.FormatInt(generation, 10),
		strconv.Itoa(p.TopK),
		strconv.FormatFloat(p.Threshold, 'g', -1, 64),
		strings.Join(ids, ","),
		normalized,
	}, "\x1f")
	return "res:" + digest(canonical)
}

// EmbeddingKey identifies a cached query embedding; it depends only on text.
func EmbeddingKey(normalized string) string {
	return "emb:" + digest(keyVersion+"\x1f"+normalized)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
