package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/models"
)

type memDocument struct {
	doc models.Document
	seq int64
}

// MemoryStore is an in-process Store used by tests and the memory storage
// backend. Search is a linear scan.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[uuid.UUID]*memDocument
	chunks map[uuid.UUID][]models.Chunk
	seq    int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[uuid.UUID]*memDocument),
		chunks: make(map[uuid.UUID][]models.Chunk),
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("insert document: %s already exists", doc.ID)
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = json.RawMessage(`{}`)
	}
	now := s.now()
	doc.CreatedAt, doc.UpdatedAt = now, now

	s.seq++
	s.docs[doc.ID] = &memDocument{doc: *doc, seq: s.seq}
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, ownerID, id uuid.UUID) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok || d.doc.OwnerID != ownerID {
		return nil, fmt.Errorf("get document %s: %w", id, models.ErrNotFound)
	}
	doc := d.doc
	return &doc, nil
}

func (s *MemoryStore) sorted(keep func(*memDocument) bool) []*memDocument {
	var out []*memDocument
	for _, d := range s.docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *MemoryStore) ListDocuments(_ context.Context, ownerID uuid.UUID) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.sorted(func(d *memDocument) bool { return d.doc.OwnerID == ownerID })
	docs := make([]models.Document, 0, len(found))
	for i := len(found) - 1; i >= 0; i-- {
		docs = append(docs, found[i].doc)
	}
	return docs, nil
}

func (s *MemoryStore) FindDuplicate(_ context.Context, doc *models.Document) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	self, ok := s.docs[doc.ID]
	if !ok {
		return nil, fmt.Errorf("find duplicate of %s: %w", doc.ID, models.ErrNotFound)
	}
	found := s.sorted(func(d *memDocument) bool {
		return d.doc.OwnerID == doc.OwnerID &&
			d.doc.ContentHash == doc.ContentHash &&
			d.doc.ID != doc.ID &&
			d.doc.Status != models.StatusError &&
			d.doc.Status != models.StatusSkipped &&
			d.seq < self.seq
	})
	if len(found) == 0 {
		return nil, fmt.Errorf("find duplicate of %s: %w", doc.ID, models.ErrNotFound)
	}
	dup := found[0].doc
	return &dup, nil
}

func (s *MemoryStore) ListPending(_ context.Context, sessionID uuid.UUID) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.sorted(func(d *memDocument) bool {
		return d.doc.SessionID == sessionID && d.doc.Status == models.StatusPending
	})
	docs := make([]models.Document, len(found))
	for i, d := range found {
		docs[i] = d.doc
	}
	return docs, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses []models.Status, updatedBefore time.Time) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.sorted(func(d *memDocument) bool {
		return slices.Contains(statuses, d.doc.Status) && d.doc.UpdatedAt.Before(updatedBefore)
	})
	docs := make([]models.Document, len(found))
	for i, d := range found {
		docs[i] = d.doc
	}
	return docs, nil
}

func (s *MemoryStore) ListWithChunks(_ context.Context, status models.Status) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.sorted(func(d *memDocument) bool {
		return d.doc.Status == status && len(s.chunks[d.doc.ID]) > 0
	})
	docs := make([]models.Document, len(found))
	for i, d := range found {
		docs[i] = d.doc
	}
	return docs, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to models.Status, errMsg string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s is not allowed", models.ErrStatusConflict, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("transition %s: %w", id, models.ErrNotFound)
	}
	if d.doc.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", models.ErrStatusConflict, id, d.doc.Status, from)
	}
	now := s.now()
	d.doc.Status = to
	d.doc.ErrorMessage = errMsg
	d.doc.UpdatedAt = now
	d.doc.CompletedAt = completedAt(to, now)
	return nil
}

func (s *MemoryStore) UpdateExtraction(_ context.Context, id uuid.UUID, pageCount int, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("update extraction %s: %w", id, models.ErrNotFound)
	}

	merged := map[string]any{}
	if len(d.doc.Metadata) > 0 {
		if err := json.Unmarshal(d.doc.Metadata, &merged); err != nil {
			return fmt.Errorf("update extraction %s: %w", id, err)
		}
	}
	if len(metadata) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(metadata, &extra); err != nil {
			return fmt.Errorf("update extraction %s: %w", id, err)
		}
		maps.Copy(merged, extra)
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("update extraction %s: %w", id, err)
	}

	d.doc.PageCount = pageCount
	d.doc.Metadata = raw
	d.doc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, documentID uuid.UUID, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[documentID]
	if !ok {
		return fmt.Errorf("insert chunks: document %s: %w", documentID, models.ErrNotFound)
	}

	seen := make(map[int]bool, len(chunks))
	stored := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if seen[c.ChunkIndex] {
			return fmt.Errorf("insert chunks: duplicate chunk index %d", c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = documentID
		c.OwnerID = d.doc.OwnerID
		c.Embedding = slices.Clone(c.Embedding)
		c.CreatedAt = s.now()
		stored[i] = c
	}
	s.chunks[documentID] = stored
	return nil
}

func (s *MemoryStore) CountChunks(_ context.Context, documentID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[documentID]), nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, documentID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chunks[documentID])
	delete(s.chunks, documentID)
	return int64(n), nil
}

func (s *MemoryStore) SimilaritySearch(ctx context.Context, q Query) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filter map[uuid.UUID]bool
	if len(q.DocumentIDs) > 0 {
		filter = make(map[uuid.UUID]bool, len(q.DocumentIDs))
		for _, id := range q.DocumentIDs {
			filter[id] = true
		}
	}

	matches := []Match{}
	for docID, chunks := range s.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := s.docs[docID]
		if d == nil || d.doc.OwnerID != q.OwnerID || d.doc.Status != models.StatusComplete {
			continue
		}
		if filter != nil && !filter[docID] {
			continue
		}
		for _, c := range chunks {
			matches = append(matches, Match{
				ChunkID:      c.ID,
				DocumentID:   docID,
				DocumentName: d.doc.Filename,
				Content:      c.Content,
				ChunkIndex:   c.ChunkIndex,
				PageNumber:   c.PageNumber,
				Distance:     CosineDistance(q.Vector, c.Embedding),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ChunkID.String() < matches[j].ChunkID.String()
	})
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, ownerID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok || d.doc.OwnerID != ownerID {
		return fmt.Errorf("delete document %s: %w", id, models.ErrNotFound)
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
