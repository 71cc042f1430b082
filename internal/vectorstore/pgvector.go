package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/nikhilbhutani/docqa/internal/models"
)

// maxEfSearch is pgvector's upper bound for hnsw.ef_search.
const maxEfSearch = 1000

type PgVectorStore struct {
	db       *pgxpool.Pool
	efSearch int
}

// NewPgVectorStore builds the store. efSearch sizes the HNSW candidate list;
// the owner and status filters apply after the index scan, so it must cover
// other owners' neighbours as well. Zero keeps a default of 200.
func NewPgVectorStore(db *pgxpool.Pool, efSearch int) *PgVectorStore {
	if efSearch <= 0 {
		efSearch = 200
	}
	return &PgVectorStore{db: db, efSearch: min(efSearch, maxEfSearch)}
}

const documentColumns = `id, owner_id, session_id, filename, storage_path, content_type, byte_size,
	page_count, content_hash, status, error_message, metadata, created_at, updated_at, completed_at`

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.SessionID, &d.Filename, &d.StoragePath, &d.ContentType, &d.ByteSize,
		&d.PageCount, &d.ContentHash, &d.Status, &d.ErrorMessage, &d.Metadata, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDocuments(rows pgx.Rows) ([]models.Document, error) {
	defer rows.Close()
	docs := []models.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *PgVectorStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	if len(doc.Metadata) == 0 {
		doc.Metadata = json.RawMessage(`{}`)
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO documents (id, owner_id, session_id, filename, storage_path, content_type, byte_size, content_hash, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		doc.ID, doc.OwnerID, doc.SessionID, doc.Filename, doc.StoragePath, doc.ContentType, doc.ByteSize,
		doc.ContentHash, doc.Status, doc.Metadata,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PgVectorStore) GetDocument(ctx context.Context, ownerID, id uuid.UUID) (*models.Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

func (s *PgVectorStore) ListDocuments(ctx context.Context, ownerID uuid.UUID) ([]models.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PgVectorStore) FindDuplicate(ctx context.Context, doc *models.Document) (*models.Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE owner_id = $1 AND content_hash = $2 AND id <> $3
		   AND status NOT IN ('error', 'skipped')
		   AND (created_at, id) < ($4, $3)
		 ORDER BY created_at
		 LIMIT 1`,
		doc.OwnerID, doc.ContentHash, doc.ID, doc.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("find duplicate of %s: %w", doc.ID, err)
	}
	return d, nil
}

func (s *PgVectorStore) ListPending(ctx context.Context, sessionID uuid.UUID) ([]models.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE session_id = $1 AND status = 'pending'
		 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PgVectorStore) ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time) ([]models.Document, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, names, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PgVectorStore) ListWithChunks(ctx context.Context, status models.Status) ([]models.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.status = $1
		   AND EXISTS (SELECT 1 FROM document_chunks c WHERE c.document_id = d.id)
		 ORDER BY d.updated_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list with chunks: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PgVectorStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.Status, errMsg string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s is not allowed", models.ErrStatusConflict, from, to)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE documents
		 SET status = $3, error_message = $4, updated_at = now(), completed_at = $5
		 WHERE id = $1 AND status = $2`,
		id, from, to, errMsg, completedAt(to, time.Now()))
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current models.Status
	err = s.db.QueryRow(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transition %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s, expected %s", models.ErrStatusConflict, id, current, from)
}

func (s *PgVectorStore) UpdateExtraction(ctx context.Context, id uuid.UUID, pageCount int, metadata json.RawMessage) error {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET page_count = $2, metadata = metadata || $3, updated_at = now() WHERE id = $1`,
		id, pageCount, metadata)
	if err != nil {
		return fmt.Errorf("update extraction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update extraction %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PgVectorStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(
			`INSERT INTO document_chunks (id, document_id, owner_id, chunk_index, content, embedding, token_count, page_number, start_offset)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, documentID, c.OwnerID, c.ChunkIndex, c.Content, pgvector.NewVector(c.Embedding),
			c.TokenCount, c.PageNumber, c.StartOffset,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PgVectorStore) CountChunks(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *PgVectorStore) DeleteChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgVectorStore) SimilaritySearch(ctx context.Context, q Query) ([]Match, error) {
	var filter any
	if len(q.DocumentIDs) > 0 {
		filter = q.DocumentIDs
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer tx.Rollback(ctx)

	ef := min(max(s.efSearch, q.TopK*10), maxEfSearch)
	if _, err := tx.Exec(ctx, "SELECT set_config('hnsw.ef_search', $1, true)", strconv.Itoa(ef)); err != nil {
		return nil, fmt.Errorf("similarity search: set ef_search: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT c.id, c.document_id, d.filename, c.content, c.chunk_index, c.page_number,
		        c.embedding <=> $1 AS distance
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.owner_id = $2
		   AND d.status = 'complete'
		   AND ($4::uuid[] IS NULL OR c.document_id = ANY($4::uuid[]))
		 ORDER BY c.embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(q.Vector), q.OwnerID, q.TopK, filter,
	)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	matches := []Match{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.DocumentName, &m.Content, &m.ChunkIndex, &m.PageNumber, &m.Distance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return matches, nil
}

func (s *PgVectorStore) DeleteDocument(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete document %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PgVectorStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
