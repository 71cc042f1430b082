package document

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
)

type fakeQueue struct {
	sessions []uuid.UUID
	err      error
}

func (f *fakeQueue) EnqueueSession(_ context.Context, _, sessionID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, sessionID)
	return nil
}

type fakeCache struct {
	docs, owners []uuid.UUID
}

func (f *fakeCache) InvalidateDocument(_ context.Context, id uuid.UUID) { f.docs = append(f.docs, id) }
func (f *fakeCache) InvalidateOwner(_ context.Context, id uuid.UUID)    { f.owners = append(f.owners, id) }

type fixture struct {
	svc   *Service
	store *vectorstore.MemoryStore
	blobs *storage.MemoryStorage
	queue *fakeQueue
	cache *fakeCache
}

func newFixture() *fixture {
	f := &fixture{
		store: vectorstore.NewMemoryStore(),
		blobs: storage.NewMemoryStorage(),
		queue: &fakeQueue{},
		cache: &fakeCache{},
	}
	f.svc = NewService(f.store, f.blobs, f.queue, f.cache)
	return f
}

func TestUpload_OneSessionPerBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := uuid.New()

	res, err := f.svc.Upload(ctx, owner, []File{
		{Filename: "a.txt", Data: []byte("alpha")},
		{Filename: "b.md", ContentType: "text/markdown", Data: []byte("# beta")},
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, []uuid.UUID{res.SessionID}, f.queue.sessions)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, 2, f.blobs.Len())

	pending, err := f.store.ListPending(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a.txt", pending[0].Filename, "upload order is processing order")

	doc := res.Documents[0]
	assert.Equal(t, owner, doc.OwnerID)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, int64(5), doc.ByteSize)
	assert.Len(t, doc.ContentHash, 64)
	assert.Equal(t, "text/plain; charset=utf-8", doc.ContentType)
	assert.Equal(t, "text/markdown", res.Documents[1].ContentType)

	data, err := f.blobs.Get(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestUpload_SameContentSameHash(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Upload(context.Background(), uuid.New(), []File{
		{Filename: "a.txt", Data: []byte("same")},
		{Filename: "copy.txt", Data: []byte("same")},
	})
	require.NoError(t, err)
	assert.Equal(t, res.Documents[0].ContentHash, res.Documents[1].ContentHash)
	assert.NotEqual(t, res.Documents[0].StoragePath, res.Documents[1].StoragePath)
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name  string
		files []File
	}{
		{"no files", nil},
		{"no name", []File{{Filename: " ", Data: []byte("x")}}},
		{"empty file", []File{{Filename: "a.txt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), uuid.New(), tt.files)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	assert.Zero(t, f.blobs.Len())
	assert.Empty(t, f.queue.sessions)
}

func TestUpload_EnqueueFailureKeepsDocuments(t *testing.T) {
	f := newFixture()
	f.queue.err = errors.New("redis down")
	owner := uuid.New()

	res, err := f.svc.Upload(context.Background(), owner, []File{{Filename: "a.txt", Data: []byte("alpha")}})
	require.NoError(t, err)
	assert.False(t, res.Queued)

	f.queue.err = nil
	require.NoError(t, f.svc.Requeue(context.Background(), owner, res.SessionID))
	assert.Equal(t, []uuid.UUID{res.SessionID}, f.queue.sessions)
}

func TestListGetDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := uuid.New()

	docs, err := f.svc.List(ctx, owner)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)

	res, err := f.svc.Upload(ctx, owner, []File{{Filename: "a.txt", Data: []byte("alpha")}})
	require.NoError(t, err)
	id := res.Documents[0].ID

	got, err := f.svc.Get(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Filename)

	_, err = f.svc.Get(ctx, uuid.New(), id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, uuid.New(), id), models.ErrNotFound, "other owners cannot delete")

	require.NoError(t, f.svc.Delete(ctx, owner, id))
	assert.Zero(t, f.blobs.Len())
	assert.Equal(t, []uuid.UUID{id}, f.cache.docs)
	assert.Equal(t, []uuid.UUID{owner}, f.cache.owners)

	_, err = f.svc.Get(ctx, owner, id)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRequeue_NoQueue(t *testing.T) {
	svc := NewService(vectorstore.NewMemoryStore(), storage.NewMemoryStorage(), nil, nil)
	assert.Error(t, svc.Requeue(context.Background(), uuid.New(), uuid.New()))
}
