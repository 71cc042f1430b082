package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/config"
)

func TestObjectKey(t *testing.T) {
	owner := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	doc := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t,
		"documents/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/report.pdf",
		ObjectKey(owner, doc, "report.pdf"))
	assert.Equal(t,
		"documents/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/passwd",
		ObjectKey(owner, doc, "../../etc/passwd"))
	assert.Equal(t,
		"documents/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/b.txt",
		ObjectKey(owner, doc, `C:\a\b.txt`))
	assert.Contains(t, ObjectKey(owner, doc, ""), "/document")
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	data := []byte("hello")
	require.NoError(t, s.Put(ctx, "k", data, "text/plain"))
	data[0] = 'j'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got, "stored bytes are copied")

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

type fakeSupabase struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	switch r.Method {
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
	}
}

func TestSupabaseStorage(t *testing.T) {
	fake := &fakeSupabase{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	s := NewSupabaseStorage(srv.URL+"/", "service-key", "documents")

	require.NoError(t, s.Put(ctx, "documents/a/b/my file.pdf", []byte("%PDF"), "application/pdf"))
	assert.Contains(t, fake.objects, "/storage/v1/object/documents/documents/a/b/my file.pdf")

	got, err := s.Get(ctx, "documents/a/b/my file.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), got)

	require.NoError(t, s.Delete(ctx, "documents/a/b/my file.pdf"))
	_, err = s.Get(ctx, "documents/a/b/my file.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.Equal(t, "Bearer service-key", fake.auth[0])
}

func TestSupabaseStorage_UploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bucket missing", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL, "k", "documents")
	err := s.Put(context.Background(), "x", []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket missing")
}

func TestNew(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s3, err := New(context.Background(), config.StorageConfig{
		Backend:        "s3",
		S3Region:       "us-east-1",
		S3Endpoint:     "http://localhost:9000",
		S3AccessKey:    "minio",
		S3SecretKey:    "minio123",
		S3UsePathStyle: true,
		Bucket:         "documents",
	})
	require.NoError(t, err)
	assert.IsType(t, &S3Storage{}, s3)

	_, err = New(context.Background(), config.StorageConfig{Backend: "ftp"})
	assert.Error(t, err)
}
