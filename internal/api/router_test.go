package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/api/handlers"
	"github.com/nikhilbhutani/docqa/internal/auth"
	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/document"
	"github.com/nikhilbhutani/docqa/internal/embedding"
	"github.com/nikhilbhutani/docqa/internal/ingest"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/rag"
	"github.com/nikhilbhutani/docqa/internal/ratelimit"
	"github.com/nikhilbhutani/docqa/internal/retrieval"
	"github.com/nikhilbhutani/docqa/internal/storage"
	"github.com/nikhilbhutani/docqa/internal/vectorstore"
	"github.com/nikhilbhutani/docqa/pkg/chunker"
)

const dims = 8

type hashProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *hashProvider) Embed(_ context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	out := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		sum := sha256.Sum256([]byte(text))
		v := make([]float32, dims)
		var norm float64
		for j := range v {
			v[j] = float32(sum[j]) + 1
			norm += float64(v[j]) * float64(v[j])
		}
		for j := range v {
			v[j] = float32(float64(v[j]) / math.Sqrt(norm))
		}
		out[i] = v
	}
	return &llm.EmbeddingResponse{Embeddings: out}, nil
}

type cannedChat struct{}

func (cannedChat) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "Refunds take five days [1].", Model: "test-model"}, nil
}

type server struct {
	*httptest.Server
	breakers *breaker.Registry
	store    *vectorstore.MemoryStore
	checkErr error
}

func newServer(t *testing.T, quota int) *server {
	t.Helper()
	s := &server{store: vectorstore.NewMemoryStore()}

	settings := breaker.DefaultSettings()
	settings.FailureThreshold = 1
	settings.VolumeThreshold = 0
	var err error
	s.breakers, err = breaker.NewRegistry(settings, breaker.Embedding, breaker.VectorStore, breaker.Generation)
	require.NoError(t, err)

	cfg := embedding.DefaultConfig()
	cfg.Dimensions = dims
	cfg.MaxRetries = 0
	emb, err := embedding.NewClient(&hashProvider{}, s.breakers.Get(breaker.Embedding), cfg, nil)
	require.NoError(t, err)

	blobs := storage.NewMemoryStorage()
	orch, err := ingest.NewOrchestrator(ingest.Deps{Store: s.store, Blobs: blobs, Embedder: emb},
		chunker.ChunkOptions{ChunkSize: 200, ChunkOverlap: 20})
	require.NoError(t, err)

	engine := retrieval.NewEngine(emb, s.store, nil, nil)
	gen := rag.NewGenerator(cannedChat{}, s.breakers.Get(breaker.Generation), 3000)

	limiter, err := ratelimit.New(ratelimit.Config{Enabled: quota > 0, Quota: quota, Window: time.Minute}, ratelimit.NewMemoryStore())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	router := NewRouter(Deps{
		Documents: document.NewService(s.store, blobs, nil, nil),
		Processor: orch,
		Retriever: engine,
		Asker:     rag.NewPipeline(engine, gen),
		Breakers:  s.breakers,
		Limiter:   limiter,
		Auth:      auth.NewJWTMiddleware("", true),
		Metrics:   metrics.New(reg),
		Gatherer:  reg,
		Checks: map[string]handlers.Check{
			"database": func(context.Context) error { return s.checkErr },
		},
		CORSOrigins: []string{"*"},
		MaxUpload:   1 << 20,
	})
	s.Server = httptest.NewServer(router.Setup())
	t.Cleanup(s.Close)
	return s
}

func (s *server) do(t *testing.T, user uuid.UUID, method, path string, body any) *http.Response {
	t.Helper()
	return s.doAs(t, user, "", method, path, body)
}

func (s *server) doAs(t *testing.T, user uuid.UUID, role, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.UserHeader, user.String())
	if role != "" {
		req.Header.Set(auth.RoleHeader, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *server) upload(t *testing.T, user uuid.UUID, files map[string]string) document.UploadResult {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/v1/documents/", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.UserHeader, user.String())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res document.UploadResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func events(t *testing.T, resp *http.Response) []ingest.Progress {
	t.Helper()
	var out []ingest.Progress
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var p ingest.Progress
		require.NoError(t, json.Unmarshal([]byte(line), &p))
		out = append(out, p)
	}
	return out
}

func TestDocumentLifecycle(t *testing.T) {
	s := newServer(t, 0)
	user := uuid.New()

	res := s.upload(t, user, map[string]string{"refunds.txt": "Refunds are processed within five business days."})
	require.Len(t, res.Documents, 1)
	id := res.Documents[0].ID.String()
	assert.False(t, res.Queued, "no queue configured")

	resp := s.do(t, user, http.MethodGet, "/api/v1/documents/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status ingest.Progress
	decodeBody(t, resp, &status)
	assert.Equal(t, "pending", string(status.Stage))

	resp = s.do(t, user, http.MethodPost, "/api/v1/documents/"+id+"/process", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	evs := events(t, resp)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "complete", string(last.Stage))
	assert.Equal(t, 100, last.Percent)
	assert.True(t, last.Done)

	resp = s.do(t, user, http.MethodPost, "/api/v1/documents/"+id+"/process", nil)
	evs = events(t, resp)
	require.Len(t, evs, 1, "a finished document reports once")

	resp = s.do(t, user, http.MethodPost, "/api/v1/search", map[string]any{"query": "how long do refunds take?", "threshold": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search struct {
		Results []struct {
			DocumentID   uuid.UUID `json:"document_id"`
			DocumentName string    `json:"document_name"`
			Score        float64   `json:"score"`
		} `json:"results"`
		Cached bool `json:"cached"`
	}
	decodeBody(t, resp, &search)
	require.Len(t, search.Results, 1)
	assert.Equal(t, "refunds.txt", search.Results[0].DocumentName)

	resp = s.do(t, user, http.MethodPost, "/api/v1/ask", map[string]any{"question": "how long do refunds take?", "threshold": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ask rag.AskResponse
	decodeBody(t, resp, &ask)
	assert.Equal(t, "Refunds take five days [1].", ask.Answer)
	require.Len(t, ask.Citations, 1)
	assert.Equal(t, "refunds.txt", ask.Citations[0].DocumentName)

	other := uuid.New()
	assert.Equal(t, http.StatusNotFound, s.do(t, other, http.MethodGet, "/api/v1/documents/"+id, nil).StatusCode)
	resp = s.do(t, other, http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds", "threshold": 0})
	decodeBody(t, resp, &search)
	assert.Empty(t, search.Results, "owners never see each other's passages")

	assert.Equal(t, http.StatusOK, s.do(t, user, http.MethodDelete, "/api/v1/documents/"+id, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, user, http.MethodGet, "/api/v1/documents/"+id, nil).StatusCode)
}

func TestList(t *testing.T) {
	s := newServer(t, 0)
	user := uuid.New()
	res := s.upload(t, user, map[string]string{"a.txt": "alpha", "b.txt": "beta"})
	require.Len(t, res.Documents, 2)

	resp := s.do(t, user, http.MethodGet, "/api/v1/documents/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	assert.Equal(t, 2, list.Count)
}

func TestErrors(t *testing.T) {
	s := newServer(t, 0)
	user := uuid.New()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"empty query", http.MethodPost, "/api/v1/search", map[string]any{"query": "  "}, http.StatusBadRequest},
		{"top k out of range", http.MethodPost, "/api/v1/search", map[string]any{"query": "rag", "top_k": 50}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/search", map[string]any{"q": "rag"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/documents/not-a-uuid", nil, http.StatusBadRequest},
		{"missing document", http.MethodGet, "/api/v1/documents/" + uuid.NewString(), nil, http.StatusNotFound},
		{"missing status", http.MethodGet, "/api/v1/documents/" + uuid.NewString() + "/status", nil, http.StatusNotFound},
		{"unknown breaker", http.MethodPost, "/api/v1/breakers/ocr/reset", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.doAs(t, user, auth.RoleAdmin, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestUnauthenticated(t *testing.T) {
	s := newServer(t, 0)
	resp, err := http.Get(s.URL + "/api/v1/documents/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenCircuitIsDegraded(t *testing.T) {
	s := newServer(t, 0)
	user := uuid.New()

	_ = s.breakers.Get(breaker.Embedding).Execute(context.Background(), func(context.Context) error {
		return errors.New("provider down")
	})

	resp := s.do(t, user, http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, handlers.UnavailableMessage, body["error"])
	assert.Equal(t, true, body["degraded"])

	resp = s.doAs(t, user, auth.RoleAdmin, http.MethodGet, "/api/v1/breakers/", nil)
	var list struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Breakers, 3)
	assert.Equal(t, breaker.Embedding, list.Breakers[0].Name)
	assert.Equal(t, "OPEN", list.Breakers[0].State)

	require.Equal(t, http.StatusOK, s.doAs(t, user, auth.RoleAdmin, http.MethodPost, "/api/v1/breakers/embedding/reset", nil).StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, user, http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds"}).StatusCode)
}

func TestBreakerAdminRequiresRole(t *testing.T) {
	s := newServer(t, 0)
	user := uuid.New()

	_ = s.breakers.Get(breaker.Embedding).Execute(context.Background(), func(context.Context) error {
		return errors.New("provider down")
	})

	for _, path := range []string{"/api/v1/breakers/reset", "/api/v1/breakers/embedding/reset"} {
		resp := s.do(t, user, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	assert.Equal(t, http.StatusForbidden, s.do(t, user, http.MethodGet, "/api/v1/breakers/", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, s.doAs(t, user, "guest", http.MethodGet, "/api/v1/documents/", nil).StatusCode)
	assert.Equal(t, breaker.StateOpen, s.breakers.Get(breaker.Embedding).State(), "a plain user cannot close the circuit")

	require.Equal(t, http.StatusOK, s.doAs(t, user, auth.RoleAdmin, http.MethodPost, "/api/v1/breakers/reset", nil).StatusCode)
	assert.Equal(t, breaker.StateClosed, s.breakers.Get(breaker.Embedding).State())
}

func TestRateLimited(t *testing.T) {
	s := newServer(t, 2)
	user := uuid.New()

	// listing and status polls do not spend the quota
	for range 5 {
		assert.Equal(t, http.StatusOK, s.do(t, user, http.MethodGet, "/api/v1/documents/", nil).StatusCode)
	}
	assert.Equal(t, http.StatusNotFound, s.do(t, user, http.MethodGet, "/api/v1/documents/"+uuid.NewString()+"/status", nil).StatusCode)

	for range 2 {
		assert.Equal(t, http.StatusOK, s.do(t, user, http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds"}).StatusCode)
	}
	resp := s.do(t, user, http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, user, http.MethodPost, "/api/v1/ask", map[string]any{"query": "refunds"}).StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, user, http.MethodGet, "/api/v1/documents/", nil).StatusCode)

	assert.Equal(t, http.StatusOK, s.do(t, uuid.New(), http.MethodPost, "/api/v1/search", map[string]any{"query": "refunds"}).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, 0)

	get := func(path string) int {
		resp, err := http.Get(s.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	s.checkErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/healthz"))
}
