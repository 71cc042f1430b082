package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docqa/internal/config"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"openai rate limit", fmt.Errorf("openai embedding: %w", &openai.APIError{HTTPStatusCode: 429}), true},
		{"openai server error", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("bad gateway")}, true},
		{"openai bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"openai unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"ollama overloaded", &StatusError{Provider: "ollama", StatusCode: 503}, true},
		{"ollama not found", &StatusError{Provider: "ollama", StatusCode: 404}, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}

	assert.True(t, IsRateLimited(&StatusError{StatusCode: 429}))
	assert.False(t, IsRateLimited(&StatusError{StatusCode: 500}))
}

func TestOllama_Embedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ollamaEmbeddingModel, req.Model)

		resp := ollamaEmbedResp{PromptEvalCount: 7}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL + "/")
	resp, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Input: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Len(t, resp.Embeddings, 2)
	assert.Equal(t, 7, resp.Tokens)
	assert.Equal(t, "ollama", resp.Provider)
}

func TestOllama_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL).GenerateEmbedding(context.Background(), EmbeddingRequest{Input: []string{"a"}})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsTransient(err))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "too many requests", statusErr.Body)
}

func TestOllama_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		_ = json.NewEncoder(w).Encode(ollamaChatResp{
			Message:         ollamaMessage{Role: "assistant", Content: "hello"},
			PromptEvalCount: 3,
			EvalCount:       1,
		})
	}))
	defer srv.Close()

	resp, err := NewOllamaProvider(srv.URL).ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 3, resp.InputTokens)
	assert.Zero(t, resp.CostUSD)
}

type stubProvider struct {
	name  string
	errs  []error
	calls int
}

func (s *stubProvider) Name() string     { return s.name }
func (s *stubProvider) Models() []string { return []string{s.name + "-model"} }

func (s *stubProvider) ChatCompletion(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &ChatResponse{Provider: s.name, Content: "ok"}, nil
}

func (s *stubProvider) GenerateEmbedding(context.Context, EmbeddingRequest) (*EmbeddingResponse, error) {
	s.calls++
	return &EmbeddingResponse{Provider: s.name}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestGateway_RetriesTransientChat(t *testing.T) {
	p := &stubProvider{name: "openai", errs: []error{&StatusError{StatusCode: 502}, &StatusError{StatusCode: 429}}}
	g := newGateway(config.LLMConfig{DefaultProvider: "openai", MaxRetries: 2}, p)
	g.sleep = noSleep

	resp, err := g.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, p.calls)
}

func TestGateway_DoesNotRetryPermanentChat(t *testing.T) {
	p := &stubProvider{name: "openai", errs: []error{&StatusError{StatusCode: 400}}}
	g := newGateway(config.LLMConfig{DefaultProvider: "openai", MaxRetries: 3}, p)
	g.sleep = noSleep

	_, err := g.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestGateway_Fallback(t *testing.T) {
	primary := &stubProvider{name: "openai", errs: []error{errors.New("invalid key")}}
	fallback := &stubProvider{name: "anthropic"}
	g := newGateway(config.LLMConfig{DefaultProvider: "openai", FallbackProvider: "anthropic"}, primary, fallback)
	g.sleep = noSleep

	resp, err := g.Chat(context.Background(), ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := newGateway(config.LLMConfig{DefaultProvider: "openai"})
	_, err := g.Embed(context.Background(), EmbeddingRequest{})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestGateway_ListModels(t *testing.T) {
	g := newGateway(config.LLMConfig{}, &stubProvider{name: "b"}, &stubProvider{name: "a"})
	assert.Equal(t, []ModelInfo{{Provider: "a", Model: "a-model"}, {Provider: "b", Model: "b-model"}}, g.ListModels())
}

func TestAnthropic_NoEmbeddings(t *testing.T) {
	_, err := NewAnthropicProvider("key").GenerateEmbedding(context.Background(), EmbeddingRequest{})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.00002, CalculateCost("text-embedding-3-small", 1000, 0), 1e-12)
	assert.Zero(t, CalculateCost("llama3", 1000, 1000))
}
