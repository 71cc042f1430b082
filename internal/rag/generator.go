package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/llm"
	"github.com/nikhilbhutani/docqa/internal/models"
	"github.com/nikhilbhutani/docqa/pkg/tokenizer"
)

const (
	NoAnswer       = "I couldn't find anything about that in your documents."
	DegradedAnswer = "Answer generation is temporarily unavailable. The most relevant passages from your documents are listed below."

	systemPrompt = `You answer questions using only the numbered sources provided.
If the sources do not contain the answer, say that you could not find it in the user's documents.
Cite every claim with the source number in square brackets, for example [1] or [2][3].
Do not use outside knowledge.`
)

// Chatter is satisfied by llm.Gateway.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

type Generator struct {
	chat       Chatter
	breaker    *breaker.Breaker
	maxContext int // tokens of passage text sent to the model
}

func NewGenerator(chat Chatter, b *breaker.Breaker, maxContextTokens int) *Generator {
	if maxContextTokens <= 0 {
		maxContextTokens = 3000
	}
	return &Generator{chat: chat, breaker: b, maxContext: maxContextTokens}
}

type GenerateRequest struct {
	Question string
	Passages []models.SearchResult
	Model    string
	Provider string
}

type GenerateResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model,omitempty"`
	Tokens    int        `json:"tokens"`
	Degraded  bool       `json:"degraded"`
}

type Citation struct {
	Source       int       `json:"source"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	ChunkID      uuid.UUID `json:"chunk_id"`
	PageNumber   *int      `json:"page_number,omitempty"`
	Excerpt      string    `json:"excerpt"`
	Score        float64   `json:"score"`
}

// Generate answers from the passages alone. With no passages it answers
// without calling the model. While the generation circuit is open it returns
// the passages as citations with a degraded notice.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	passages := g.fit(req.Passages)
	citations := cite(passages)
	if len(passages) == 0 {
		return &GenerateResponse{Answer: NoAnswer, Citations: citations}, nil
	}

	chatReq := llm.ChatRequest{
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: 0.1,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Sources:\n%s\nQuestion: %s", buildContext(passages), req.Question)},
		},
	}

	var resp *GenerateResponse
	err := g.breaker.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			out, err := g.chat.Chat(ctx, chatReq)
			if err != nil {
				return err
			}
			resp = &GenerateResponse{
				Answer:    strings.TrimSpace(out.Content),
				Citations: used(out.Content, citations),
				Model:     out.Model,
				Tokens:    out.InputTokens + out.OutputTokens,
			}
			return nil
		},
		func(context.Context, error) error {
			resp = &GenerateResponse{Answer: DegradedAnswer, Citations: citations, Degraded: true}
			return nil
		},
	)
	if err != nil {
		if llm.IsTransient(err) || errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("generate answer: %w: %w", models.ErrTemporarilyUnavailable, err)
		}
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return resp, nil
}

// fit keeps the best passages that fit the context budget, always at least one.
func (g *Generator) fit(passages []models.SearchResult) []models.SearchResult {
	budget := g.maxContext
	for i, p := range passages {
		budget -= tokenizer.EstimateTokens(p.Content)
		if budget < 0 && i > 0 {
			return passages[:i]
		}
	}
	return passages
}

func buildContext(passages []models.SearchResult) string {
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s", i+1, p.DocumentName)
		if p.PageNumber != nil {
			fmt.Fprintf(&sb, ", page %d", *p.PageNumber)
		}
		fmt.Fprintf(&sb, "\n%s\n\n", p.Content)
	}
	return sb.String()
}

func cite(passages []models.SearchResult) []Citation {
	out := make([]Citation, len(passages))
	for i, p := range passages {
		out[i] = Citation{
			Source:       i + 1,
			DocumentID:   p.DocumentID,
			DocumentName: p.DocumentName,
			ChunkID:      p.ChunkID,
			PageNumber:   p.PageNumber,
			Excerpt:      truncate(p.Content, 200),
			Score:        p.Score,
		}
	}
	return out
}

// used narrows citations to the sources the answer references. An answer that
// cites nothing keeps them all.
func used(answer string, citations []Citation) []Citation {
	var out []Citation
	for _, c := range citations {
		if strings.Contains(answer, fmt.Sprintf("[%d]", c.Source)) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return citations
	}
	return out
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
