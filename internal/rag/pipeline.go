// Package rag answers questions from a user's own documents: retrieve the
// closest passages, then ask a chat model to answer from them with numbered
// citations.
package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/retrieval"
)

// Retriever is satisfied by *retrieval.Engine.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID uuid.UUID, req retrieval.Request) (*retrieval.Response, error)
}

type AskRequest struct {
	Question    string      `json:"question"`
	TopK        int         `json:"top_k,omitempty"`
	Threshold   *float64    `json:"threshold,omitempty"`
	DocumentIDs []uuid.UUID `json:"document_ids,omitempty"`
	Model       string      `json:"model,omitempty"`
	Provider    string      `json:"provider,omitempty"`
}

type AskResponse struct {
	GenerateResponse
	Cached    bool  `json:"cached"`
	LatencyMs int64 `json:"latency_ms"`
}

type Pipeline struct {
	retriever Retriever
	generator *Generator
}

func NewPipeline(r Retriever, g *Generator) *Pipeline {
	return &Pipeline{retriever: r, generator: g}
}

func (p *Pipeline) Ask(ctx context.Context, ownerID uuid.UUID, req AskRequest) (*AskResponse, error) {
	found, err := p.retriever.Retrieve(ctx, ownerID, retrieval.Request{
		Query:       req.Question,
		TopK:        req.TopK,
		Threshold:   req.Threshold,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	gen, err := p.generator.Generate(ctx, GenerateRequest{
		Question: req.Question,
		Passages: found.Results,
		Model:    req.Model,
		Provider: req.Provider,
	})
	if err != nil {
		return nil, err
	}

	return &AskResponse{
		GenerateResponse: *gen,
		Cached:           found.Cached,
		LatencyMs:        found.LatencyMs,
	}, nil
}
