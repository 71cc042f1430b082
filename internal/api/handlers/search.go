package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/rag"
	"github.com/nikhilbhutani/docqa/internal/retrieval"
)

// Retriever is satisfied by *retrieval.Engine.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID uuid.UUID, req retrieval.Request) (*retrieval.Response, error)
}

// Asker is satisfied by *rag.Pipeline.
type Asker interface {
	Ask(ctx context.Context, ownerID uuid.UUID, req rag.AskRequest) (*rag.AskResponse, error)
}

type SearchHandler struct {
	retriever Retriever
	asker     Asker
}

func NewSearchHandler(r Retriever, a Asker) *SearchHandler {
	return &SearchHandler{retriever: r, asker: a}
}

type searchRequest struct {
	Query       string      `json:"query"`
	TopK        int         `json:"top_k,omitempty"`
	Threshold   *float64    `json:"threshold,omitempty"`
	DocumentIDs []uuid.UUID `json:"document_ids,omitempty"`
}

// Search returns ranked passages without generating an answer.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.retriever.Retrieve(r.Context(), owner(r), retrieval.Request{
		Query:       req.Query,
		TopK:        req.TopK,
		Threshold:   req.Threshold,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":    resp.Results,
		"count":      len(resp.Results),
		"cached":     resp.Cached,
		"latency_ms": resp.LatencyMs,
	})
}

// Ask answers a question from the caller's documents with citations.
func (h *SearchHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req rag.AskRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.asker.Ask(r.Context(), owner(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
