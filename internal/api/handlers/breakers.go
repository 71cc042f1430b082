package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/docqa/internal/breaker"
)

type BreakerHandler struct {
	reg *breaker.Registry
}

func NewBreakerHandler(reg *breaker.Registry) *BreakerHandler {
	return &BreakerHandler{reg: reg}
}

func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.reg.Stats()})
}

// Reset closes one circuit, or every circuit when no name is given.
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.reg.ResetAll()
		writeJSON(w, http.StatusOK, map[string]any{"breakers": h.reg.Stats()})
		return
	}

	b, ok := h.reg.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown breaker " + name})
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, b.Stats())
}
