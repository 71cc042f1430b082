package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docqa/internal/document"
	"github.com/nikhilbhutani/docqa/internal/ingest"
	"github.com/nikhilbhutani/docqa/internal/models"
)

// Processor is satisfied by *ingest.Orchestrator.
type Processor interface {
	ProcessDocument(ctx context.Context, ownerID, documentID uuid.UUID) <-chan ingest.Progress
}

// StatusSource is satisfied by *ingest.RedisProgress.
type StatusSource interface {
	Current(ctx context.Context, doc *models.Document) ingest.Progress
}

type DocumentHandler struct {
	svc       *document.Service
	proc      Processor
	status    StatusSource
	maxUpload int64
}

// NewDocumentHandler builds the handler. proc and status may be nil; without
// a status source, status is derived from the document row alone.
func NewDocumentHandler(svc *document.Service, proc Processor, status StatusSource, maxUpload int64) *DocumentHandler {
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &DocumentHandler{svc: svc, proc: proc, status: status, maxUpload: maxUpload}
}

// Upload accepts one or more files under the "files" (or "file") form field.
// All files become one ingestion session.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("upload exceeds %d bytes", h.maxUpload)})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file required"})
		return
	}

	files := make([]document.File, 0, len(headers))
	for _, fh := range headers {
		f, err := readPart(fh)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not read " + fh.Filename})
			return
		}
		files = append(files, f)
	}

	res, err := h.svc.Upload(r.Context(), owner(r), files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func readPart(fh *multipart.FileHeader) (document.File, error) {
	f, err := fh.Open()
	if err != nil {
		return document.File{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return document.File{}, err
	}
	return document.File{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.List(r.Context(), owner(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "document")
	if !ok {
		return
	}
	doc, err := h.svc.Get(r.Context(), owner(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "document")
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), owner(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Status reports the latest progress for polling clients.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "document")
	if !ok {
		return
	}
	doc, err := h.svc.Get(r.Context(), owner(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p := ingest.FromDocument(doc)
	if h.status != nil {
		p = h.status.Current(r.Context(), doc)
	}
	writeJSON(w, http.StatusOK, p)
}

// Process runs a pending document inline and streams its progress as
// server-sent events. A finished document yields a single final event.
func (h *DocumentHandler) Process(w http.ResponseWriter, r *http.Request) {
	if h.proc == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "inline processing is not enabled"})
		return
	}
	id, ok := pathID(w, r, "id", "document")
	if !ok {
		return
	}
	doc, err := h.svc.Get(r.Context(), owner(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if doc.Status != models.StatusPending && !doc.Status.Terminal() {
		writeError(w, r, models.ErrStatusConflict)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := false
	for p := range h.proc.ProcessDocument(r.Context(), owner(r), id) {
		data, _ := json.Marshal(p)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		sent = true
	}

	// lost a race with another trigger; report where the document is now
	if !sent {
		if doc, err := h.svc.Get(r.Context(), owner(r), id); err == nil {
			data, _ := json.Marshal(ingest.FromDocument(doc))
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// RequeueSession queues a session's pending documents again.
func (h *DocumentHandler) RequeueSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "session")
	if !ok {
		return
	}
	if err := h.svc.Requeue(r.Context(), owner(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "session_id": id.String()})
}
