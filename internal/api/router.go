// Package api exposes the document Q&A service over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/docqa/internal/api/handlers"
	"github.com/nikhilbhutani/docqa/internal/api/middleware"
	"github.com/nikhilbhutani/docqa/internal/auth"
	"github.com/nikhilbhutani/docqa/internal/breaker"
	"github.com/nikhilbhutani/docqa/internal/document"
	"github.com/nikhilbhutani/docqa/internal/metrics"
	"github.com/nikhilbhutani/docqa/internal/ratelimit"
)

// Deps are the services the router exposes. Processor, Status and Gatherer
// may be nil.
type Deps struct {
	Documents   *document.Service
	Processor   handlers.Processor
	Status      handlers.StatusSource
	Retriever   handlers.Retriever
	Asker       handlers.Asker
	Breakers    *breaker.Registry
	Limiter     *ratelimit.Limiter
	Auth        *auth.JWTMiddleware
	RBAC        *auth.RBAC // nil means auth.DefaultRoles
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Checks      map[string]handlers.Check
	CORSOrigins []string
	MaxUpload   int64
}

type Router struct {
	mux  *chi.Mux
	deps Deps
}

func NewRouter(d Deps) *Router {
	return &Router{mux: chi.NewRouter(), deps: d}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux
	d := rt.deps

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(d.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.CORSOrigins))

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(d.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.Authenticate)

		rbac := d.RBAC
		if rbac == nil {
			rbac = auth.NewRBAC(auth.DefaultRoles())
		}
		// the quota gates pipeline invocations only; reads and status polls
		// are free
		limited := middleware.RateLimit(d.Limiter)
		read := rbac.RequirePermission(auth.PermDocumentsRead)
		write := rbac.RequirePermission(auth.PermDocumentsWrite)
		search := rbac.RequirePermission(auth.PermSearch)

		docH := handlers.NewDocumentHandler(d.Documents, d.Processor, d.Status, d.MaxUpload)
		r.Route("/documents", func(r chi.Router) {
			r.With(write, limited).Post("/", docH.Upload)
			r.With(read).Get("/", docH.List)
			r.With(read).Get("/{id}", docH.Get)
			r.With(write).Delete("/{id}", docH.Delete)
			r.With(read).Get("/{id}/status", docH.Status)
			r.With(write, limited).Post("/{id}/process", docH.Process)
		})
		r.With(write, limited).Post("/sessions/{id}/process", docH.RequeueSession)

		searchH := handlers.NewSearchHandler(d.Retriever, d.Asker)
		r.With(search, limited).Post("/search", searchH.Search)
		r.With(search, limited).Post("/ask", searchH.Ask)

		breakerH := handlers.NewBreakerHandler(d.Breakers)
		r.Route("/breakers", func(r chi.Router) {
			r.With(rbac.RequirePermission(auth.PermAdminRead)).Get("/", breakerH.List)
			r.Group(func(r chi.Router) {
				r.Use(rbac.RequirePermission(auth.PermAdminWrite))
				r.Post("/reset", breakerH.Reset)
				r.Post("/{name}/reset", breakerH.Reset)
			})
		})
	})

	return r
}
