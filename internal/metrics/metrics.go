// Package metrics holds the Prometheus collectors for the ingestion and
// retrieval pipeline. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breakers
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Cache
	CacheLookupsTotal *prometheus.CounterVec
	CacheErrorsTotal  *prometheus.CounterVec

	// Rate limiting
	RateLimitDenied prometheus.Counter

	// Embedding
	EmbeddingRequestsTotal *prometheus.CounterVec
	EmbeddingRetriesTotal  prometheus.Counter
	EmbeddingTokensTotal   prometheus.Counter

	// Ingestion
	IngestStageDuration *prometheus.HistogramVec
	IngestDocuments     *prometheus.CounterVec

	// Retrieval
	RetrievalDuration *prometheus.HistogramVec
	RetrievalResults  prometheus.Histogram
}

// New registers every collector with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqa_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docqa_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"service"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"service", "from", "to"}),

		CacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_cache_lookups_total",
			Help: "Cache lookups by kind and outcome",
		}, []string{"kind", "result"}),
		CacheErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_cache_errors_total",
			Help: "Shared cache errors that degraded to a miss",
		}, []string{"op"}),

		RateLimitDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "docqa_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter",
		}),

		EmbeddingRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_embedding_requests_total",
			Help: "Embedding provider batch calls",
		}, []string{"status"}),
		EmbeddingRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "docqa_embedding_retries_total",
			Help: "Embedding batch retries after transient failures",
		}),
		EmbeddingTokensTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "docqa_embedding_tokens_total",
			Help: "Estimated tokens sent to the embedding provider",
		}),

		IngestStageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqa_ingest_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		IngestDocuments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docqa_ingest_documents_total",
			Help: "Documents reaching a terminal status",
		}, []string{"status"}),

		RetrievalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docqa_retrieval_duration_seconds",
			Help:    "Retrieval latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"cached"}),
		RetrievalResults: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docqa_retrieval_results",
			Help:    "Results returned per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// BreakerStateChanged takes numeric states so this package does not depend
// on the breaker package.
func (m *Metrics) BreakerStateChanged(service, from, to string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(service, from, to).Inc()
}

func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitDenied.Inc()
}

func (m *Metrics) EmbeddingCall(status string, tokens int) {
	if m == nil {
		return
	}
	m.EmbeddingRequestsTotal.WithLabelValues(status).Inc()
	if tokens > 0 {
		m.EmbeddingTokensTotal.Add(float64(tokens))
	}
}

func (m *Metrics) EmbeddingRetry() {
	if m == nil {
		return
	}
	m.EmbeddingRetriesTotal.Inc()
}

func (m *Metrics) IngestStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) IngestFinished(status string) {
	if m == nil {
		return
	}
	m.IngestDocuments.WithLabelValues(status).Inc()
}

func (m *Metrics) Retrieval(cached bool, results int, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	m.RetrievalDuration.WithLabelValues(label).Observe(d.Seconds())
	m.RetrievalResults.Observe(float64(results))
}
