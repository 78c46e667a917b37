// Package metrics holds the process-wide Prometheus collectors for the query
// pipeline and document ingestion.
package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	prommetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/middleware"
	echometrics "github.com/slok/go-http-metrics/middleware/echo"
)

var queryMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docchat_queries_total",
	Help: "Queries handled by the orchestrator, by outcome code",
}, []string{"outcome"})

var stageMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docchat_query_stage_seconds",
	Help:    "Seconds spent reaching each pipeline stage",
	Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"stage"})

var rewriteFallbackMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docchat_rewrite_fallbacks_total",
	Help: "Rewrites that fell back to the original query, by reason",
}, []string{"reason"})

var uploadMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docchat_document_uploads_total",
	Help: "Document uploads, by outcome",
}, []string{"outcome"})

var chunkMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "docchat_chunks_indexed_total",
	Help: "Passages written to the retrieval index",
})

var httpMetrics = httpmetrics.New(httpmetrics.Config{
	Recorder: prommetrics.NewRecorder(prommetrics.Config{Prefix: "docchat"}),
})

// QueryDone records a finished query. outcome is "ok" or an error code.
func QueryDone(outcome string) {
	queryMetric.WithLabelValues(outcome).Inc()
}

func ObserveStage(stage string, d time.Duration) {
	stageMetric.WithLabelValues(stage).Observe(d.Seconds())
}

func RewriteFallback(reason string) {
	rewriteFallbackMetric.WithLabelValues(reason).Inc()
}

// DocumentUploaded records an upload and, on success, the passages it produced.
func DocumentUploaded(outcome string, chunks int) {
	uploadMetric.WithLabelValues(outcome).Inc()
	if chunks > 0 {
		chunkMetric.Add(float64(chunks))
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware records request counts, latency and response size labelled
// by route template, so /conversations/:id is one series.
func HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			return echometrics.Handler(route, httpMetrics)(next)(c)
		}
	}
}
