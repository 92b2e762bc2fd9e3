// Package metrics exposes Prometheus collectors for clinscore.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinscore"

// Evaluation outcomes.
const (
	OutcomeScored   = "scored"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	// Evaluations counts evaluation calls by definition and outcome.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Evaluations by definition and outcome.",
	}, []string{"definition", "outcome"})

	// EvaluationDuration observes time spent scoring, cache lookups excluded.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent validating and scoring inputs.",
		Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"definition"})

	// ResultCache counts memoised result lookups.
	ResultCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "result_cache_total",
		Help:      "Memoised result lookups by result (hit or miss).",
	}, []string{"result"})

	// CatalogDefinitions is the number of active definitions.
	CatalogDefinitions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_definitions",
		Help:      "Active scoring definitions.",
	})

	// CatalogRejected is the number of definitions rejected by the last load.
	CatalogRejected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_rejected_definitions",
		Help:      "Definitions rejected by the last catalog load.",
	})

	// CatalogReloads counts catalog reloads by outcome.
	CatalogReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_reloads_total",
		Help:      "Catalog reloads by outcome.",
	}, []string{"outcome"})

	// WorkerMessages counts worker messages by topic and outcome.
	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_messages_total",
		Help:      "Messages handled by the async worker.",
	}, []string{"topic", "outcome"})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
