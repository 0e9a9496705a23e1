package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "course_coach_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_coach_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"source"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "course_coach_confidence_score",
			Help:    "Response confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	StrippedReferences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "course_coach_stripped_references_total",
			Help: "Total model-invented references removed from answers",
		},
	)

	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_coach_provider_tokens_total",
			Help: "Total provider tokens used",
		},
		[]string{"stage"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_coach_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_coach_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	NodesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "course_coach_nodes_ingested_total",
			Help: "Total content nodes ingested",
		},
	)

	RegistryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "course_coach_registry_entries_total",
			Help: "Total entries in the reference registry",
		},
	)

	UserSatisfaction = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_coach_feedback_total",
			Help: "User feedback by helpfulness",
		},
		[]string{"helpful"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(StrippedReferences)
	prometheus.MustRegister(ProviderTokens)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(NodesIngested)
	prometheus.MustRegister(RegistryEntries)
	prometheus.MustRegister(UserSatisfaction)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
