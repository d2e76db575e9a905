package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kgengine/backend/pkg/circuitbreaker"
)

var (
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kg_engine_operation_duration_seconds",
			Help:    "Analytical operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	OperationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_operation_total",
			Help: "Total analytical operations by outcome",
		},
		[]string{"operation", "status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	EntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kg_engine_entities_total",
			Help: "Total entities in the knowledge graph",
		},
	)

	RelationshipsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kg_engine_relationships_total",
			Help: "Total relationships in the knowledge graph",
		},
	)

	PathsFound = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kg_engine_paths_found",
			Help:    "Number of paths returned per discovery request",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	ClustersFound = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kg_engine_clusters_found",
			Help:    "Number of clusters returned per clustering request",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	GapsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_gaps_detected_total",
			Help: "Total knowledge gaps reported by type",
		},
		[]string{"gap_type"},
	)

	SuggestionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kg_engine_suggestion_confidence",
			Help:    "Confidence of returned relationship suggestions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	TruncatedResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_truncated_results_total",
			Help: "Total results cut short by caps or cancellation",
		},
		[]string{"operation"},
	)

	EntitiesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_entities_ingested_total",
			Help: "Total entities received through extraction batches",
		},
		[]string{"outcome"},
	)

	ProjectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kg_engine_projection_failures_total",
			Help: "Total failed writes to derived stores",
		},
		[]string{"target"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kg_engine_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func Init() {
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(OperationTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(RelationshipsTotal)
	prometheus.MustRegister(PathsFound)
	prometheus.MustRegister(ClustersFound)
	prometheus.MustRegister(GapsDetected)
	prometheus.MustRegister(SuggestionConfidence)
	prometheus.MustRegister(TruncatedResults)
	prometheus.MustRegister(EntitiesIngested)
	prometheus.MustRegister(ProjectionFailures)
	prometheus.MustRegister(BreakerState)
}

// BreakerStateChanged is a circuitbreaker.Config OnStateChange hook.
func BreakerStateChanged(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
