// Package metrics provides Prometheus instrumentation for the
// resilience core. All metric collectors are registered via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CircuitState reports the current state per breaker (0=closed, 1=half_open, 2=open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker"},
	)

	// CircuitTransitions counts state changes by breaker and target state.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	// VoteRounds counts coordination rounds by breaker and outcome.
	VoteRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_vote_rounds_total",
			Help: "Total distributed voting rounds",
		},
		[]string{"breaker", "outcome"},
	)

	// VoteRoundDuration observes how long rounds take to settle.
	VoteRoundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_vote_round_duration_seconds",
			Help:    "Voting round duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"breaker"},
	)

	// ClusterInstances tracks the number of known cluster members.
	ClusterInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_cluster_instances",
			Help: "Number of known cluster instances, self included",
		},
	)

	// DegradationLevel reports the current degradation level (0=none .. 4=emergency).
	DegradationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_degradation_level",
			Help: "Current degradation level (0=none, 1=rate_limited, 2=cached_data, 3=read_only, 4=emergency)",
		},
	)

	// DegradationTransitions counts level changes by direction.
	DegradationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_degradation_transitions_total",
			Help: "Total degradation level transitions",
		},
		[]string{"from", "to"},
	)

	// OperationsRejected counts operations blocked by the degradation gate.
	OperationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_operations_rejected_total",
			Help: "Total operations rejected by degradation level",
		},
		[]string{"operation", "level"},
	)

	// FallbackResults counts fallback chain resolutions by operation and source.
	FallbackResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_fallback_results_total",
			Help: "Total fallback chain resolutions (source: primary, fallback, cache, exhausted)",
		},
		[]string{"operation", "source"},
	)

	// CacheHits counts fallback cache hits.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_cache_hits_total",
			Help: "Total fallback cache hits",
		},
	)

	// CacheMisses counts fallback cache misses.
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_cache_misses_total",
			Help: "Total fallback cache misses",
		},
	)

	// AlertsSent counts dispatched alerts by severity and notifier.
	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_alerts_sent_total",
			Help: "Total alerts dispatched",
		},
		[]string{"severity", "notifier"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(
		CircuitState,
		CircuitTransitions,
		VoteRounds,
		VoteRoundDuration,
		ClusterInstances,
		DegradationLevel,
		DegradationTransitions,
		OperationsRejected,
		FallbackResults,
		CacheHits,
		CacheMisses,
		AlertsSent,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StateValue maps a breaker state string onto its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
