package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// incidentTransitions counts saga transitions by source and target state.
	incidentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "incident_transitions_total",
			Help:      "Incident state transitions.",
		},
		[]string{"from", "to"},
	)

	// externalCalls counts calls to external capabilities by outcome
	// (ok|retryable|failed).
	externalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "external_calls_total",
			Help:      "Calls to AI, supplier and payment capabilities.",
		},
		[]string{"capability", "outcome"},
	)

	externalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofix",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of external capability calls including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	dedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "diagnostic_events_deduplicated_total",
			Help:      "Diagnostic events acknowledged as duplicates.",
		},
	)
)

func init() {
	prometheus.MustRegister(incidentTransitions, externalCalls, externalLatency, dedupHits)
}
