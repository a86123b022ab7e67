// Package metrics registers the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "djbox"

var (
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Fetch gate circuit state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	circuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_trips_total",
		Help:      "Transitions of the fetch gate circuit into the open state",
	}, []string{"reason"})

	gateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_failures_total",
		Help:      "Outbound call failures by provider and classification",
	}, []string{"provider", "kind"})

	gateRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_rejected_total",
		Help:      "Calls rejected without touching the network because the circuit was open",
	}, []string{"provider"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Audio cache lookups by result (hit, miss, shared)",
	}, []string{"result"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Audio cache entries evicted to stay under the byte budget",
	})

	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_bytes",
		Help:      "Bytes currently held by the audio cache",
	})

	downloadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "downloads_in_flight",
		Help:      "Downloads currently holding an admission slot",
	})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolutions_total",
		Help:      "Track requests resolved by source kind and result",
	}, []string{"source", "result"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Live guild playback sessions",
	})

	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Lifecycle events emitted by playback sessions",
	}, []string{"type"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitState records the active circuit state.
func SetCircuitState(state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitState.WithLabelValues(s).Set(value)
	}
}

// RecordCircuitTrip increments the trip counter when the circuit opens.
func RecordCircuitTrip(reason string) {
	circuitTrips.WithLabelValues(reason).Inc()
}

// RecordGateFailure counts a classified outbound failure.
func RecordGateFailure(provider, kind string) {
	gateFailures.WithLabelValues(provider, kind).Inc()
}

// RecordGateRejected counts a call refused by the open circuit.
func RecordGateRejected(provider string) {
	gateRejected.WithLabelValues(provider).Inc()
}

// RecordCacheLookup counts a cache lookup result.
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheEviction counts one evicted entry.
func RecordCacheEviction() {
	cacheEvictions.Inc()
}

// SetCacheBytes records the cache size.
func SetCacheBytes(n int64) {
	cacheBytes.Set(float64(n))
}

// AddDownloadsInFlight adjusts the in-flight download gauge.
func AddDownloadsInFlight(delta float64) {
	downloadsInFlight.Add(delta)
}

// RecordResolution counts a resolved request.
func RecordResolution(source, result string) {
	resolutions.WithLabelValues(source, result).Inc()
}

// SetSessionsActive records the number of live sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// RecordSessionEvent counts a lifecycle event by type.
func RecordSessionEvent(eventType string) {
	sessionEvents.WithLabelValues(eventType).Inc()
}
