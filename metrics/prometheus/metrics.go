// Package prometheus exports gateway metrics in Prometheus format.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentgate"

var (
	// callsTotal counts agent calls by outcome.
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of agent calls",
		},
		[]string{"agent", "status"}, // status: success, error, rejected
	)

	// callDuration is a histogram of agent call duration in seconds.
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Histogram of agent call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	// breakerState is the current circuit breaker state per agent.
	// 0 = closed, 1 = half-open, 2 = open.
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 half-open, 2 open)",
		},
		[]string{"agent"},
	)

	// inflight is the number of calls currently dispatched per agent.
	inflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight",
			Help:      "Number of in-flight calls per agent",
		},
		[]string{"agent"},
	)

	// workersActive is the number of live workers hosted by this node.
	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of live workers on this node",
		},
	)

	// subscriberLagTotal counts task updates dropped under subscriber
	// backpressure.
	subscriberLagTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_lag_total",
			Help:      "Total task updates dropped due to subscriber queue saturation",
		},
	)

	// pushDeliveriesTotal counts webhook deliveries by final outcome.
	pushDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Total webhook deliveries by outcome",
		},
		[]string{"status"}, // status: success, client_error, max_attempts
	)

	// pushAttempts is a histogram of attempts consumed per webhook delivery.
	pushAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_attempts",
			Help:      "Histogram of HTTP attempts per webhook delivery",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	// streamsTotal counts upstream SSE streams by outcome.
	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total upstream SSE streams by outcome",
		},
		[]string{"agent", "status"}, // status: init, error
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		callsTotal,
		callDuration,
		breakerState,
		inflight,
		workersActive,
		subscriberLagTotal,
		pushDeliveriesTotal,
		pushAttempts,
		streamsTotal,
	}
)

// RecordCall records one finished agent call.
func RecordCall(agent, status string, durationSeconds float64) {
	callsTotal.WithLabelValues(agent, status).Inc()
	callDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordRejection records an admission rejection (breaker or backpressure).
func RecordRejection(agent string) {
	callsTotal.WithLabelValues(agent, "rejected").Inc()
}

// RecordBreakerState records the agent's breaker state.
func RecordBreakerState(agent string, state float64) {
	breakerState.WithLabelValues(agent).Set(state)
}

// RecordInflightDelta adjusts the agent's in-flight gauge.
func RecordInflightDelta(agent string, delta float64) {
	inflight.WithLabelValues(agent).Add(delta)
}

// RecordWorkerStart records a worker coming up on this node.
func RecordWorkerStart() {
	workersActive.Inc()
}

// RecordWorkerStop records a worker shutting down on this node.
func RecordWorkerStop() {
	workersActive.Dec()
}

// RecordSubscriberLag records dropped task updates.
func RecordSubscriberLag(dropped float64) {
	subscriberLagTotal.Add(dropped)
}

// RecordPushDelivery records a finished webhook delivery.
func RecordPushDelivery(status string, attempts float64) {
	pushDeliveriesTotal.WithLabelValues(status).Inc()
	if attempts > 0 {
		pushAttempts.Observe(attempts)
	}
}

// RecordStream records an upstream stream init or failure.
func RecordStream(agent, status string) {
	streamsTotal.WithLabelValues(agent, status).Inc()
}
