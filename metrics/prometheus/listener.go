// Package prometheus exports gateway metrics in Prometheus format.
package prometheus

import (
	"github.com/AltairaLabs/agentgate/telemetry"
)

// Status constants for metric labels.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// Breaker state gauge values.
const (
	stateClosed   = 0
	stateHalfOpen = 1
	stateOpen     = 2
)

// MetricsListener records telemetry bus events as Prometheus metrics.
// Attach it to the bus with telemetry.Bus.Attach.
type MetricsListener struct{}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{}
}

// Handle processes one telemetry event and records relevant metrics.
func (l *MetricsListener) Handle(event telemetry.Event) {
	agent := event.Metadata[telemetry.KeyAgentID]
	switch event.Name {
	case telemetry.EventCallStart:
		RecordInflightDelta(agent, 1)
	case telemetry.EventCallStop:
		RecordInflightDelta(agent, -1)
		RecordCall(agent, statusSuccess, durationSeconds(event))
	case telemetry.EventCallError:
		RecordInflightDelta(agent, -1)
		RecordCall(agent, statusError, durationSeconds(event))
	case telemetry.EventBreakerReject, telemetry.EventBackpressureReject:
		RecordRejection(agent)
	case telemetry.EventBreakerOpen:
		RecordBreakerState(agent, stateOpen)
	case telemetry.EventBreakerHalfOpen:
		RecordBreakerState(agent, stateHalfOpen)
	case telemetry.EventBreakerClosed:
		RecordBreakerState(agent, stateClosed)
	case telemetry.EventWorkerStart:
		RecordWorkerStart()
		RecordBreakerState(agent, stateClosed)
	case telemetry.EventWorkerStop:
		RecordWorkerStop()
	case telemetry.EventSubscriberLag:
		RecordSubscriberLag(float64(event.Measurements["dropped"]))
	case telemetry.EventPushSuccess:
		RecordPushDelivery(statusSuccess, float64(event.Measurements["attempt"]))
	case telemetry.EventPushFailure:
		RecordPushDelivery(failureStatus(event), float64(event.Measurements["attempt"]))
	case telemetry.EventStreamInit:
		RecordStream(agent, "init")
	case telemetry.EventStreamError:
		RecordStream(agent, statusError)
	default:
		// Events without a metric mapping are ignored.
	}
}

// Listener returns a telemetry.Handler for bus attachment.
func (l *MetricsListener) Listener() telemetry.Handler {
	return l.Handle
}

func durationSeconds(event telemetry.Event) float64 {
	return float64(event.Measurements["duration_ms"]) / 1000
}

func failureStatus(event telemetry.Event) string {
	if reason := event.Metadata[telemetry.KeyReason]; reason != "" {
		return reason
	}
	return statusError
}
