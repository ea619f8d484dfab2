// Package telemetry provides the gateway's lifecycle event bus. Components
// emit named events with numeric measurements and string metadata; attached
// handlers observe them synchronously. Handlers must not block; anything
// slow (exporters, sinks) dispatches to its own goroutine.
package telemetry

import "sync"

// Event names emitted by the gateway core.
const (
	EventCallStart          = "call_start"
	EventCallStop           = "call_stop"
	EventCallError          = "call_error"
	EventBreakerOpen        = "breaker_open"
	EventBreakerHalfOpen    = "breaker_half_open"
	EventBreakerClosed      = "breaker_closed"
	EventBreakerReject      = "breaker_reject"
	EventBackpressureReject = "backpressure_reject"
	EventStreamInit         = "stream_init"
	EventStreamError        = "stream_error"
	EventSubscriberLag      = "subscriber_lag"
	EventPushStart          = "push_start"
	EventPushSuccess        = "push_success"
	EventPushFailure        = "push_failure"
	EventWorkerStart        = "worker_start"
	EventWorkerStop         = "worker_stop"
)

// Common metadata keys.
const (
	KeyAgentID = "agent_id"
	KeyTaskID  = "task_id"
	KeyReason  = "reason"
	KeyURL     = "url"
	KeyNodeID  = "node_id"
)

// Event is a single telemetry emission.
type Event struct {
	Name         string
	Measurements map[string]int64
	Metadata     map[string]string
}

// Handler observes telemetry events. Invocation is synchronous on the
// emitter's goroutine.
type Handler func(Event)

// Bus fans events out to attached handlers. The zero value is unusable; use
// NewBus. A nil *Bus is a valid no-op emitter, so components can hold one
// unconditionally.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty telemetry bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach registers a handler for all subsequent events.
func (b *Bus) Attach(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit delivers the event to every attached handler. Handler panics are
// swallowed so a misbehaving sink cannot take down the emitting component.
func (b *Bus) Emit(name string, measurements map[string]int64, metadata map[string]string) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	evt := Event{Name: name, Measurements: measurements, Metadata: metadata}
	for _, h := range handlers {
		safeInvoke(h, evt)
	}
}

func safeInvoke(h Handler, evt Event) {
	defer func() { _ = recover() }()
	h(evt)
}
