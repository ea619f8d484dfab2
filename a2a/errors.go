package a2a

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the gateway. Callers classify outcomes with
// errors.Is and map them to JSON-RPC codes at the dispatch edge.
var (
	// ErrCircuitOpen rejects a call while an agent's breaker is open.
	ErrCircuitOpen = errors.New("a2a: circuit open")

	// ErrTooManyRequests rejects a call at the agent's in-flight cap.
	ErrTooManyRequests = errors.New("a2a: too many requests")

	// ErrTimeout marks a call or stream init that exceeded its deadline.
	ErrTimeout = errors.New("a2a: timeout")

	// ErrUnreachable marks a transport-level connection failure.
	ErrUnreachable = errors.New("a2a: agent unreachable")

	// ErrShutdown is returned to pending callers when a worker terminates.
	ErrShutdown = errors.New("a2a: worker shutting down")

	// ErrMalformedInit marks a stream whose first frame carried no task.
	ErrMalformedInit = errors.New("a2a: malformed stream init")

	// ErrInvalidJSON marks an undecodable remote response body.
	ErrInvalidJSON = errors.New("a2a: invalid json from remote")
)

// RemoteError is a non-2xx HTTP response from a remote agent.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("a2a: remote returned %d", e.Status)
}
