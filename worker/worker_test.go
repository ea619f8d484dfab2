package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
)

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) record(evt telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, evt.Name)
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.names {
		if got == name {
			n++
		}
	}
	return n
}

func sendEnvelope(agentID string) *a2a.Envelope {
	text := "hello"
	return &a2a.Envelope{
		Method:  a2a.MethodSendMessage,
		AgentID: agentID,
		Message: &a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{{Text: &text}}},
		RPCID:   1,
	}
}

func newTestWorker(t *testing.T, url string, tuning registry.Tuning) (*Worker, *eventLog, *taskstore.Store) {
	t.Helper()
	log := &eventLog{}
	bus := telemetry.NewBus()
	bus.Attach(log.record)
	store := taskstore.New()

	w, err := New(&registry.Agent{ID: "A1", URL: url, Tuning: tuning}, Options{
		Store:  store,
		Bus:    bus,
		NodeID: "n1",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w, log, store
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"},"artifacts":[]}}`)
	}))
}

func TestCallHappyPath(t *testing.T) {
	upstream := okUpstream(t)
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{})

	task, err := w.Call(context.Background(), sendEnvelope("A1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	n, err := w.InFlight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "inFlight returns to 0 after completion")
	assert.Equal(t, 1, log.count(telemetry.EventCallStop))
}

func TestCircuitTrips(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{FailureThreshold: 3, CooldownMs: 60_000})

	for i := 0; i < 3; i++ {
		_, err := w.Call(context.Background(), sendEnvelope("A1"))
		var remote *a2a.RemoteError
		require.ErrorAs(t, err, &remote, "call %d", i)
	}
	assert.Equal(t, 1, log.count(telemetry.EventBreakerOpen), "threshold failure opens on that event")

	// Fourth call inside the cooldown is rejected without dispatch.
	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	assert.ErrorIs(t, err, a2a.ErrCircuitOpen)
	assert.Equal(t, 1, log.count(telemetry.EventBreakerReject))
	assert.Equal(t, 3, log.count(telemetry.EventCallError), "rejections do not count as call errors")
}

func TestHalfOpenRecovery(t *testing.T) {
	var mu sync.Mutex
	failing := true
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		bad := failing
		mu.Unlock()
		if bad {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"}}}`)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{FailureThreshold: 3, CooldownMs: 50})

	for i := 0; i < 3; i++ {
		_, _ = w.Call(context.Background(), sendEnvelope("A1"))
	}
	require.Equal(t, 1, log.count(telemetry.EventBreakerOpen))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	failing = false
	mu.Unlock()

	// Cooldown elapsed: the probe goes through and closes the breaker.
	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	require.NoError(t, err)
	assert.Equal(t, 1, log.count(telemetry.EventBreakerHalfOpen))
	assert.Equal(t, 1, log.count(telemetry.EventBreakerClosed))

	h, err := w.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, h.Breaker)
	assert.Zero(t, h.FailureCount, "success in halfOpen resets the count")

	// Re-tripping requires a full threshold of fresh failures.
	mu.Lock()
	failing = true
	mu.Unlock()
	for i := 0; i < 2; i++ {
		_, _ = w.Call(context.Background(), sendEnvelope("A1"))
	}
	assert.Equal(t, 1, log.count(telemetry.EventBreakerOpen), "two failures are below threshold")
	_, _ = w.Call(context.Background(), sendEnvelope("A1"))
	assert.Equal(t, 2, log.count(telemetry.EventBreakerOpen))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{FailureThreshold: 2, CooldownMs: 30})

	for i := 0; i < 2; i++ {
		_, _ = w.Call(context.Background(), sendEnvelope("A1"))
	}
	require.Equal(t, 1, log.count(telemetry.EventBreakerOpen))

	time.Sleep(60 * time.Millisecond)

	// The probe fails: straight back to open with a fresh cooldown.
	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	var remote *a2a.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 2, log.count(telemetry.EventBreakerOpen))

	_, err = w.Call(context.Background(), sendEnvelope("A1"))
	assert.ErrorIs(t, err, a2a.ErrCircuitOpen)
}

func TestBackpressure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"}}}`)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{MaxInFlight: 2})

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Call(context.Background(), sendEnvelope("A1"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var rejected, succeeded int
	for err := range results {
		if errors.Is(err, a2a.ErrTooManyRequests) {
			rejected++
		} else if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, rejected, "exactly one call is shed")
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, log.count(telemetry.EventBackpressureReject))
}

func TestTimeoutAndStaleChild(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"}}}`)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{CallTimeoutMs: 50})

	start := time.Now()
	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	assert.ErrorIs(t, err, a2a.ErrTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "timeout settles before the upstream responds")

	// Let the abandoned child come home; its result must be discarded.
	time.Sleep(300 * time.Millisecond)
	h, err := w.Health(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.InFlight, "no double decrement from the stale child")
	assert.Equal(t, 1, h.FailureCount)
	require.NotNil(t, h.LastFailureAt)
	assert.Equal(t, 1, log.count(telemetry.EventCallError))
}

func TestClientErrorDoesNotTripBreaker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer upstream.Close()

	w, log, _ := newTestWorker(t, upstream.URL, registry.Tuning{FailureThreshold: 2})

	for i := 0; i < 4; i++ {
		_, err := w.Call(context.Background(), sendEnvelope("A1"))
		var remote *a2a.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, http.StatusBadRequest, remote.Status)
	}

	h, err := w.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, h.Breaker)
	assert.Zero(t, h.FailureCount)
	assert.Zero(t, log.count(telemetry.EventBreakerOpen))
}

func TestRemoteRPCErrorSurfaced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"missing message"}}`)
	}))
	defer upstream.Close()

	w, _, _ := newTestWorker(t, upstream.URL, registry.Tuning{})

	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	var rpcErr *a2a.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)

	h, _ := w.Health(context.Background())
	assert.Zero(t, h.FailureCount, "an answered error is not a transport failure")
}

func TestStreamThroughWorker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			`{"id":"t9","status":{"state":"working"}}`,
			`{"taskId":"t9","status":{"state":"completed"}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	w, _, store := newTestWorker(t, upstream.URL, registry.Tuning{})

	env := sendEnvelope("A1")
	env.Method = a2a.MethodStreamMessage
	init, err := w.Stream(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, init.Task)
	assert.Equal(t, "t9", init.Task.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get("t9")
		if err == nil && task.Status.State == a2a.TaskStateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := store.Get("t9")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	n, err := w.InFlight(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "stream releases its slot once init resolves")
}

func TestStopDrainsInFlight(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"}}}`)
	}))
	defer upstream.Close()

	w, _, _ := newTestWorker(t, upstream.URL, registry.Tuning{})

	result := make(chan error, 1)
	go func() {
		_, err := w.Call(context.Background(), sendEnvelope("A1"))
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	select {
	case err := <-result:
		assert.NoError(t, err, "in-flight call completes during drain")
	case <-time.After(time.Second):
		t.Fatal("draining call never settled")
	}

	_, err := w.Call(context.Background(), sendEnvelope("A1"))
	assert.ErrorIs(t, err, a2a.ErrShutdown)
}

func TestStopAbortsAfterGrace(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	log := &eventLog{}
	bus := telemetry.NewBus()
	bus.Attach(log.record)

	w, err := New(&registry.Agent{ID: "A1", URL: upstream.URL, Tuning: registry.Tuning{CallTimeoutMs: 60_000}}, Options{
		Store:      taskstore.New(),
		Bus:        bus,
		NodeID:     "n1",
		DrainGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := w.Call(context.Background(), sendEnvelope("A1"))
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, a2a.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("pending call not aborted")
	}
}

func TestBoundaryAdmissionAtCap(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"id":"t1","status":{"state":"completed"}}}`)
	}))
	defer upstream.Close()

	w, _, _ := newTestWorker(t, upstream.URL, registry.Tuning{MaxInFlight: 2})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := w.Call(context.Background(), sendEnvelope("A1"))
			results <- err
		}()
	}

	// Wait until both are admitted.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := w.InFlight(context.Background()); n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, err := w.InFlight(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = w.Call(context.Background(), sendEnvelope("A1"))
	assert.ErrorIs(t, err, a2a.ErrTooManyRequests)

	close(release)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-results)
	}
}

func TestCountsAsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", a2a.ErrTimeout, true},
		{"unreachable", fmt.Errorf("%w: dial refused", a2a.ErrUnreachable), true},
		{"invalid json", a2a.ErrInvalidJSON, true},
		{"malformed init", a2a.ErrMalformedInit, true},
		{"remote 500", &a2a.RemoteError{Status: 500}, true},
		{"remote 503", &a2a.RemoteError{Status: 503}, true},
		{"remote 404", &a2a.RemoteError{Status: 404}, false},
		{"rpc error", &a2a.JSONRPCError{Code: -32602, Message: "bad"}, false},
		{"shutdown", a2a.ErrShutdown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countsAsFailure(tt.err))
		})
	}
}

func TestResolveTuning(t *testing.T) {
	d := resolveTuning(registry.Tuning{MaxInFlight: 3, CooldownMs: 100}, Defaults{})
	assert.Equal(t, 3, d.MaxInFlight)
	assert.Equal(t, 100*time.Millisecond, d.Cooldown)
	assert.Equal(t, defaultFailureThreshold, d.FailureThreshold)
	assert.Equal(t, defaultCallTimeout, d.CallTimeout)
}
