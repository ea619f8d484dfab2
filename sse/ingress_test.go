package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
)

func testAdapter(t *testing.T) a2a.Adapter {
	t.Helper()
	adapter, err := a2a.LookupAdapter("", "")
	require.NoError(t, err)
	return adapter
}

// sseUpstream serves the given frames as one SSE response, then closes.
func sseUpstream(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
}

func waitForState(t *testing.T, store *taskstore.Store, taskID string, want a2a.TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(taskID)
		if err == nil && task.Status.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := store.Get(taskID)
	t.Fatalf("task %s never reached %s: %+v", taskID, want, task)
}

func TestIngressHappyPath(t *testing.T) {
	upstream := sseUpstream(t,
		`{"id":"t1","contextId":"c1","status":{"state":"working"}}`,
		`{"taskId":"t1","status":{"state":"working"}}`,
		`{"taskId":"t1","artifact":{"artifactId":"a1","parts":[]}}`,
		`{"taskId":"t1","status":{"state":"completed"},"final":true}`,
	)
	defer upstream.Close()

	store := taskstore.New()
	in := NewIngress(upstream.Client(), store, telemetry.NewBus())

	init, err := in.Start(context.Background(), IngressJob{
		AgentID: "A4",
		URL:     upstream.URL,
		Body:    []byte(`{}`),
		Adapter: testAdapter(t),
		RPCID:   1,
	}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, init.Task)
	assert.Equal(t, "t1", init.Task.ID)
	assert.Equal(t, a2a.TaskStateWorking, init.Task.Status.State)
	assert.Equal(t, "A4", init.Task.AgentID, "agent id is stamped on the init task")

	// Init is stored before Start returns.
	stored, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.ContextID)

	waitForState(t, store, "t1", a2a.TaskStateCompleted)
	final, _ := store.Get("t1")
	assert.Len(t, final.Artifacts, 1)
}

func TestIngressNon200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	bus := telemetry.NewBus()
	events := make(chan telemetry.Event, 1)
	bus.Attach(func(evt telemetry.Event) {
		if evt.Name == telemetry.EventStreamError {
			events <- evt
		}
	})

	in := NewIngress(upstream.Client(), taskstore.New(), bus)
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, time.Second)

	var remote *a2a.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusServiceUnavailable, remote.Status)

	// Open failures count as stream errors like any post-open failure.
	select {
	case evt := <-events:
		assert.Equal(t, "A1", evt.Metadata[telemetry.KeyAgentID])
	case <-time.After(time.Second):
		t.Fatal("no stream_error event for failed open")
	}
}

func TestIngressMalformedInit(t *testing.T) {
	upstream := sseUpstream(t, `{"note":"no task here"}`)
	defer upstream.Close()

	in := NewIngress(upstream.Client(), taskstore.New(), telemetry.NewBus())
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, time.Second)
	assert.ErrorIs(t, err, a2a.ErrMalformedInit)
}

func TestIngressInitTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	in := NewIngress(upstream.Client(), taskstore.New(), telemetry.NewBus())
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, 50*time.Millisecond)
	assert.ErrorIs(t, err, a2a.ErrTimeout)
}

func TestIngressCleanCloseWithoutTerminal(t *testing.T) {
	upstream := sseUpstream(t,
		`{"id":"t2","status":{"state":"working"}}`,
		`{"taskId":"t2","status":{"state":"working"}}`,
	)
	defer upstream.Close()

	store := taskstore.New()
	in := NewIngress(upstream.Client(), store, telemetry.NewBus())
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, time.Second)
	require.NoError(t, err)

	// The upstream closed without a terminal frame: the task must fail.
	waitForState(t, store, "t2", a2a.TaskStateFailed)
}

func TestIngressRemoteErrorFrame(t *testing.T) {
	upstream := sseUpstream(t,
		`{"id":"t3","status":{"state":"working"}}`,
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"agent exploded"}}`,
	)
	defer upstream.Close()

	store := taskstore.New()
	in := NewIngress(upstream.Client(), store, telemetry.NewBus())
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, time.Second)
	require.NoError(t, err)

	waitForState(t, store, "t3", a2a.TaskStateFailed)
	task, _ := store.Get("t3")
	require.NotNil(t, task.Status.Message)
}

func TestIngressStreamErrorTelemetry(t *testing.T) {
	upstream := sseUpstream(t, `{"note":"no task"}`)
	defer upstream.Close()

	bus := telemetry.NewBus()
	events := make(chan telemetry.Event, 4)
	bus.Attach(func(evt telemetry.Event) {
		if evt.Name == telemetry.EventStreamError {
			events <- evt
		}
	})

	in := NewIngress(upstream.Client(), taskstore.New(), bus)
	_, err := in.Start(context.Background(), IngressJob{
		AgentID: "A9", URL: upstream.URL, Adapter: testAdapter(t),
	}, time.Second)
	require.Error(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, "A9", evt.Metadata[telemetry.KeyAgentID])
	case <-time.After(time.Second):
		t.Fatal("no stream_error event")
	}
}

func TestIngressContextCanceled(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	in := NewIngress(upstream.Client(), taskstore.New(), telemetry.NewBus())
	_, err := in.Start(ctx, IngressJob{
		AgentID: "A1", URL: upstream.URL, Adapter: testAdapter(t),
	}, 5*time.Second)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
