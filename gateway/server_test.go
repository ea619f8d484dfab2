package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/cluster"
	"github.com/AltairaLabs/agentgate/config"
	"github.com/AltairaLabs/agentgate/push"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
	"github.com/AltairaLabs/agentgate/worker"
)

type testGateway struct {
	srv     *httptest.Server
	server  *Server
	reg     *registry.Registry
	store   *taskstore.Store
	configs *registry.PushConfigs
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := config.Default()
	node := cluster.Node{ID: "n1", Addr: "localhost:8080"}
	dir := cluster.NewLocalDirectory(node)
	bus := telemetry.NewBus()
	reg := registry.New()
	configs := registry.NewPushConfigs()
	store := taskstore.New(taskstore.WithTelemetry(bus))

	sup := worker.NewSupervisor(reg, dir, node, worker.Options{
		Store:  store,
		Bus:    bus,
		NodeID: node.ID,
	})
	engine := push.NewEngine(push.WithTelemetry(bus), push.WithRetryBase(time.Millisecond))
	notifier := push.NewNotifier(store, configs, engine)

	server := NewServer(Options{
		Config:      cfg,
		Registry:    reg,
		PushConfigs: configs,
		Store:       store,
		Supervisor:  sup,
		Notifier:    notifier,
		Directory:   dir,
		Node:        node,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &testGateway{srv: srv, server: server, reg: reg, store: store, configs: configs}
}

func (g *testGateway) rpc(t *testing.T, method string, params any) a2a.JSONRPCResponse {
	t.Helper()
	return g.rpcRaw(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
}

func (g *testGateway) rpcRaw(t *testing.T, body any) a2a.JSONRPCResponse {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := g.srv.Client().Post(g.srv.URL+"/rpc", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out a2a.JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// unaryAgent answers every JSON-RPC POST with a completed task.
func unaryAgent(t *testing.T, taskID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		resp := a2a.NewResponse(req.ID, &a2a.Task{
			ID:     taskID,
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
		})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sendParams(agentID string) map[string]any {
	return map[string]any{
		"agentId": agentID,
		"message": map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": "hello"}},
		},
	}
}

func TestRPCParseError(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.srv.Client().Post(g.srv.URL+"/rpc", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out a2a.JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeParseError, out.Error.Code)
}

func TestRPCInvalidRequest(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpcRaw(t, map[string]any{"jsonrpc": "1.0", "id": 1, "method": "tasks.get"})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeInvalidRequest, out.Error.Code)
}

func TestRPCMethodNotFound(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpc(t, "tasks.eject", nil)
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeMethodNotFound, out.Error.Code)
}

func TestSendMessage(t *testing.T) {
	upstream := unaryAgent(t, "t1")
	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a1", URL: upstream.URL}))

	out := g.rpc(t, "message.send", sendParams("a1"))
	require.Nil(t, out.Error)

	var task a2a.Task
	require.NoError(t, json.Unmarshal(out.Result, &task))
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "a1", task.AgentID, "gateway stamps the agent id")

	stored, err := g.store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, stored.Status.State)
}

func TestSendMessageMissingAgentID(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpc(t, "message.send", map[string]any{"message": map[string]any{"role": "user"}})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeInvalidParams, out.Error.Code)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpc(t, "message.send", sendParams("ghost"))
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeAgentNotFound, out.Error.Code)
}

func TestSendMessageCircuitOpen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{
		ID:     "a2",
		URL:    upstream.URL,
		Tuning: registry.Tuning{FailureThreshold: 1, CooldownMs: 60000},
	}))

	out := g.rpc(t, "message.send", sendParams("a2"))
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeRemoteError, out.Error.Code)

	out = g.rpc(t, "message.send", sendParams("a2"))
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeCircuitOpen, out.Error.Code)
}

func TestGetTask(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.Put(&a2a.Task{
		ID:     "t1",
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking},
	}))

	out := g.rpc(t, "tasks.get", map[string]any{"taskId": "t1"})
	require.Nil(t, out.Error)
	var task a2a.Task
	require.NoError(t, json.Unmarshal(out.Result, &task))
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	out = g.rpc(t, "tasks.get", map[string]any{"taskId": "missing"})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeTaskNotFound, out.Error.Code)
}

func TestListTasks(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.Put(&a2a.Task{ID: "t1", AgentID: "a1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}))
	require.NoError(t, g.store.Put(&a2a.Task{ID: "t2", AgentID: "a2", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}))

	out := g.rpc(t, "tasks.list", map[string]any{"agentId": "a1"})
	require.Nil(t, out.Error)

	var result struct {
		Tasks []*a2a.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &result))
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "t1", result.Tasks[0].ID)
}

func TestCancelTask(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tasks.cancel", req.Method)
		w.Header().Set("Content-Type", "application/json")
		resp := a2a.NewResponse(req.ID, &a2a.Task{
			ID:      "t1",
			AgentID: "a1",
			Status:  a2a.TaskStatus{State: a2a.TaskStateCanceled},
		})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a1", URL: upstream.URL}))
	require.NoError(t, g.store.Put(&a2a.Task{ID: "t1", AgentID: "a1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}))

	out := g.rpc(t, "tasks.cancel", map[string]any{"taskId": "t1"})
	require.Nil(t, out.Error)

	stored, err := g.store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, stored.Status.State)
}

func TestCancelTerminalTaskIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.Put(&a2a.Task{ID: "t1", AgentID: "a1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}))

	out := g.rpc(t, "tasks.cancel", map[string]any{"taskId": "t1"})
	require.Nil(t, out.Error)
	var task a2a.Task
	require.NoError(t, json.Unmarshal(out.Result, &task))
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State, "terminal tasks are returned untouched")
}

func TestPushConfigCRUD(t *testing.T) {
	g := newTestGateway(t)

	out := g.rpc(t, "tasks.pushNotificationConfig.set", map[string]any{
		"taskId": "t1",
		"url":    "http://hooks.internal/h",
	})
	require.Nil(t, out.Error)
	var cfg a2a.PushConfig
	require.NoError(t, json.Unmarshal(out.Result, &cfg))
	require.NotEmpty(t, cfg.ID)

	out = g.rpc(t, "tasks.pushNotificationConfig.get", map[string]any{"id": cfg.ID})
	require.Nil(t, out.Error)

	out = g.rpc(t, "tasks.pushNotificationConfig.list", map[string]any{"taskId": "t1"})
	require.Nil(t, out.Error)
	var list struct {
		Configs []*a2a.PushConfig `json:"configs"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &list))
	require.Len(t, list.Configs, 1)

	out = g.rpc(t, "tasks.pushNotificationConfig.delete", map[string]any{"id": cfg.ID})
	require.Nil(t, out.Error)

	out = g.rpc(t, "tasks.pushNotificationConfig.get", map[string]any{"id": cfg.ID})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeTaskNotFound, out.Error.Code)
}

func TestPushConfigSetRequiresURL(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpc(t, "tasks.pushNotificationConfig.set", map[string]any{"taskId": "t1"})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeInvalidParams, out.Error.Code)
}

func TestAgentsCRUD(t *testing.T) {
	g := newTestGateway(t)

	out := g.rpc(t, "agents.upsert", map[string]any{"id": "a1", "url": "http://agents.internal/a1"})
	require.Nil(t, out.Error)

	out = g.rpc(t, "agents.get", map[string]any{"agentId": "a1"})
	require.Nil(t, out.Error)
	var agent registry.Agent
	require.NoError(t, json.Unmarshal(out.Result, &agent))
	assert.Equal(t, "http://agents.internal/a1", agent.URL)

	out = g.rpc(t, "agents.list", nil)
	require.Nil(t, out.Error)
	var list struct {
		Agents []*registry.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &list))
	require.Len(t, list.Agents, 1)

	out = g.rpc(t, "agents.delete", map[string]any{"agentId": "a1"})
	require.Nil(t, out.Error)

	out = g.rpc(t, "agents.get", map[string]any{"agentId": "a1"})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeAgentNotFound, out.Error.Code)
}

func TestAgentsUpsertInvalidURL(t *testing.T) {
	g := newTestGateway(t)
	out := g.rpc(t, "agents.upsert", map[string]any{"id": "a1", "url": "not-a-url"})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeInvalidParams, out.Error.Code)
}

func TestAgentHealth(t *testing.T) {
	upstream := unaryAgent(t, "t1")
	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a1", URL: upstream.URL}))

	out := g.rpc(t, "agents.health", map[string]any{"agentId": "a1"})
	require.Nil(t, out.Error)

	var health worker.Health
	require.NoError(t, json.Unmarshal(out.Result, &health))
	assert.Equal(t, "a1", health.AgentID)
	assert.Equal(t, worker.BreakerClosed, health.Breaker)
	assert.Equal(t, "n1", health.NodeID)
}

func TestRefreshCard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/agent.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"assistant","description":"test agent"}`)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a1", URL: upstream.URL + "/agent"}))

	out := g.rpc(t, "agents.refreshCard", map[string]any{"agentId": "a1"})
	require.Nil(t, out.Error)

	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(out.Result, &card))
	assert.Equal(t, "assistant", card.Name)

	assert.NotNil(t, g.reg.Fetch("a1").Card, "card is cached on the record")
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)

	resp, err := g.srv.Client().Get(g.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "standalone", health.Mode)
	assert.Equal(t, "n1", health.Node)
	assert.Equal(t, 1, health.ClusterSize)
}

func TestSendMessageDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	t.Cleanup(sink.Close)

	upstream := unaryAgent(t, "t1")
	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a1", URL: upstream.URL}))

	params := sendParams("a1")
	params["webhook"] = map[string]any{"url": sink.URL}
	out := g.rpc(t, "message.send", params)
	require.Nil(t, out.Error)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies, "per-request webhook receives the result")
	assert.Contains(t, string(bodies[0]), `"streamResponse"`)
	assert.Contains(t, string(bodies[0]), `"t1"`)
}

func TestSubscribeStreamsUpdates(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.Put(&a2a.Task{ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}))

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "tasks.subscribe",
		"params":  map[string]any{"taskId": "t1"},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := (&http.Client{}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = g.store.ApplyStatusUpdate("t1", a2a.TaskStatus{State: a2a.TaskStateCompleted})
	}()

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}

	require.Len(t, frames, 2, "snapshot plus the terminal update")
	assert.Contains(t, frames[0], `"jsonrpc":"2.0"`)
	assert.Contains(t, frames[0], `"id":7`)
	assert.Contains(t, frames[1], "completed")
}

func TestStreamMessageEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"jsonrpc":"2.0","id":1,"result":{"id":"t9","contextId":"c1","status":{"state":"working"}}}`,
			`{"jsonrpc":"2.0","id":1,"result":{"taskId":"t9","status":{"state":"completed"},"final":true}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t)
	require.NoError(t, g.reg.Upsert(&registry.Agent{ID: "a4", URL: upstream.URL}))

	out := g.rpc(t, "message.stream", sendParams("a4"))
	require.Nil(t, out.Error)

	var init streamInitResult
	require.NoError(t, json.Unmarshal(out.Result, &init))
	assert.Equal(t, "t9", init.TaskID)
	assert.Equal(t, "a4", init.AgentID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, err := g.store.Get("t9"); err == nil && task.Status.State.IsTerminal() {
			assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task t9 never reached a terminal state")
}
