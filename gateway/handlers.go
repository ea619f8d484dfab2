package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/sse"
)

// handleSendMessage routes a unary call through the agent's worker. The
// resulting task is stored and fanned out to webhooks before the response is
// written, so a client that immediately calls tasks.get observes it.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	env, err := envelopeFromRequest(req, a2a.MethodSendMessage)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}

	ref, err := s.sup.WorkerFor(r.Context(), env.AgentID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	task, err := ref.Call(r.Context(), env)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}

	if task.AgentID == "" {
		task.AgentID = env.AgentID
	}
	if err := s.store.Put(task); err != nil {
		logger.Warn("storing call result", "task_id", task.ID, "error", err)
	}
	s.notifier.Notify(&a2a.StreamResponse{Task: task}, webhookExtras(env)...)

	s.respond(w, a2a.NewResponse(req.ID, task))
}

// streamInitResult is the message.stream response payload.
type streamInitResult struct {
	TaskID  string         `json:"taskId"`
	AgentID string         `json:"agentId"`
	Status  a2a.TaskStatus `json:"status"`
}

// handleStreamMessage opens the upstream stream and answers with the init
// payload. Updates flow into the task store; clients follow them with
// tasks.subscribe. Webhook tracking runs until the task terminates.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	env, err := envelopeFromRequest(req, a2a.MethodStreamMessage)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}

	ref, err := s.sup.WorkerFor(r.Context(), env.AgentID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	init, err := ref.Stream(r.Context(), env)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}

	taskID := init.TaskID()
	if err := s.notifier.Track(context.WithoutCancel(r.Context()), taskID, webhookExtras(env)...); err != nil {
		logger.Warn("tracking webhooks for stream", "task_id", taskID, "error", err)
	}

	// For a proxied stream the task lives in the peer's store, so the init
	// payload is the only status source.
	status := a2a.TaskStatus{State: a2a.TaskStateWorking}
	switch {
	case init.Task != nil:
		status = init.Task.Status
	case init.StatusUpdate != nil:
		status = init.StatusUpdate.Status
	}
	if task, err := s.store.Get(taskID); err == nil {
		status = task.Status
	}
	s.respond(w, a2a.NewResponse(req.ID, streamInitResult{
		TaskID:  taskID,
		AgentID: env.AgentID,
		Status:  status,
	}))
}

func (s *Server) handleGetTask(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	taskID, err := stringParam(req, "taskId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	task, err := s.store.Get(taskID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	var params struct {
		ContextID string `json:"contextId"`
		AgentID   string `json:"agentId"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "params must be an object"))
			return
		}
	}
	tasks := s.store.List(params.ContextID, params.AgentID, params.Limit, params.Offset)
	if tasks == nil {
		tasks = []*a2a.Task{}
	}
	s.respond(w, a2a.NewResponse(req.ID, map[string]any{"tasks": tasks}))
}

// handleCancelTask forwards a cancel to the agent that owns the task, then
// applies the terminal status locally. The upstream answer wins: a task the
// agent reports as completed stays completed.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	taskID, err := stringParam(req, "taskId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	task, err := s.store.Get(taskID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	if task.Status.State.IsTerminal() {
		s.respond(w, a2a.NewResponse(req.ID, task))
		return
	}

	ref, err := s.sup.WorkerFor(r.Context(), task.AgentID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	canceled, err := ref.Call(r.Context(), &a2a.Envelope{
		Method:  a2a.MethodCancelTask,
		AgentID: task.AgentID,
		TaskID:  taskID,
		RPCID:   req.ID,
	})
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}

	if canceled.ID == "" {
		canceled = task
		now := time.Now().UTC()
		canceled.Status = a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: &now}
	}
	if err := s.store.Put(canceled); err != nil {
		logger.Warn("storing canceled task", "task_id", taskID, "error", err)
	}
	s.notifier.Notify(&a2a.StreamResponse{Task: canceled})
	s.respond(w, a2a.NewResponse(req.ID, canceled))
}

// handleSubscribe switches the connection to SSE and relays every update for
// the task until it terminates.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	taskID, err := stringParam(req, "taskId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	snapshot, sub, err := s.store.Subscribe(taskID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	defer s.store.Unsubscribe(taskID, sub)

	if err := sse.Serve(r.Context(), w, req.ID, snapshot, sub, sse.DefaultKeepAlive); err != nil {
		if sw, werr := sse.NewWriter(w); werr == nil {
			code, message := errorCode(err)
			_ = sw.ServeError(req.ID, code, message)
			return
		}
		s.respondError(w, req.ID, err)
	}
}

func (s *Server) handlePushConfigSet(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	var cfg a2a.PushConfig
	if err := json.Unmarshal(req.Params, &cfg); err != nil {
		s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "params must be a push config"))
		return
	}
	if cfg.TaskID == "" || cfg.URL == "" {
		s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "taskId and url are required"))
		return
	}
	stored := s.configs.Set(cfg)
	s.respond(w, a2a.NewResponse(req.ID, stored))
}

func (s *Server) handlePushConfigGet(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	id, err := stringParam(req, "id")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	cfg, err := s.configs.Get(id)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, cfg))
}

func (s *Server) handlePushConfigList(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	taskID, err := stringParam(req, "taskId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	configs := s.configs.ListByTask(taskID)
	s.respond(w, a2a.NewResponse(req.ID, map[string]any{"configs": configs}))
}

func (s *Server) handlePushConfigDelete(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	id, err := stringParam(req, "id")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.configs.Delete(id)
	s.respond(w, a2a.NewResponse(req.ID, map[string]any{}))
}

func (s *Server) handleAgentsList(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	s.respond(w, a2a.NewResponse(req.ID, map[string]any{"agents": s.reg.List()}))
}

func (s *Server) handleAgentsGet(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	agentID, err := stringParam(req, "agentId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	agent := s.reg.Fetch(agentID)
	if agent == nil {
		s.respondError(w, req.ID, registry.ErrAgentNotFound)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, agent))
}

func (s *Server) handleAgentsUpsert(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	var agent registry.Agent
	if err := json.Unmarshal(req.Params, &agent); err != nil {
		s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "params must be an agent"))
		return
	}
	if err := s.reg.Upsert(&agent); err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, &agent))
}

func (s *Server) handleAgentsDelete(w http.ResponseWriter, req a2a.JSONRPCRequest) {
	agentID, err := stringParam(req, "agentId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.reg.Delete(agentID)
	s.respond(w, a2a.NewResponse(req.ID, map[string]any{}))
}

// handleAgentHealth answers breaker and in-flight state for one agent. Peer
// nodes call this when proxying health for workers they do not host.
func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	agentID, err := stringParam(req, "agentId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	ref, err := s.sup.WorkerFor(r.Context(), agentID)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	health, err := ref.Health(r.Context())
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, health))
}

// handleRefreshCard fetches the agent's discovery document and caches it on
// the registry record.
func (s *Server) handleRefreshCard(w http.ResponseWriter, r *http.Request, req a2a.JSONRPCRequest) {
	agentID, err := stringParam(req, "agentId")
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	agent := s.reg.Fetch(agentID)
	if agent == nil {
		s.respondError(w, req.ID, registry.ErrAgentNotFound)
		return
	}

	card, err := s.fetchCard(r.Context(), agent.URL)
	if err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	if err := s.reg.SetCard(agentID, card); err != nil {
		s.respondError(w, req.ID, err)
		return
	}
	s.respond(w, a2a.NewResponse(req.ID, card))
}

// fetchCard retrieves /.well-known/agent.json relative to the agent's origin.
func (s *Server) fetchCard(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
	base := agentURL
	if idx := strings.Index(base, "//"); idx >= 0 {
		if slash := strings.Index(base[idx+2:], "/"); slash >= 0 {
			base = base[:idx+2+slash]
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build card request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &a2a.RemoteError{Status: resp.StatusCode}
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	return &card, nil
}

// webhookExtras lifts the per-request webhook, when present, into the extra
// config list handed to the notifier.
func webhookExtras(env *a2a.Envelope) []*a2a.PushConfig {
	if env.Webhook == nil || env.Webhook.URL == "" {
		return nil
	}
	return []*a2a.PushConfig{env.Webhook}
}
