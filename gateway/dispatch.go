package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
)

// handleRPC is the JSON-RPC 2.0 entry point. Streamed methods
// (tasks.subscribe) take over the connection as SSE; everything else answers
// with one JSON body.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req a2a.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, a2a.NewErrorResponse(nil, a2a.CodeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "invalid request"))
		return
	}

	logger.Debug("rpc request", "method", req.Method, "remote", r.RemoteAddr)

	// Slash spellings are accepted on ingress and normalized.
	switch strings.ReplaceAll(req.Method, "/", ".") {
	case "message.send":
		s.handleSendMessage(w, r, req)
	case "message.stream":
		s.handleStreamMessage(w, r, req)
	case "tasks.get":
		s.handleGetTask(w, req)
	case "tasks.list":
		s.handleListTasks(w, req)
	case "tasks.cancel":
		s.handleCancelTask(w, r, req)
	case "tasks.subscribe":
		s.handleSubscribe(w, r, req)
	case "tasks.pushNotificationConfig.set":
		s.handlePushConfigSet(w, req)
	case "tasks.pushNotificationConfig.get":
		s.handlePushConfigGet(w, req)
	case "tasks.pushNotificationConfig.list":
		s.handlePushConfigList(w, req)
	case "tasks.pushNotificationConfig.delete":
		s.handlePushConfigDelete(w, req)
	case "agents.list":
		s.handleAgentsList(w, req)
	case "agents.get":
		s.handleAgentsGet(w, req)
	case "agents.upsert":
		s.handleAgentsUpsert(w, req)
	case "agents.delete":
		s.handleAgentsDelete(w, req)
	case "agents.health":
		s.handleAgentHealth(w, r, req)
	case "agents.refreshCard":
		s.handleRefreshCard(w, r, req)
	default:
		s.respond(w, a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, "method not found"))
	}
}

func (s *Server) respond(w http.ResponseWriter, resp a2a.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("writing rpc response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, id any, err error) {
	code, message := errorCode(err)
	s.respond(w, a2a.NewErrorResponse(id, code, message))
}

// errorCode maps an internal error onto the gateway's JSON-RPC code table.
func errorCode(err error) (int, string) {
	var remote *a2a.RemoteError
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		return a2a.CodeAgentNotFound, "agent not found"
	case errors.Is(err, a2a.ErrCircuitOpen):
		return a2a.CodeCircuitOpen, "circuit open"
	case errors.Is(err, a2a.ErrTooManyRequests):
		return a2a.CodeAgentOverload, "agent overloaded"
	case errors.Is(err, taskstore.ErrTaskNotFound):
		return a2a.CodeTaskNotFound, "task not found"
	case errors.Is(err, registry.ErrConfigNotFound):
		return a2a.CodeTaskNotFound, "push config not found"
	case errors.Is(err, a2a.ErrTimeout):
		return a2a.CodeTimeout, "timeout"
	case errors.Is(err, a2a.ErrInvalidJSON):
		return a2a.CodeInvalidRemote, "invalid json from remote"
	case errors.Is(err, a2a.ErrUnreachable), errors.Is(err, a2a.ErrMalformedInit):
		return a2a.CodeRemoteError, err.Error()
	case errors.As(err, &remote):
		return a2a.CodeRemoteError, err.Error()
	case errors.Is(err, registry.ErrInvalidAgent):
		return a2a.CodeInvalidParams, err.Error()
	default:
		var rpcErr *a2a.JSONRPCError
		if errors.As(err, &rpcErr) {
			return rpcErr.Code, rpcErr.Message
		}
		return a2a.CodeInternalError, err.Error()
	}
}

// envelopeKeys are params lifted into typed envelope fields; everything else
// stays in the raw payload for the adapter to carry through.
var envelopeKeys = map[string]bool{
	"agentId":   true,
	"taskId":    true,
	"contextId": true,
	"message":   true,
	"metadata":  true,
	"webhook":   true,
}

// envelopeFromRequest decodes the request params into a canonical envelope.
// agentId is required for worker-bound methods.
func envelopeFromRequest(req a2a.JSONRPCRequest, method a2a.Method) (*a2a.Envelope, error) {
	var params map[string]json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "params must be an object"}
		}
	}

	env := &a2a.Envelope{
		Method:  method,
		RPCID:   req.ID,
		Payload: make(map[string]json.RawMessage, len(params)),
	}
	for k, v := range params {
		if !envelopeKeys[k] {
			env.Payload[k] = v
		}
	}

	if raw, ok := params["agentId"]; ok {
		if err := json.Unmarshal(raw, &env.AgentID); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "agentId must be a string"}
		}
	}
	if raw, ok := params["taskId"]; ok {
		if err := json.Unmarshal(raw, &env.TaskID); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "taskId must be a string"}
		}
	}
	if raw, ok := params["contextId"]; ok {
		if err := json.Unmarshal(raw, &env.ContextID); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "contextId must be a string"}
		}
	}
	if raw, ok := params["message"]; ok {
		env.Message = &a2a.Message{}
		if err := json.Unmarshal(raw, env.Message); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "message is malformed"}
		}
	}
	if raw, ok := params["metadata"]; ok {
		if err := json.Unmarshal(raw, &env.Metadata); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "metadata must be an object"}
		}
	}
	if raw, ok := params["webhook"]; ok {
		env.Webhook = &a2a.PushConfig{}
		if err := json.Unmarshal(raw, env.Webhook); err != nil {
			return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "webhook is malformed"}
		}
	}

	if env.AgentID == "" {
		return nil, &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "agentId is required"}
	}
	return env, nil
}

// stringParam extracts one required string field from the request params.
func stringParam(req a2a.JSONRPCRequest, key string) (string, error) {
	var params map[string]json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return "", &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "params must be an object"}
		}
	}
	raw, ok := params[key]
	if !ok {
		return "", &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: key + " is required"}
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil || v == "" {
		return "", &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: key + " must be a non-empty string"}
	}
	return v, nil
}
