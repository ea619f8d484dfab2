package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/cluster"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/registry"
)

// Supervisor owns the node's worker set. It spawns workers lazily on the
// node that placement assigns, de-duplicates concurrent spawns, and hands
// out proxying references for workers hosted elsewhere. At most one live
// worker exists per agent id across the cluster.
type Supervisor struct {
	reg  *registry.Registry
	dir  cluster.Directory
	node cluster.Node
	opts Options

	mu    sync.Mutex
	local map[string]*Worker
	sf    singleflight.Group
}

// NewSupervisor wires a supervisor over the registry and cluster directory.
// Deleting an agent from the registry terminates its local worker.
func NewSupervisor(reg *registry.Registry, dir cluster.Directory, node cluster.Node, opts Options) *Supervisor {
	if opts.Client == nil {
		opts.Client = NewHTTPClient(0)
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}
	s := &Supervisor{
		reg:   reg,
		dir:   dir,
		node:  node,
		opts:  opts,
		local: make(map[string]*Worker),
	}
	reg.OnDelete(func(agentID string) {
		ctx, cancel := context.WithTimeout(context.Background(), opts.DrainGrace+defaultDrainGrace)
		defer cancel()
		if err := s.Terminate(ctx, agentID); err != nil {
			logger.Warn("terminating worker after agent delete", "agent_id", agentID, "error", err)
		}
	})
	return s
}

// WorkerFor resolves a live worker reference for the agent, spawning one
// locally when placement assigns it here. Concurrent resolutions for the
// same agent share one spawn.
func (s *Supervisor) WorkerFor(ctx context.Context, agentID string) (Ref, error) {
	agent := s.reg.Fetch(agentID)
	if agent == nil {
		return nil, registry.ErrAgentNotFound
	}

	if w := s.lookupLocal(agentID); w != nil {
		return w, nil
	}

	// A live worker on a peer node wins over fresh placement, so a
	// membership change never yields a second worker for the same agent.
	if node, ok, err := s.dir.LookupWorker(ctx, agentID); err != nil {
		return nil, err
	} else if ok && node.ID != s.node.ID {
		return s.remoteRef(node, agentID), nil
	}

	owner, err := s.dir.Place(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if owner.ID != s.node.ID {
		return s.remoteRef(owner, agentID), nil
	}

	v, err, _ := s.sf.Do(agentID, func() (any, error) {
		if w := s.lookupLocal(agentID); w != nil {
			return w, nil
		}
		claimed, err := s.dir.ClaimWorker(ctx, agentID, s.node.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			node, ok, err := s.dir.LookupWorker(ctx, agentID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("worker: claim for %s lost and holder unknown", agentID)
			}
			return s.remoteRef(node, agentID), nil
		}

		w, err := New(agent, s.opts)
		if err != nil {
			_ = s.dir.ReleaseWorker(ctx, agentID, s.node.ID)
			return nil, err
		}
		s.mu.Lock()
		s.local[agentID] = w
		s.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Ref), nil
}

// Terminate stops the local worker for agentID and releases its cluster
// claim. Idempotent; no-op for agents without a local worker.
func (s *Supervisor) Terminate(ctx context.Context, agentID string) error {
	s.mu.Lock()
	w, ok := s.local[agentID]
	delete(s.local, agentID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := w.Stop(ctx)
	if relErr := s.dir.ReleaseWorker(ctx, agentID, s.node.ID); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// LocalCount reports how many workers this node hosts.
func (s *Supervisor) LocalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.local)
}

// LocalHealth snapshots every local worker, ordered by agent id.
func (s *Supervisor) LocalHealth(ctx context.Context) ([]Health, error) {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.local))
	for _, w := range s.local {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	healths := make([]Health, 0, len(workers))
	for _, w := range workers {
		h, err := w.Health(ctx)
		if err != nil {
			continue // worker stopped between snapshot and query
		}
		healths = append(healths, h)
	}
	sort.Slice(healths, func(i, j int) bool { return healths[i].AgentID < healths[j].AgentID })
	return healths, nil
}

// Shutdown drains and stops every local worker.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.Terminate(gctx, id)
		})
	}
	return g.Wait()
}

func (s *Supervisor) lookupLocal(agentID string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[agentID]
}

func (s *Supervisor) remoteRef(node cluster.Node, agentID string) Ref {
	return &remoteWorker{
		node:    node,
		agentID: agentID,
		client:  s.opts.Client,
	}
}

// remoteWorker proxies worker operations to the node hosting the actual
// worker, over the same JSON-RPC surface clients use.
type remoteWorker struct {
	node    cluster.Node
	agentID string
	client  *http.Client
}

// Call forwards a unary call to the owning node.
func (r *remoteWorker) Call(ctx context.Context, env *a2a.Envelope) (*a2a.Task, error) {
	result, rpcErr, err := r.forward(ctx, env)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, errorFromCode(rpcErr)
	}
	var task a2a.Task
	if err := json.Unmarshal(result, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	return &task, nil
}

// Stream forwards a stream open to the owning node. Only the init payload
// crosses nodes; subsequent updates live in the owning node's task store.
// The peer answers message.stream with {taskId, agentId, status}, not a
// stream frame, so the union is rebuilt from that shape here.
func (r *remoteWorker) Stream(ctx context.Context, env *a2a.Envelope) (*a2a.StreamResponse, error) {
	result, rpcErr, err := r.forward(ctx, env)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, errorFromCode(rpcErr)
	}
	var init struct {
		TaskID string         `json:"taskId"`
		Status a2a.TaskStatus `json:"status"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	if init.TaskID == "" {
		return nil, a2a.ErrMalformedInit
	}
	return &a2a.StreamResponse{
		StatusUpdate: &a2a.TaskStatusUpdateEvent{TaskID: init.TaskID, Status: init.Status},
	}, nil
}

// Health queries the owning node's agents.health method.
func (r *remoteWorker) Health(ctx context.Context) (Health, error) {
	params, _ := json.Marshal(map[string]string{"agentId": r.agentID})
	result, rpcErr, err := r.post(ctx, a2a.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "agents.health",
		Params:  params,
	})
	if err != nil {
		return Health{}, err
	}
	if rpcErr != nil {
		return Health{}, errorFromCode(rpcErr)
	}
	var h Health
	if err := json.Unmarshal(result, &h); err != nil {
		return Health{}, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	return h, nil
}

func (r *remoteWorker) forward(ctx context.Context, env *a2a.Envelope) (json.RawMessage, *a2a.JSONRPCError, error) {
	adapter, err := a2a.LookupAdapter(env.Protocol, env.Version)
	if err != nil {
		return nil, nil, err
	}

	// Re-target the envelope at the peer's dispatch shell: same wire
	// method, agentId restored into the params.
	proxied := *env
	proxied.Payload = make(map[string]json.RawMessage, len(env.Payload)+1)
	for k, v := range env.Payload {
		proxied.Payload[k] = v
	}
	agentIDRaw, _ := json.Marshal(r.agentID)
	proxied.Payload["agentId"] = agentIDRaw

	body, err := adapter.EncodeRequest(&proxied, env.RPCID)
	if err != nil {
		return nil, nil, err
	}
	var req a2a.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, err
	}
	return r.post(ctx, req)
}

func (r *remoteWorker) post(ctx context.Context, req a2a.JSONRPCRequest) (json.RawMessage, *a2a.JSONRPCError, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	raw, err := postJSON(ctx, r.client, "http://"+r.node.Addr+"/rpc", "", body)
	if err != nil {
		return nil, nil, err
	}
	var resp a2a.JSONRPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", a2a.ErrInvalidJSON, err)
	}
	return resp.Result, resp.Error, nil
}

// errorFromCode maps a peer's JSON-RPC error back onto the local taxonomy
// so callers observe the same sentinels for local and remote workers.
func errorFromCode(e *a2a.JSONRPCError) error {
	switch e.Code {
	case a2a.CodeCircuitOpen:
		return a2a.ErrCircuitOpen
	case a2a.CodeAgentOverload:
		return a2a.ErrTooManyRequests
	case a2a.CodeAgentNotFound:
		return registry.ErrAgentNotFound
	case a2a.CodeTimeout:
		return a2a.ErrTimeout
	default:
		return e
	}
}
