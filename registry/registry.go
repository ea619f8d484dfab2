// Package registry holds the gateway's directory of agent configurations and
// the push-notification configs attached to tasks. The agent map is
// read-mostly: lookups take a snapshot pointer, updates copy-and-swap.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AltairaLabs/agentgate/a2a"
)

// Registry errors.
var (
	ErrInvalidAgent   = errors.New("registry: invalid agent")
	ErrAgentNotFound  = errors.New("registry: agent not found")
	ErrConfigNotFound = errors.New("registry: push config not found")
)

// Tuning carries the per-agent worker knobs. Zero fields fall back to the
// gateway defaults at worker spawn.
type Tuning struct {
	MaxInFlight      int `yaml:"maxInFlight" json:"maxInFlight,omitempty"`
	FailureThreshold int `yaml:"failureThreshold" json:"failureThreshold,omitempty"`
	FailureWindowMs  int `yaml:"failureWindowMs" json:"failureWindowMs,omitempty"`
	CooldownMs       int `yaml:"cooldownMs" json:"cooldownMs,omitempty"`
	CallTimeoutMs    int `yaml:"callTimeoutMs" json:"callTimeoutMs,omitempty"`
}

// Agent is one registered remote agent. Records are immutable once stored;
// Upsert replaces the whole record atomically.
type Agent struct {
	ID          string         `yaml:"id" json:"id"`
	URL         string         `yaml:"url" json:"url"`
	BearerToken string         `yaml:"bearerToken" json:"-"`
	Protocol    string         `yaml:"protocol" json:"protocol,omitempty"`
	Version     string         `yaml:"version" json:"version,omitempty"`
	Tuning      Tuning         `yaml:"tuning" json:"tuning,omitempty"`
	Card        *a2a.AgentCard `yaml:"-" json:"card,omitempty"`
}

// Validate checks the registry invariants: non-empty id and an absolute
// http(s) endpoint URL.
func (a *Agent) Validate() error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	u, err := url.Parse(a.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q is not an absolute http(s) URL", ErrInvalidAgent, a.URL)
	}
	return nil
}

// DeleteHook is invoked after an agent is removed, with the agent id. The
// supervisor registers one to terminate the agent's worker.
type DeleteHook func(agentID string)

// Registry is the agent directory. Safe for concurrent use.
type Registry struct {
	agents atomic.Pointer[map[string]*Agent]

	mu         sync.Mutex // serializes writers
	deleteHook DeleteHook
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := make(map[string]*Agent)
	r.agents.Store(&empty)
	return r
}

// OnDelete registers the hook invoked after Delete removes a record.
func (r *Registry) OnDelete(hook DeleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteHook = hook
}

// Fetch returns the agent record or nil.
func (r *Registry) Fetch(id string) *Agent {
	return (*r.agents.Load())[id]
}

// List returns all agents ordered by id.
func (r *Registry) List() []*Agent {
	snapshot := *r.agents.Load()
	agents := make([]*Agent, 0, len(snapshot))
	for _, a := range snapshot {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Upsert validates and stores the agent, replacing any record with the same
// id. The stored record is a copy; callers keep ownership of theirs.
func (r *Registry) Upsert(agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	stored := *agent

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.agents.Load()
	next := make(map[string]*Agent, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[stored.ID] = &stored
	r.agents.Store(&next)
	return nil
}

// Delete removes the agent record. Idempotent: deleting an absent id is not
// an error. The delete hook fires only when a record was actually removed.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	cur := *r.agents.Load()
	if _, ok := cur[id]; !ok {
		r.mu.Unlock()
		return
	}
	next := make(map[string]*Agent, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	r.agents.Store(&next)
	hook := r.deleteHook
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
}

// SetCard replaces the cached agent card on the record, preserving the rest.
func (r *Registry) SetCard(id string, card *a2a.AgentCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.agents.Load()
	agent, ok := cur[id]
	if !ok {
		return ErrAgentNotFound
	}
	updated := *agent
	updated.Card = card
	next := make(map[string]*Agent, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	next[id] = &updated
	r.agents.Store(&next)
	return nil
}
