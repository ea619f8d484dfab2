package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AltairaLabs/agentgate/a2a"
)

// PushConfigs stores the webhook configs attached to tasks. Multiple configs
// may exist per task; every task update is delivered to each of them.
type PushConfigs struct {
	mu     sync.RWMutex
	byTask map[string][]*a2a.PushConfig
	byID   map[string]*a2a.PushConfig
}

// NewPushConfigs creates an empty push-config store.
func NewPushConfigs() *PushConfigs {
	return &PushConfigs{
		byTask: make(map[string][]*a2a.PushConfig),
		byID:   make(map[string]*a2a.PushConfig),
	}
}

// Set stores cfg. An empty ID is assigned one; a matching existing ID is
// replaced. Returns the stored config.
func (p *PushConfigs) Set(cfg a2a.PushConfig) *a2a.PushConfig {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.byID[cfg.ID]; ok {
		p.removeFromTaskLocked(old)
	}
	stored := cfg
	p.byID[cfg.ID] = &stored
	p.byTask[cfg.TaskID] = append(p.byTask[cfg.TaskID], &stored)
	return &stored
}

// Get returns the config by id or ErrConfigNotFound.
func (p *PushConfigs) Get(id string) (*a2a.PushConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.byID[id]
	if !ok {
		return nil, ErrConfigNotFound
	}
	c := *cfg
	return &c, nil
}

// ListByTask returns copies of all configs attached to taskID.
func (p *PushConfigs) ListByTask(taskID string) []*a2a.PushConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	configs := make([]*a2a.PushConfig, 0, len(p.byTask[taskID]))
	for _, cfg := range p.byTask[taskID] {
		c := *cfg
		configs = append(configs, &c)
	}
	return configs
}

// Delete removes the config by id. Idempotent.
func (p *PushConfigs) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	p.removeFromTaskLocked(cfg)
}

func (p *PushConfigs) removeFromTaskLocked(cfg *a2a.PushConfig) {
	list := p.byTask[cfg.TaskID]
	for i, cur := range list {
		if cur.ID == cfg.ID {
			p.byTask[cfg.TaskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.byTask[cfg.TaskID]) == 0 {
		delete(p.byTask, cfg.TaskID)
	}
}
