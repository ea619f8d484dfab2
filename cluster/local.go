package cluster

import (
	"context"
	"sync"
)

// LocalDirectory is the single-node Directory used in standalone mode. The
// local node always owns every worker; claims exist only so the supervisor
// code path stays uniform.
type LocalDirectory struct {
	mu     sync.Mutex
	node   Node
	claims map[string]string
}

// NewLocalDirectory creates a standalone directory for the given node.
func NewLocalDirectory(node Node) *LocalDirectory {
	return &LocalDirectory{node: node, claims: make(map[string]string)}
}

func (d *LocalDirectory) RegisterNode(_ context.Context, node Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.node = node
	return nil
}

func (d *LocalDirectory) Nodes(context.Context) ([]Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []Node{d.node}, nil
}

func (d *LocalDirectory) Place(context.Context, string) (Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.node, nil
}

func (d *LocalDirectory) ClaimWorker(_ context.Context, agentID, nodeID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.claims[agentID]; ok && holder != nodeID {
		return false, nil
	}
	d.claims[agentID] = nodeID
	return true, nil
}

func (d *LocalDirectory) LookupWorker(_ context.Context, agentID string) (Node, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claims[agentID]; !ok {
		return Node{}, false, nil
	}
	return d.node, true, nil
}

func (d *LocalDirectory) ReleaseWorker(_ context.Context, agentID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if holder, ok := d.claims[agentID]; ok && holder == nodeID {
		delete(d.claims, agentID)
	}
	return nil
}
