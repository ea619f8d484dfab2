// Package cluster tracks gateway node membership and the cluster-wide
// directory of live agent workers. Each node heartbeats its identity into a
// shared Redis; worker placement is deterministic over the sorted member
// list, so any node resolves the same owner for a given agent id.
package cluster

import (
	"context"
	"hash/fnv"
	"sort"
	"time"
)

// Node is one gateway process in the cluster.
type Node struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Directory is the membership and worker-placement view shared by the
// registry and the worker supervisor.
type Directory interface {
	// RegisterNode announces the local node. Implementations refresh the
	// registration until ctx is canceled.
	RegisterNode(ctx context.Context, node Node) error
	// Nodes returns the live members ordered by id.
	Nodes(ctx context.Context) ([]Node, error)
	// Place returns the node that should own the worker for agentID.
	Place(ctx context.Context, agentID string) (Node, error)
	// ClaimWorker records that nodeID hosts the worker for agentID. Returns
	// false when another node already holds the claim.
	ClaimWorker(ctx context.Context, agentID, nodeID string) (bool, error)
	// LookupWorker returns the node hosting agentID's worker, if any.
	LookupWorker(ctx context.Context, agentID string) (Node, bool, error)
	// ReleaseWorker drops the claim for agentID if held by nodeID.
	ReleaseWorker(ctx context.Context, agentID, nodeID string) error
}

// placeOver picks the owner for agentID among nodes (sorted by id) using a
// stable hash. Deterministic across nodes given the same membership view.
func placeOver(agentID string, nodes []Node) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return nodes[int(h.Sum32())%len(nodes)], true
}

// heartbeatInterval is how often a registered node refreshes its TTL'd
// membership key. Must be comfortably below the node TTL.
const heartbeatInterval = 5 * time.Second
