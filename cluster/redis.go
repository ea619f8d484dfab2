package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix  = "agentgate"
	defaultNodeTTL = 15 * time.Second
)

// RedisDirectory is a Redis-backed Directory for multi-node deployments.
// Node membership lives under TTL'd keys refreshed by a heartbeat; worker
// claims are SET NX so exactly one node hosts a given agent's worker.
type RedisDirectory struct {
	client  *redis.Client
	prefix  string
	nodeTTL time.Duration

	mu     sync.Mutex
	claims map[string]string // agent id -> holding node, claims made by this process
}

// RedisOption configures a RedisDirectory.
type RedisOption func(*RedisDirectory)

// WithPrefix sets the key prefix. Default is "agentgate".
func WithPrefix(prefix string) RedisOption {
	return func(d *RedisDirectory) {
		d.prefix = prefix
	}
}

// WithNodeTTL sets how long a node registration survives without a
// heartbeat. Default is 15 seconds.
func WithNodeTTL(ttl time.Duration) RedisOption {
	return func(d *RedisDirectory) {
		d.nodeTTL = ttl
	}
}

// NewRedisDirectory creates a Directory over the given client.
//
// Example:
//
//	dir := cluster.NewRedisDirectory(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    cluster.WithPrefix("agentgate"),
//	)
func NewRedisDirectory(client *redis.Client, opts ...RedisOption) *RedisDirectory {
	d := &RedisDirectory{
		client:  client,
		prefix:  defaultPrefix,
		nodeTTL: defaultNodeTTL,
		claims:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterNode writes the node's membership key and refreshes it on a
// heartbeat until ctx is canceled. The first write is synchronous so the
// caller knows registration succeeded before serving traffic.
func (d *RedisDirectory) RegisterNode(ctx context.Context, node Node) error {
	if node.ID == "" {
		return errors.New("cluster: node id is required")
	}
	if err := d.writeNode(ctx, node); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Best-effort removal so peers drop us before the TTL lapses.
				cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = d.client.Del(cleanup, d.nodeKey(node.ID)).Err()
				cancel()
				return
			case <-ticker.C:
				_ = d.writeNode(ctx, node)
				d.refreshClaims(ctx, node.ID)
			}
		}
	}()
	return nil
}

func (d *RedisDirectory) writeNode(ctx context.Context, node Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("cluster: marshal node: %w", err)
	}
	if err := d.client.Set(ctx, d.nodeKey(node.ID), data, d.nodeTTL).Err(); err != nil {
		return fmt.Errorf("cluster: register node: %w", err)
	}
	return nil
}

// Nodes scans the membership keys and returns live members ordered by id.
func (d *RedisDirectory) Nodes(ctx context.Context) ([]Node, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, d.nodeKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cluster: scan nodes: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := d.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cluster: load nodes: %w", err)
	}

	nodes := make([]Node, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("cluster: load node: %w", err)
		}
		var node Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("cluster: unmarshal node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Place resolves the owning node for agentID over the current membership.
func (d *RedisDirectory) Place(ctx context.Context, agentID string) (Node, error) {
	nodes, err := d.Nodes(ctx)
	if err != nil {
		return Node{}, err
	}
	node, ok := placeOver(agentID, nodes)
	if !ok {
		return Node{}, errors.New("cluster: no live nodes")
	}
	return node, nil
}

// ClaimWorker records the worker claim with SET NX. The claim carries the
// node TTL and is re-asserted on the node heartbeat for as long as this
// process holds it; a dead node's claims lapse with its membership.
func (d *RedisDirectory) ClaimWorker(ctx context.Context, agentID, nodeID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.workerKey(agentID), nodeID, d.nodeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("cluster: claim worker: %w", err)
	}
	if ok {
		d.rememberClaim(agentID, nodeID)
		return true, nil
	}
	// Already claimed. Refresh the TTL if we are the holder.
	holder, err := d.client.Get(ctx, d.workerKey(agentID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("cluster: claim worker: %w", err)
	}
	if holder == nodeID {
		_ = d.client.Expire(ctx, d.workerKey(agentID), d.nodeTTL).Err()
		d.rememberClaim(agentID, nodeID)
		return true, nil
	}
	d.forgetClaim(agentID, nodeID)
	return false, nil
}

// refreshClaims re-asserts every claim this process holds for nodeID so
// claims never lapse under a live worker. A claim another node took over in
// the meantime is dropped, not clobbered.
func (d *RedisDirectory) refreshClaims(ctx context.Context, nodeID string) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.claims))
	for agentID, holder := range d.claims {
		if holder == nodeID {
			ids = append(ids, agentID)
		}
	}
	d.mu.Unlock()

	for _, agentID := range ids {
		if ok, err := d.ClaimWorker(ctx, agentID, nodeID); err == nil && !ok {
			d.forgetClaim(agentID, nodeID)
		}
	}
}

func (d *RedisDirectory) rememberClaim(agentID, nodeID string) {
	d.mu.Lock()
	d.claims[agentID] = nodeID
	d.mu.Unlock()
}

func (d *RedisDirectory) forgetClaim(agentID, nodeID string) {
	d.mu.Lock()
	if d.claims[agentID] == nodeID {
		delete(d.claims, agentID)
	}
	d.mu.Unlock()
}

// LookupWorker returns the node hosting agentID's worker.
func (d *RedisDirectory) LookupWorker(ctx context.Context, agentID string) (Node, bool, error) {
	nodeID, err := d.client.Get(ctx, d.workerKey(agentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("cluster: lookup worker: %w", err)
	}

	data, err := d.client.Get(ctx, d.nodeKey(nodeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Holder node is gone; the claim is stale.
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("cluster: lookup worker node: %w", err)
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return Node{}, false, fmt.Errorf("cluster: unmarshal node: %w", err)
	}
	return node, true, nil
}

// ReleaseWorker drops the claim if nodeID still holds it.
func (d *RedisDirectory) ReleaseWorker(ctx context.Context, agentID, nodeID string) error {
	holder, err := d.client.Get(ctx, d.workerKey(agentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			d.forgetClaim(agentID, nodeID)
			return nil
		}
		return fmt.Errorf("cluster: release worker: %w", err)
	}
	if holder != nodeID {
		d.forgetClaim(agentID, nodeID)
		return nil
	}
	if err := d.client.Del(ctx, d.workerKey(agentID)).Err(); err != nil {
		return fmt.Errorf("cluster: release worker: %w", err)
	}
	d.forgetClaim(agentID, nodeID)
	return nil
}

func (d *RedisDirectory) nodeKey(id string) string {
	return fmt.Sprintf("%s:nodes:%s", d.prefix, id)
}

func (d *RedisDirectory) workerKey(agentID string) string {
	return fmt.Sprintf("%s:workers:%s", d.prefix, agentID)
}
