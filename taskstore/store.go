// Package taskstore holds the gateway's in-memory task records and fans task
// updates out to per-task subscribers. All mutation goes through the store,
// which enforces the terminal-state rule: once a task completes, fails, is
// canceled, or rejected, the record is immutable.
package taskstore

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/telemetry"
)

// Store errors.
var (
	ErrInvalidTask  = errors.New("taskstore: task id is required")
	ErrTaskNotFound = errors.New("taskstore: task not found")
	ErrTaskTerminal = errors.New("taskstore: task is in a terminal state")
)

const (
	// DefaultQueueSize is the per-subscriber update buffer.
	DefaultQueueSize = 64

	// shardCount spreads task ids over independent locks. Updates for one id
	// always land on the same shard, which is what serializes them.
	shardCount = 16
)

type shard struct {
	mu    sync.Mutex
	tasks map[string]*a2a.Task
	subs  map[string][]*Subscriber
}

// Store is the in-memory task store. Safe for concurrent use; operations on
// the same task id are totally ordered and every subscriber of that id
// observes that order.
type Store struct {
	bus       *telemetry.Bus
	queueSize int
	shards    [shardCount]*shard
}

// Option configures a Store.
type Option func(*Store)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithTelemetry attaches a telemetry bus for lag events.
func WithTelemetry(bus *telemetry.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{queueSize: DefaultQueueSize}
	for i := range s.shards {
		s.shards[i] = &shard{
			tasks: make(map[string]*a2a.Task),
			subs:  make(map[string][]*Subscriber),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put upserts the task by id. The input is copied; callers keep ownership of
// their value. If the stored record is terminal the put is rejected with
// ErrTaskTerminal and the stored value is untouched. On success every
// subscriber of the id receives a task update.
func (s *Store) Put(task *a2a.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidTask
	}
	sh := s.shardFor(task.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.tasks[task.ID]; ok && cur.Status.State.IsTerminal() {
		return ErrTaskTerminal
	}
	stored := task.Clone()
	sh.tasks[task.ID] = stored

	snap := stored.Clone()
	s.broadcastLocked(sh, task.ID, Update{
		Task:     snap,
		Response: &a2a.StreamResponse{Task: snap},
		Terminal: snap.Status.State.IsTerminal(),
	})
	return nil
}

// Get returns a snapshot of the record or ErrTaskNotFound.
func (s *Store) Get(id string) (*a2a.Task, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	task, ok := sh.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Subscribe atomically attaches a new subscriber for id and returns a
// snapshot of the current record. If the task does not exist, no attachment
// is made and ErrTaskNotFound is returned.
func (s *Store) Subscribe(id string) (*a2a.Task, *Subscriber, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	task, ok := sh.tasks[id]
	if !ok {
		return nil, nil, ErrTaskNotFound
	}
	sub := newSubscriber(s.queueSize)
	sh.subs[id] = append(sh.subs[id], sub)
	return task.Clone(), sub, nil
}

// Unsubscribe detaches sub from id and closes it. No error if absent.
func (s *Store) Unsubscribe(id string, sub *Subscriber) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	subs := sh.subs[id]
	for i, cur := range subs {
		if cur == sub {
			sh.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(sh.subs[id]) == 0 {
		delete(sh.subs, id)
	}
	sh.mu.Unlock()
	sub.Close()
}

// ApplyStatusUpdate merges status into the record's status under the
// terminal-state rule and broadcasts a status update.
func (s *Store) ApplyStatusUpdate(id string, status a2a.TaskStatus) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	task, ok := sh.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.State.IsTerminal() {
		return ErrTaskTerminal
	}

	if status.Timestamp == nil {
		now := time.Now().UTC()
		status.Timestamp = &now
	}
	if status.Message == nil {
		status.Message = task.Status.Message
	}
	task.Status = status

	snap := task.Clone()
	terminal := status.State.IsTerminal()
	s.broadcastLocked(sh, id, Update{
		Task: snap,
		Response: &a2a.StreamResponse{StatusUpdate: &a2a.TaskStatusUpdateEvent{
			TaskID:    id,
			ContextID: task.ContextID,
			Status:    status,
			Final:     terminal,
		}},
		Terminal: terminal,
	})
	return nil
}

// ApplyArtifactUpdate appends the artifact to the record and broadcasts an
// artifact update. Terminal tasks reject the append.
func (s *Store) ApplyArtifactUpdate(id string, artifact a2a.Artifact) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	task, ok := sh.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.State.IsTerminal() {
		return ErrTaskTerminal
	}
	task.Artifacts = append(task.Artifacts, artifact)

	snap := task.Clone()
	s.broadcastLocked(sh, id, Update{
		Task: snap,
		Response: &a2a.StreamResponse{ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
			TaskID:    id,
			ContextID: task.ContextID,
			Artifact:  artifact,
			Append:    true,
		}},
	})
	return nil
}

// List returns snapshots of tasks matching the filters, ordered by id.
// Empty contextID/agentID match everything; limit 0 means no limit.
func (s *Store) List(contextID, agentID string, limit, offset int) []*a2a.Task {
	var matched []*a2a.Task
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, task := range sh.tasks {
			if contextID != "" && task.ContextID != contextID {
				continue
			}
			if agentID != "" && task.AgentID != agentID {
				continue
			}
			matched = append(matched, task.Clone())
		}
		sh.mu.Unlock()
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// broadcastLocked delivers u to every subscriber of id. Caller holds sh.mu,
// which is what gives subscribers of one id a single observed order. Pushes
// never block; saturation drops the subscriber's oldest pending update.
func (s *Store) broadcastLocked(sh *shard, id string, u Update) {
	for _, sub := range sh.subs[id] {
		if sub.push(u) {
			s.bus.Emit(telemetry.EventSubscriberLag,
				map[string]int64{"dropped": 1},
				map[string]string{telemetry.KeyTaskID: id})
		}
	}
}
