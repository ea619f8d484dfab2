// Package a2a defines the wire types and protocol adapters used by the
// gateway to talk JSON-RPC 2.0 with clients and remote agents. The package is
// protocol-plumbing only: it knows how to encode an Envelope onto the wire and
// decode wire payloads back, but carries no routing or worker state.
package a2a

import (
	"encoding/json"
	"time"
)

// TaskState represents the lifecycle state of an A2A task.
type TaskState string

// Task lifecycle states. The last four are terminal.
const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
)

// terminalStates are states from which no further mutation is allowed.
var terminalStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateFailed:    true,
	TaskStateCanceled:  true,
	TaskStateRejected:  true,
}

// IsTerminal reports whether s is a terminal task state.
func (s TaskState) IsTerminal() bool { return terminalStates[s] }

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is a single content part of a message or artifact.
type Part struct {
	Text      *string        `json:"text,omitempty"`
	URL       *string        `json:"url,omitempty"`
	Raw       []byte         `json:"raw,omitempty"`
	MediaType string         `json:"mediaType,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is a user or agent message.
type Message struct {
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus captures the current state of a task plus an optional agent
// message explaining it.
type TaskStatus struct {
	State     TaskState  `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Artifact is a unit of task output.
type Artifact struct {
	ArtifactID string         `json:"artifactId"`
	Name       string         `json:"name,omitempty"`
	Parts      []Part         `json:"parts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task is the gateway's record of a remote agent task.
type Task struct {
	ID        string          `json:"id"`
	ContextID string          `json:"contextId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Status    TaskStatus      `json:"status"`
	Message   *Message        `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy of the task for handing to subscribers:
// top-level fields are copied and the artifact slice is duplicated so callers
// cannot mutate the stored record through the snapshot.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(t.Artifacts))
		copy(c.Artifacts, t.Artifacts)
	}
	return &c
}

// TaskStatusUpdateEvent is emitted when a task's status changes.
type TaskStatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final,omitempty"`
}

// TaskArtifactUpdateEvent is emitted when a task produces an artifact.
type TaskArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
}

// StreamResponse is the payload delivered to webhook endpoints and SSE
// subscribers. Exactly one field is non-nil.
type StreamResponse struct {
	Task           *Task                    `json:"task,omitempty"`
	StatusUpdate   *TaskStatusUpdateEvent   `json:"statusUpdate,omitempty"`
	ArtifactUpdate *TaskArtifactUpdateEvent `json:"artifactUpdate,omitempty"`
}

// TaskID extracts the task id from whichever arm of the union is set.
// Returns "" when none carries one.
func (r *StreamResponse) TaskID() string {
	switch {
	case r == nil:
		return ""
	case r.Task != nil:
		return r.Task.ID
	case r.StatusUpdate != nil:
		return r.StatusUpdate.TaskID
	case r.ArtifactUpdate != nil:
		return r.ArtifactUpdate.TaskID
	}
	return ""
}

// AgentSkill describes one skill advertised on an agent card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// AgentCard is the discovery document served by agents at
// /.well-known/agent.json. The gateway caches it opaquely per agent.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	URL                string       `json:"url,omitempty"`
	Version            string       `json:"version,omitempty"`
	DefaultInputModes  []string     `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty"`
	Skills             []AgentSkill `json:"skills,omitempty"`
}

// PushAuth configures authentication for webhook deliveries. Zero value means
// unauthenticated POSTs.
type PushAuth struct {
	Token          string `json:"token,omitempty"`
	HMACSecret     string `json:"hmacSecret,omitempty"`
	JWTSecret      string `json:"jwtSecret,omitempty"`
	JWTIssuer      string `json:"jwtIssuer,omitempty"`
	JWTAudience    string `json:"jwtAudience,omitempty"`
	JWTKid         string `json:"jwtKid,omitempty"`
	JWTTTLSeconds  int    `json:"jwtTtlSeconds,omitempty"`
	JWTSkewSeconds int    `json:"jwtSkewSeconds,omitempty"`
}

// PushConfig attaches a webhook endpoint to a task. Every update for the task
// is delivered to URL with the configured authentication.
type PushConfig struct {
	ID     string   `json:"id"`
	TaskID string   `json:"taskId"`
	URL    string   `json:"url"`
	Auth   PushAuth `json:"auth,omitempty"`
}
