package a2a

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StreamFrame is the decoded form of one SSE data payload. Exactly one field
// group is populated:
//   - Result for a successful frame carrying a result object,
//   - NotifyMethod/NotifyParams for a notification frame,
//   - Err for an error frame.
type StreamFrame struct {
	Result       map[string]json.RawMessage
	NotifyMethod string
	NotifyParams json.RawMessage
	Err          *JSONRPCError
}

// Adapter translates between the canonical Envelope and one wire protocol
// version. Implementations must be pure: no I/O, no shared mutable state.
type Adapter interface {
	// Protocol and Version identify the adapter in the registry.
	Protocol() string
	Version() string

	// WireMethod maps a canonical method to its wire name. Unregistered
	// methods return ok=false.
	WireMethod(m Method) (string, bool)
	// CanonicalMethod maps a wire method name to its canonical tag.
	// Unknown names map to MethodUnknown with ok=false.
	CanonicalMethod(wire string) (Method, bool)

	// EncodeRequest produces the JSON-RPC request body for the envelope.
	EncodeRequest(env *Envelope, rpcID any) ([]byte, error)
	// DecodeResponse parses a unary JSON-RPC response body into a task.
	DecodeResponse(body []byte) (*Task, error)
	// DecodeStreamEvent parses one SSE data payload.
	DecodeStreamEvent(payload []byte) (StreamFrame, error)
}

var (
	adaptersMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

func adapterKey(protocol, version string) string {
	return protocol + "/" + version
}

// RegisterAdapter installs an adapter for its (protocol, version) pair.
// Later registrations for the same pair replace earlier ones.
func RegisterAdapter(a Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[adapterKey(a.Protocol(), a.Version())] = a
}

// LookupAdapter returns the adapter for (protocol, version). An empty
// protocol selects the default A2A adapter.
func LookupAdapter(protocol, version string) (Adapter, error) {
	if protocol == "" {
		protocol = ProtocolA2A
	}
	if version == "" {
		version = VersionA2ADefault
	}
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	a, ok := adapters[adapterKey(protocol, version)]
	if !ok {
		return nil, fmt.Errorf("a2a: no adapter for protocol %q version %q", protocol, version)
	}
	return a, nil
}

// Adapters lists the registered (protocol, version) pairs in stable order.
func Adapters() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	keys := make([]string, 0, len(adapters))
	for k := range adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Protocol identifiers.
const (
	ProtocolA2A       = "a2a"
	VersionA2ADefault = "1"
)

// a2aAdapter is the default adapter speaking the A2A dotted wire methods.
// Slash-style spellings ("message/send") are accepted on ingress and
// normalized; the dotted form is always emitted.
type a2aAdapter struct{}

func init() { RegisterAdapter(a2aAdapter{}) }

var a2aWireMethods = map[Method]string{
	MethodSendMessage:   "message.send",
	MethodStreamMessage: "message.stream",
	MethodGetTask:       "tasks.get",
	MethodListTasks:     "tasks.list",
	MethodCancelTask:    "tasks.cancel",
	MethodSubscribeTask: "tasks.subscribe",
}

var a2aCanonicalMethods = func() map[string]Method {
	m := make(map[string]Method, 2*len(a2aWireMethods))
	for canon, wire := range a2aWireMethods {
		m[wire] = canon
		m[strings.ReplaceAll(wire, ".", "/")] = canon
	}
	return m
}()

func (a2aAdapter) Protocol() string { return ProtocolA2A }
func (a2aAdapter) Version() string  { return VersionA2ADefault }

func (a2aAdapter) WireMethod(m Method) (string, bool) {
	wire, ok := a2aWireMethods[m]
	return wire, ok
}

func (a2aAdapter) CanonicalMethod(wire string) (Method, bool) {
	if m, ok := a2aCanonicalMethods[wire]; ok {
		return m, true
	}
	return MethodUnknown, false
}

// EncodeRequest builds the upstream JSON-RPC body. The envelope's payload map
// is carried over verbatim; message, taskId, contextId and metadata are set
// from the envelope when present, overriding payload entries of the same name.
func (a a2aAdapter) EncodeRequest(env *Envelope, rpcID any) ([]byte, error) {
	wire := env.WireMethod
	if env.Method != MethodUnknown {
		w, ok := a.WireMethod(env.Method)
		if !ok {
			return nil, fmt.Errorf("a2a: method %q not registered", env.Method)
		}
		wire = w
	}
	if wire == "" {
		return nil, fmt.Errorf("a2a: envelope has no wire method")
	}

	params := make(map[string]json.RawMessage, len(env.Payload)+4)
	for k, v := range env.Payload {
		params[k] = v
	}
	if env.Message != nil {
		raw, err := json.Marshal(env.Message)
		if err != nil {
			return nil, fmt.Errorf("a2a: marshal message: %w", err)
		}
		params["message"] = raw
	}
	if env.TaskID != "" {
		params["taskId"] = mustRaw(env.TaskID)
	}
	if env.ContextID != "" {
		params["contextId"] = mustRaw(env.ContextID)
	}
	if len(env.Metadata) > 0 {
		raw, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, fmt.Errorf("a2a: marshal metadata: %w", err)
		}
		params["metadata"] = raw
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal params: %w", err)
	}
	return json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      rpcID,
		Method:  wire,
		Params:  paramsRaw,
	})
}

// DecodeResponse parses a unary response. A JSON-RPC error becomes the
// returned error; otherwise the result is decoded as a Task.
func (a2aAdapter) DecodeResponse(body []byte) (*Task, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("a2a: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var task Task
	if err := json.Unmarshal(resp.Result, &task); err != nil {
		return nil, fmt.Errorf("a2a: decode result: %w", err)
	}
	return &task, nil
}

// DecodeStreamEvent parses one SSE payload. Payloads may be bare result
// objects or full JSON-RPC wrappers; both are accepted.
func (a2aAdapter) DecodeStreamEvent(payload []byte) (StreamFrame, error) {
	var wrapper struct {
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Error  *JSONRPCError   `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return StreamFrame{}, fmt.Errorf("a2a: decode stream event: %w", err)
	}
	switch {
	case wrapper.Error != nil:
		return StreamFrame{Err: wrapper.Error}, nil
	case wrapper.Method != "":
		return StreamFrame{NotifyMethod: wrapper.Method, NotifyParams: wrapper.Params}, nil
	}

	raw := payload
	if len(wrapper.Result) > 0 {
		raw = wrapper.Result
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StreamFrame{}, fmt.Errorf("a2a: decode stream result: %w", err)
	}
	return StreamFrame{Result: fields}, nil
}

// ClassifyStreamResult interprets a decoded result object as a task update.
// It discriminates by field presence, mirroring the event shapes agents emit:
// an "artifact" field marks an artifact update, a "status" field with a
// "taskId" marks a status update, and an "id" field marks a full task.
func ClassifyStreamResult(fields map[string]json.RawMessage) (*StreamResponse, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["artifact"]; ok {
		var evt TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("a2a: decode artifact update: %w", err)
		}
		return &StreamResponse{ArtifactUpdate: &evt}, nil
	}
	if _, ok := fields["status"]; ok {
		if _, hasID := fields["id"]; !hasID {
			var evt TaskStatusUpdateEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return nil, fmt.Errorf("a2a: decode status update: %w", err)
			}
			return &StreamResponse{StatusUpdate: &evt}, nil
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("a2a: decode task: %w", err)
		}
		return &StreamResponse{Task: &task}, nil
	}
	return nil, fmt.Errorf("a2a: stream result is not a task update")
}

func mustRaw(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
