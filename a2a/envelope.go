package a2a

import "encoding/json"

// Method is a canonical method tag, independent of any wire protocol. The set
// is closed; adapters map wire method names onto it and back. Unknown wire
// methods map to MethodUnknown and are forwarded verbatim.
type Method string

// Canonical methods.
const (
	MethodUnknown       Method = "unknown"
	MethodSendMessage   Method = "send_message"
	MethodStreamMessage Method = "stream_message"
	MethodGetTask       Method = "get_task"
	MethodListTasks     Method = "list_tasks"
	MethodCancelTask    Method = "cancel_task"
	MethodSubscribeTask Method = "subscribe_task"
)

// Envelope is the protocol-agnostic in-process request object. It is the only
// value passed between components after protocol decoding and before protocol
// encoding.
type Envelope struct {
	// Protocol and Version select the adapter used to encode the request
	// onto the wire.
	Protocol string
	Version  string

	// Method is the canonical method tag.
	Method Method
	// WireMethod holds the original wire method name when Method is
	// MethodUnknown, so the request can be forwarded transparently.
	WireMethod string

	TaskID    string
	ContextID string
	AgentID   string
	Message   *Message
	// Payload carries the raw request params for the adapter to encode.
	Payload  map[string]json.RawMessage
	Metadata map[string]any

	// RPCID is the client's JSON-RPC request id, echoed on responses and
	// stream frames.
	RPCID any

	// Webhook optionally names a per-request push target that receives every
	// update for the resulting task.
	Webhook *PushConfig
}
