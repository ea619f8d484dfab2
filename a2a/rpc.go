package a2a

import "encoding/json"

// JSON-RPC 2.0 error codes emitted by the gateway. The -326xx and -327xx
// values are the standard JSON-RPC codes; the -320xx range is gateway-specific.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeParseError     = -32700

	CodeAgentNotFound  = -32001
	CodeCircuitOpen    = -32002
	CodeAgentOverload  = -32003
	CodeTaskNotFound   = -32004
	CodeTimeout        = -32098
	CodeRemoteError    = -32099
	CodeInvalidRemote  = -32700
)

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a JSON-RPC 2.0 response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewResponse builds a success response wrapping result, which must marshal
// cleanly (the gateway only passes types it owns).
func NewResponse(id, result any) JSONRPCResponse {
	raw, _ := json.Marshal(result)
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewErrorResponse builds an error response with the given code and message.
func NewErrorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
