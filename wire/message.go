// Package wire implements the JSON-RPC 2.0 client protocol spoken to remote
// agent servers: a bidirectional WebSocket transport with request/response
// correlation, an HTTP fallback executor, and a connection pool.
package wire

import "encoding/json"

// Version is the JSON-RPC protocol version carried on every envelope.
const Version = "2.0"

// Request methods.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
	MethodExecute    = "execute"
)

// Notification methods emitted by the server during an execution. All carry
// an executionId field used for routing to the originating request.
const (
	NotifyOutput     = "execution/output"
	NotifyProgress   = "execution/progress"
	NotifyToolCall   = "execution/tool_call"
	NotifyToolResult = "execution/tool_result"
	NotifyFileChange = "execution/file_change"
)

// Envelope is a JSON-RPC 2.0 message: request, response, or notification.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	// any: JSON-RPC 2.0 allows ID to be string, number, or null. Requests we
	// originate always use an increasing integer; the decoder normalizes.
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InitializeParams identifies this client during the handshake.
type InitializeParams struct {
	ClientName string `json:"clientName"`
	Version    string `json:"version"`
}

// InitializeResult is the server's handshake response.
type InitializeResult struct {
	ServerName   string     `json:"serverName"`
	Version      string     `json:"version"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Tools        []ToolInfo `json:"tools,omitempty"`
}

// ToolInfo describes a tool exposed by the remote server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// any: tool input schemas are free-form JSON Schema documents
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CallToolParams invokes a named tool on the remote server.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ListToolsResult is the response to tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ExecuteRequest asks the remote server to run a prompt on an agent.
type ExecuteRequest struct {
	ExecutionID    string            `json:"executionId"`
	AgentID        string            `json:"agentId"`
	Prompt         string            `json:"prompt"`
	Context        map[string]string `json:"context,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// ExecutionResult is the terminal outcome of an execute request.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}

// Notification payload shapes. Every notification repeats the executionId so
// the client can route it without consulting connection state.

// OutputChunk is a streamed slice of agent output.
type OutputChunk struct {
	ExecutionID string `json:"executionId"`
	Content     string `json:"content"`
}

// Progress reports coarse execution progress.
type Progress struct {
	ExecutionID string  `json:"executionId"`
	Stage       string  `json:"stage,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
}

// ToolCallEvent reports the agent invoking a tool mid-execution.
type ToolCallEvent struct {
	ExecutionID string          `json:"executionId"`
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultEvent reports a tool call finishing.
type ToolResultEvent struct {
	ExecutionID string          `json:"executionId"`
	Tool        string          `json:"tool"`
	Result      json.RawMessage `json:"result,omitempty"`
	IsError     bool            `json:"isError,omitempty"`
}

// FileChangeEvent reports the agent modifying a file.
type FileChangeEvent struct {
	ExecutionID string `json:"executionId"`
	Path        string `json:"path"`
	Kind        string `json:"kind,omitempty"` // created, modified, deleted
}

// executionID extracts the routing key from a notification payload without
// decoding the full shape.
func executionID(params json.RawMessage) string {
	var probe struct {
		ExecutionID string `json:"executionId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.ExecutionID
}
