// Package a2a provides A2A (Agent-to-Agent) client types and the transport
// contract used to invoke remote agents over JSON-RPC 2.0. Callers adapt
// transport-specific clients (HTTP, SSE) to the unified Caller interface
// consumed by the registry's remote agent invoker.
package a2a

import (
	"context"

	"github.com/lucia-home/lucia/runtime/a2a/types"
)

const (
	// JSON-RPC canonical error codes per the JSON-RPC 2.0 spec.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// App-level error codes returned in the JSON-RPC error's Data field once the
// envelope itself validated but the orchestrator workflow failed.
const (
	ErrRouterFailure = "ROUTER_FAILURE"
	ErrAgentTimeout  = "AGENT_TIMEOUT"
	ErrWorkflowError = "WORKFLOW_ERROR"
	ErrUnsupportedOp = "UNSUPPORTED_OPERATION"
	ErrTaskNotFound  = "TASK_NOT_FOUND"
	ErrTaskNotCancel = "TASK_NOT_CANCELABLE"
)

// Caller invokes a remote agent's message/send method on behalf of the
// registry's remote invoker. It is implemented by transport-specific clients
// (HTTP JSON-RPC today; SSE streaming is reserved for message/stream).
type Caller interface {
	SendMessage(ctx context.Context, params types.MessageSendParams) (*types.Message, error)
}

// Error represents a JSON-RPC error returned by an A2A server.
type Error struct {
	Code    int
	Message string
	Data    map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
