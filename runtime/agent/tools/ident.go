// Package tools provides strong type identifiers and runtime-owned sentinel
// tools used by the provider-agnostic model layer (runtime/agent/model) and
// its provider adapters.
package tools

// Ident is the strong type for fully qualified tool identifiers
// (e.g., "service.toolset.tool"). Use this type when referencing
// tools in maps or APIs to avoid accidental mixing with free-form strings.
type Ident string

// String returns the identifier as a plain string.
func (i Ident) String() string { return string(i) }

// ToolUnavailable is a runtime-owned tool used to represent model tool calls
// that reference a tool name outside the current request's tool
// configuration (for example, a hallucinated or stale name). The Anthropic
// adapter substitutes this identifier so the call still round-trips as a
// valid tool_use block instead of failing to encode; the Bedrock adapter
// rejects such a call with an error instead.
const ToolUnavailable Ident = "runtime.tool_unavailable"
