// Package types defines the A2A protocol data types used for message
// exchange, task lifecycle, and agent discovery. Field names use camelCase
// JSON tags to conform to the A2A protocol specification.
//
//nolint:tagliatelle // A2A protocol specification requires camelCase JSON field names
package types

import "encoding/json"

// MessageSendParams is the request payload for message/send and
// message/stream. It carries the message to deliver and, when resuming a
// long-running workflow, the taskId to resume.
type MessageSendParams struct {
	// Message is the message to deliver to the agent.
	Message Message `json:"message"`
}

// GetTaskParams is the request payload for tasks/get.
type GetTaskParams struct {
	// ID is the identifier of the task to retrieve.
	ID string `json:"id"`
}

// CancelTaskParams is the request payload for tasks/cancel.
type CancelTaskParams struct {
	// ID is the identifier of the task to cancel.
	ID string `json:"id"`
}

// Message represents a single A2A message exchanged between a caller and an
// agent. Kind is always "message"; Role distinguishes who produced it.
type Message struct {
	// Kind is always "message".
	Kind string `json:"kind"`
	// Role is the message role: "user" or "assistant".
	Role string `json:"role"`
	// Parts are the ordered content parts that make up the message. At
	// least one part, typically text, is required.
	Parts []Part `json:"parts"`
	// MessageID uniquely identifies this message.
	MessageID string `json:"messageId"`
	// ContextID identifies the conversation this message belongs to.
	ContextID string `json:"contextId,omitempty"`
	// TaskID, when present, resumes a previously persisted long-running task.
	TaskID string `json:"taskId,omitempty"`
	// Metadata carries response-side annotations such as agents_used,
	// execution_time_ms, and task_state. Unset on requests.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PartKind enumerates the supported Part.Kind values.
type PartKind string

const (
	// PartKindText marks a Part carrying plain text content.
	PartKindText PartKind = "text"
	// PartKindFile marks a Part carrying a file reference.
	PartKindFile PartKind = "file"
	// PartKindData marks a Part carrying an arbitrary structured payload.
	PartKindData PartKind = "data"
)

// Part represents one content part of a Message. Exactly one of Text, File,
// or Data is populated depending on Kind.
type Part struct {
	// Kind identifies the part variant: "text", "file", or "data".
	Kind PartKind `json:"kind"`
	// Text is the textual content when Kind == PartKindText.
	Text string `json:"text,omitempty"`
	// MIMEType is the MIME type when Kind == PartKindFile.
	MIMEType string `json:"mimeType,omitempty"`
	// URI is the file URI when Kind == PartKindFile.
	URI string `json:"uri,omitempty"`
	// Data is the structured payload when Kind == PartKindData.
	Data json.RawMessage `json:"data,omitempty"`
}

// TaskState enumerates the canonical A2A task lifecycle states.
type TaskState string

const (
	// TaskStateSubmitted marks a task accepted but not yet started.
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateWorking marks a task actively being processed.
	TaskStateWorking TaskState = "working"
	// TaskStateInputRequired marks a task paused pending clarifying input.
	TaskStateInputRequired TaskState = "input_required"
	// TaskStateCompleted marks a task that finished successfully.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed marks a task that finished with an error.
	TaskStateFailed TaskState = "failed"
	// TaskStateCanceled marks a task the caller canceled.
	TaskStateCanceled TaskState = "canceled"
)

// Task is the denormalized view returned by tasks/get: the current status
// plus the message history accumulated so far.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// ContextID is the conversation the task belongs to.
	ContextID string `json:"contextId,omitempty"`
	// Status is the most recent task status snapshot.
	Status TaskStatus `json:"status"`
	// History contains the ordered message history for the task.
	History []Message `json:"history,omitempty"`
	// Metadata holds implementation-defined task metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskStatus represents the status of an A2A task at a point in time.
type TaskStatus struct {
	// State is the canonical task state.
	State TaskState `json:"state"`
	// Message is an optional human-readable status message.
	Message *Message `json:"message,omitempty"`
	// Timestamp is an RFC3339 timestamp for the status update.
	Timestamp string `json:"timestamp,omitempty"`
}

// AgentCard represents the A2A agent discovery document returned at
// /.well-known/agent.json.
type AgentCard struct {
	// ProtocolVersion is the A2A protocol version supported by the agent.
	ProtocolVersion string `json:"protocolVersion"`
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Description is an optional human-readable description of the agent.
	Description string `json:"description,omitempty"`
	// URL is the base URL where the agent is hosted.
	URL string `json:"url"`
	// Version is the agent implementation version.
	Version string `json:"version"`
	// Capabilities captures optional agent capabilities and extensions.
	Capabilities map[string]any `json:"capabilities,omitempty"`
	// DefaultInputModes lists the default supported input content modes.
	DefaultInputModes []string `json:"defaultInputModes,omitempty"`
	// DefaultOutputModes lists the default supported output content modes.
	DefaultOutputModes []string `json:"defaultOutputModes,omitempty"`
	// Skills enumerates the skills/capability tags exposed by the agent.
	Skills []Skill `json:"skills"`
	// SecuritySchemes defines the security schemes supported by the agent.
	SecuritySchemes map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
}

// Skill represents an A2A skill within an AgentCard.
type Skill struct {
	// ID is the unique identifier for the skill within the agent.
	ID string `json:"id"`
	// Name is the human-readable skill name.
	Name string `json:"name"`
	// Description is an optional human-readable description of the skill.
	Description string `json:"description,omitempty"`
	// Tags are optional labels describing the skill; these double as the
	// capability tags used by capability-based agent lookup.
	Tags []string `json:"tags,omitempty"`
}

// SecurityScheme represents a single security scheme definition in the
// AgentCard. It is intentionally minimal and closely aligned with the A2A
// security profile.
type SecurityScheme struct {
	// Type is the security scheme type ("http", "apiKey", or "oauth2").
	Type string `json:"type"`
	// Scheme is the HTTP authentication scheme when Type == "http".
	Scheme string `json:"scheme,omitempty"`
	// In is the API key location when Type == "apiKey".
	In string `json:"in,omitempty"`
	// Name is the API key parameter name when Type == "apiKey".
	Name string `json:"name,omitempty"`
}

// FirstText returns the text of the first text part in the message, and
// whether one was found.
func (m Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			return p.Text, true
		}
	}
	return "", false
}

// NewTextMessage builds a single-part text Message with the given role.
func NewTextMessage(role, messageID, contextID, text string) Message {
	return Message{
		Kind:      "message",
		Role:      role,
		Parts:     []Part{{Kind: PartKindText, Text: text}},
		MessageID: messageID,
		ContextID: contextID,
	}
}
