// Package lucia defines the domain types shared across the orchestration
// pipeline: agent cards, routing decisions, normalized agent responses,
// per-conversation context, and the observer event stream. Component
// packages (router, executor, aggregator, orchestrator, registry) all build
// on these types rather than defining their own copies.
package lucia

import (
	"context"
	"time"
)

// AgentCard is the immutable description of an agent known to the registry.
// Cards are created when a plugin registers at startup or when a remote
// card is fetched from another orchestrator instance, and are replaced
// wholesale on re-registration.
type AgentCard struct {
	// ID is stable and unique within the registry.
	ID string
	// Name is the human-readable agent name.
	Name string
	// Description explains what the agent does, used in routing prompts.
	Description string
	// URL is the agent's endpoint: empty/logical for local agents, absolute
	// for remote A2A agents. A non-empty URL is what distinguishes a remote
	// card from a local one.
	URL string
	// Capabilities is the tag set used by findByCapability.
	Capabilities []string
	// Version is the agent implementation version.
	Version string
}

// IsRemote reports whether this card should be resolved to a remote A2A
// invoker rather than a local in-process one.
func (c AgentCard) IsRemote() bool {
	return c.URL != ""
}

// HasCapability reports whether the card declares the given capability tag.
func (c AgentCard) HasCapability(tag string) bool {
	for _, t := range c.Capabilities {
		if t == tag {
			return true
		}
	}
	return false
}

// InvokeRequest carries everything a wrapper needs to invoke one agent for
// one turn of a conversation.
type InvokeRequest struct {
	// AgentID identifies the target agent; must match the card used to
	// resolve this invoker.
	AgentID string
	// Instruction is the focused sub-prompt the router extracted for this
	// agent from the original user message.
	Instruction string
	// SessionID is the stable conversation identifier (OrchestrationContext.SessionID).
	SessionID string
	// ThreadHandle is the opaque thread/session handle previously returned
	// by this agent's invoker for this SessionID, or empty on first use.
	ThreadHandle string
}

// AgentResponse is the normalized result of invoking one agent.
type AgentResponse struct {
	// AgentID identifies which agent produced this response.
	AgentID string
	// Content is the agent's reply text; may be empty on failure.
	Content string
	// Success reports whether the invocation succeeded. Success implies
	// ErrorMessage == "" and vice versa.
	Success bool
	// ErrorMessage is set iff Success is false.
	ErrorMessage string
	// ExecutionTimeMs is the observed wall-clock time of the invocation,
	// including timeouts.
	ExecutionTimeMs int64
	// NeedsInput reports whether the agent is asking a clarifying question.
	NeedsInput bool
	// ThreadHandle is the (possibly new) thread handle to persist back into
	// OrchestrationContext.AgentThreads for this agent/session pair. Only
	// meaningful for local invokers.
	ThreadHandle string
}

// NewFailureResponse builds an AgentResponse for a failed invocation,
// maintaining the Success/ErrorMessage invariant.
func NewFailureResponse(agentID, errMsg string, elapsed time.Duration) AgentResponse {
	return AgentResponse{
		AgentID:         agentID,
		Success:         false,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// Invoker is the capability set for calling one agent and producing an
// AgentResponse. Local and remote variants implement this same contract;
// Invoke must never panic and must never return a non-nil error for
// ordinary agent-level failure — those are reported via AgentResponse.
// Invoke returns an error only to propagate caller-initiated cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (AgentResponse, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (AgentResponse, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (AgentResponse, error) {
	return f(ctx, req)
}

// AgentChoice is the router's per-request decision. It is constructed fresh
// for each request and discarded after aggregation; only its effects
// (which agents ran, with what instructions) are recorded in the trace.
type AgentChoice struct {
	// AgentID is the primary agent selected; must resolve in the registry.
	AgentID string
	// AdditionalAgents lists further agents to fan out to, in declaration
	// order. May be empty.
	AdditionalAgents []string
	// Instructions maps agent id to its focused sub-prompt.
	Instructions map[string]string
	// Confidence is the router's confidence in [0,1].
	Confidence float64
	// Reasoning is free text the router produced, kept for observability.
	Reasoning string
	// Parallel indicates fan-out mode: true runs agents concurrently, false
	// runs them sequentially. Chosen by the router for "routine" scenarios.
	Parallel bool
	// NeedsClarification marks a low-confidence routing decision. The
	// orchestrator then dispatches no agents and returns Reasoning as the
	// reply with NeedsInput set; the aggregator is not involved.
	NeedsClarification bool
}

// Agents returns the full ordered agent list: primary first, then each
// additional agent in declaration order.
func (c AgentChoice) Agents() []string {
	out := make([]string, 0, 1+len(c.AdditionalAgents))
	out = append(out, c.AgentID)
	out = append(out, c.AdditionalAgents...)
	return out
}

// TaskState enumerates the orchestrator-level lifecycle of a request's task.
type TaskState string

const (
	// TaskStateFresh marks a context created for this request (no taskId,
	// or taskId supplied but nothing found in the task store).
	TaskStateFresh TaskState = "fresh"
	// TaskStateResumed marks a context loaded from a previously persisted
	// TaskPersistenceRecord.
	TaskStateResumed TaskState = "resumed"
	// TaskStateCompleted marks a resumed task whose workflow finished
	// without raising NeedsInput on this turn.
	TaskStateCompleted TaskState = "completed"
)

// HistoryTurn is one exchange recorded in OrchestrationContext.History.
type HistoryTurn struct {
	MessageID string
	Role      string
	Text      string
	Timestamp time.Time
}

// OrchestrationContext is the per-conversation state blob threaded through
// the workflow graph for a single request and, for long-running tasks,
// persisted to the task store between requests.
type OrchestrationContext struct {
	// SessionID is stable across turns of the same conversation.
	SessionID string
	// TaskID is set when the caller is resuming a long-running workflow.
	TaskID string
	// History is the bounded list of prior turns, oldest first.
	History []HistoryTurn
	// MaxHistory caps History's length; oldest entries are evicted beyond it.
	MaxHistory int
	// AgentThreads maps agent id to the opaque thread handle owned by that
	// agent's invoker.
	AgentThreads map[string]string
	// PreviousAgentID enables conversation handoff across turns.
	PreviousAgentID string
	// StateBag is an extension slot for future fields, serialized as JSON.
	StateBag map[string]any
	// SeenMessageIDs lets the orchestrator detect replayed turns (S8:
	// idempotent turn append).
	SeenMessageIDs map[string]string
}

// NewOrchestrationContext constructs a fresh context for sessionID with the
// given history cap.
func NewOrchestrationContext(sessionID string, maxHistory int) *OrchestrationContext {
	return &OrchestrationContext{
		SessionID:      sessionID,
		MaxHistory:     maxHistory,
		AgentThreads:   make(map[string]string),
		StateBag:       make(map[string]any),
		SeenMessageIDs: make(map[string]string),
	}
}

// AppendTurn records a new turn, evicting the oldest entries beyond MaxHistory.
func (c *OrchestrationContext) AppendTurn(turn HistoryTurn) {
	c.History = append(c.History, turn)
	if c.MaxHistory > 0 && len(c.History) > c.MaxHistory {
		c.History = c.History[len(c.History)-c.MaxHistory:]
	}
}

// SeenMessage returns the previously recorded reply text for messageID, and
// whether this message was already processed for this context.
func (c *OrchestrationContext) SeenMessage(messageID string) (string, bool) {
	reply, ok := c.SeenMessageIDs[messageID]
	return reply, ok
}

// RememberMessage records messageID's reply text so replays of the same
// (messageId, sessionId) return the same reply without re-running the graph.
func (c *OrchestrationContext) RememberMessage(messageID, reply string) {
	if c.SeenMessageIDs == nil {
		c.SeenMessageIDs = make(map[string]string)
	}
	c.SeenMessageIDs[messageID] = reply
}

// LiveEventType enumerates the lifecycle transitions an observer can see.
type LiveEventType string

const (
	LiveEventRequestStart    LiveEventType = "requestStart"
	LiveEventRouting         LiveEventType = "routing"
	LiveEventAgentStart      LiveEventType = "agentStart"
	LiveEventToolCall        LiveEventType = "toolCall"
	LiveEventToolResult      LiveEventType = "toolResult"
	LiveEventAgentComplete   LiveEventType = "agentComplete"
	LiveEventRequestComplete LiveEventType = "requestComplete"
	LiveEventError           LiveEventType = "error"
)

// LiveEvent is an observability event emitted at each lifecycle transition
// and published into the bounded observer channel.
type LiveEvent struct {
	Type         LiveEventType
	AgentName    string
	ToolName     string
	State        string
	IsRemote     bool
	Confidence   *float64
	DurationMs   *int64
	ErrorMessage string
	Timestamp    time.Time
}

// OrchestratorResult is returned from ProcessRequest and mirrors the
// JSON-RPC success response's metadata.
type OrchestratorResult struct {
	Text            string
	NeedsInput      bool
	AgentsUsed      []string
	ExecutionTimeMs int64
	TaskState       TaskState
}
