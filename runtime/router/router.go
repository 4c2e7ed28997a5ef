// Package router implements the RouterExecutor: given a user message, a
// registry snapshot, and conversation history, it asks a chat model to
// produce an AgentChoice and validates/repairs the result before handing it
// to the orchestrator's fan-out stage.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/lucia-home/lucia/runtime/agent/model"
	"github.com/lucia-home/lucia/runtime/agent/telemetry"
	"github.com/lucia-home/lucia/runtime/lucia"
)

const agentChoiceSchemaJSON = `{
  "type": "object",
  "required": ["agentId", "confidence", "instructions"],
  "properties": {
    "agentId": {"type": "string", "minLength": 1},
    "additionalAgents": {"type": "array", "items": {"type": "string"}},
    "instructions": {"type": "object", "additionalProperties": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "parallel": {"type": "boolean"}
  }
}`

// Config tunes the RouterExecutor's retry/fallback/threshold behavior.
// cmd/lucia sets RoutingConfidenceThreshold and MaxHistoryTurns from
// Orchestration.* configuration keys; the other fields keep their defaults.
type Config struct {
	// MaxAttempts bounds the model-call+validate retry loop.
	MaxAttempts int
	// RoutingConfidenceThreshold below which a choice is marked for
	// clarification instead of being dispatched outright.
	RoutingConfidenceThreshold float64
	// FallbackAgentID is the default "general assistant" routed to when no
	// valid agent id remains after filtering.
	FallbackAgentID string
	// MaxHistoryTurns bounds how many prior turns are embedded in the
	// routing prompt.
	MaxHistoryTurns int
	// RateLimit caps retried model calls per second; zero disables limiting.
	RateLimit rate.Limit
}

// DefaultConfig returns the §6.3 documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:                3,
		RoutingConfidenceThreshold: 0.7,
		FallbackAgentID:            "general-assistant",
		MaxHistoryTurns:            10,
		RateLimit:                  5,
	}
}

// RegistrySnapshot is the subset of registry.Registry the router depends on,
// narrowed so the router package does not import registry directly.
type RegistrySnapshot interface {
	List() []lucia.AgentCard
}

// RouterExecutor implements §4.2. It is stateless across requests: every
// call to Route rebuilds its prompt and validates fresh against the
// registry snapshot passed in.
type RouterExecutor struct {
	model   model.Client
	cfg     Config
	schema  *jsonschema.Schema
	limiter *rate.Limiter
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs a RouterExecutor. logger/metrics may be nil; the router
// falls back to no-ops matching registry.Observability's pattern.
func New(client model.Client, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*RouterExecutor, error) {
	if client == nil {
		return nil, fmt.Errorf("router: model client is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RoutingConfidenceThreshold <= 0 {
		cfg.RoutingConfidenceThreshold = 0.7
	}
	if cfg.FallbackAgentID == "" {
		cfg.FallbackAgentID = "general-assistant"
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 10
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agent-choice.json", bytes.NewReader([]byte(agentChoiceSchemaJSON))); err != nil {
		return nil, fmt.Errorf("router: compiling agent choice schema: %w", err)
	}
	schema, err := compiler.Compile("agent-choice.json")
	if err != nil {
		return nil, fmt.Errorf("router: compiling agent choice schema: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}

	r := &RouterExecutor{model: client, cfg: cfg, schema: schema, limiter: limiter, logger: logger, metrics: metrics}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r, nil
}

// Route produces an AgentChoice for userMessage given the current registry
// catalog and conversation history. It never returns a RouterFailure unless
// every retry attempt is exhausted.
func (r *RouterExecutor) Route(ctx context.Context, userMessage string, registry RegistrySnapshot, history []lucia.HistoryTurn) (lucia.AgentChoice, error) {
	start := time.Now()
	catalog := registry.List()

	prompt := r.buildPrompt(userMessage, catalog, history)
	messages := []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return lucia.AgentChoice{}, err
				}
			}
			messages = append(messages, &model.Message{
				Role: model.ConversationRoleUser,
				Parts: []model.Part{model.TextPart{Text: fmt.Sprintf(
					"Your previous reply did not parse as the required JSON schema (%s). Reply again with ONLY valid JSON matching the schema.",
					lastErr,
				)}},
			})
		}

		resp, err := r.model.Complete(ctx, &model.Request{
			Messages:   messages,
			ModelClass: model.ModelClassDefault,
			MaxTokens:  1024,
		})
		if err != nil {
			if ctx.Err() != nil {
				return lucia.AgentChoice{}, ctx.Err()
			}
			lastErr = err
			continue
		}

		raw := firstText(resp)
		choice, err := r.parseAndValidate(raw)
		if err != nil {
			lastErr = err
			continue
		}

		effective := r.filterAndFallback(choice, catalog)
		r.logger.Info(ctx, "router decision",
			"agent_id", effective.AgentID,
			"confidence", effective.Confidence,
			"attempt", attempt,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		r.metrics.RecordTimer("router.route.duration", time.Since(start), "outcome", "success")
		return effective, nil
	}

	r.metrics.IncCounter("router.route.failure", 1)
	return lucia.AgentChoice{}, &lucia.RouterFailure{Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

func (r *RouterExecutor) buildPrompt(userMessage string, catalog []lucia.AgentCard, history []lucia.HistoryTurn) string {
	var b strings.Builder
	b.WriteString("You are the routing component of a home automation assistant. ")
	b.WriteString("Choose which agent(s) should handle the user's message and, for each, write a focused standalone instruction.\n\n")

	if len(history) > 0 {
		truncated := history
		if len(truncated) > r.cfg.MaxHistoryTurns {
			skipped := len(truncated) - r.cfg.MaxHistoryTurns
			b.WriteString(fmt.Sprintf("[%d earlier turns omitted]\n", skipped))
			truncated = truncated[skipped:]
		}
		b.WriteString("Conversation history:\n")
		for _, turn := range truncated {
			b.WriteString(fmt.Sprintf("- %s: %s\n", turn.Role, turn.Text))
		}
		b.WriteString("\n")
	}

	b.WriteString("Available agents:\n")
	for _, card := range catalog {
		b.WriteString(fmt.Sprintf("- id=%q name=%q description=%q\n", card.ID, card.Name, card.Description))
	}
	b.WriteString("\n")

	b.WriteString("User message:\n")
	b.WriteString(userMessage)
	b.WriteString("\n\n")

	b.WriteString("Respond with ONLY JSON matching this shape: ")
	b.WriteString(`{"agentId": "<id>", "additionalAgents": ["<id>", ...], "instructions": {"<id>": "<sub-prompt>"}, "confidence": <0..1>, "reasoning": "<text>", "parallel": <bool>}`)
	return b.String()
}

func firstText(resp *model.Response) string {
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if v, ok := p.(model.TextPart); ok {
				return v.Text
			}
		}
	}
	return ""
}

type rawAgentChoice struct {
	AgentID          string            `json:"agentId"`
	AdditionalAgents []string          `json:"additionalAgents"`
	Instructions     map[string]string `json:"instructions"`
	Confidence       float64           `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	Parallel         bool              `json:"parallel"`
}

func (r *RouterExecutor) parseAndValidate(raw string) (lucia.AgentChoice, error) {
	raw = extractJSONObject(raw)
	if raw == "" {
		return lucia.AgentChoice{}, fmt.Errorf("router: no JSON object found in model reply")
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return lucia.AgentChoice{}, fmt.Errorf("router: invalid JSON: %w", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return lucia.AgentChoice{}, fmt.Errorf("router: schema validation: %w", err)
	}

	var parsed rawAgentChoice
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return lucia.AgentChoice{}, fmt.Errorf("router: decoding agent choice: %w", err)
	}

	return lucia.AgentChoice{
		AgentID:          parsed.AgentID,
		AdditionalAgents: parsed.AdditionalAgents,
		Instructions:     parsed.Instructions,
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
		Parallel:         parsed.Parallel,
	}, nil
}

// extractJSONObject trims surrounding prose (model commentary/code fences)
// down to the first top-level {...} block.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// filterAndFallback implements step 3-4 of §4.2's algorithm: drop unknown
// ids, promote the first valid additional if the primary is unknown, and
// fall back to the configured default if nothing valid remains. It also
// applies the confidence-threshold clarification marker.
func (r *RouterExecutor) filterAndFallback(choice lucia.AgentChoice, catalog []lucia.AgentCard) lucia.AgentChoice {
	known := make(map[string]bool, len(catalog))
	for _, card := range catalog {
		known[card.ID] = true
	}

	valid := make([]string, 0, len(choice.AdditionalAgents)+1)
	for _, id := range choice.Agents() {
		if known[id] {
			valid = append(valid, id)
		}
	}

	if len(valid) == 0 {
		return lucia.AgentChoice{
			AgentID:      r.cfg.FallbackAgentID,
			Instructions: map[string]string{r.cfg.FallbackAgentID: choice.Instructions[choice.AgentID]},
			Confidence:   0,
			Reasoning:    "no valid agent id in router output; routed to fallback assistant",
		}
	}

	effective := choice
	effective.AgentID = valid[0]
	effective.AdditionalAgents = valid[1:]
	if effective.Confidence < r.cfg.RoutingConfidenceThreshold {
		effective.NeedsClarification = true
	}
	return effective
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (noopMetrics) RecordGauge(string, float64, ...string)       {}
