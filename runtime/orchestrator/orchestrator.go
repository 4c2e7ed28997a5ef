// Package orchestrator implements the LuciaOrchestrator (spec §4.5): the
// workflow graph that ties RouterExecutor, AgentExecutorWrapper, and
// ResultAggregator together into ProcessRequest, the orchestration
// platform's single entry point.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucia-home/lucia/runtime/aggregator"
	"github.com/lucia-home/lucia/runtime/executor"
	"github.com/lucia-home/lucia/runtime/lucia"
	"github.com/lucia-home/lucia/runtime/router"
	"github.com/lucia-home/lucia/runtime/taskstore"
)

// Registry is the subset of registry.Registry the orchestrator depends on.
type Registry interface {
	router.RegistrySnapshot
	Get(id string) (lucia.AgentCard, bool)
	ResolveInvoker(ctx context.Context, id string) (lucia.Invoker, error)
}

// Config tunes the orchestrator's concurrency and history behavior.
// cmd/lucia fills it from the Orchestration.*, AgentInvoker.Timeout and
// TaskStore.TTL configuration keys.
type Config struct {
	// MaxParallelAgents caps the fan-out degree for parallel dispatch.
	MaxParallelAgents int
	// MaxConversationHistory caps OrchestrationContext.History's length.
	MaxConversationHistory int
	// AgentTimeout is passed through to each executor.Wrapper.
	AgentTimeout time.Duration
	// TaskTTL is the TTL applied when persisting a task.
	TaskTTL time.Duration
}

// DefaultConfig returns the §6.3 documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgents:      3,
		MaxConversationHistory: 10,
		AgentTimeout:           executor.DefaultTimeout,
		TaskTTL:                taskstore.DefaultTTL,
	}
}

// Request is the input to ProcessRequest.
type Request struct {
	UserText     string
	TaskID       string
	SessionID    string
	A2AContextID string
	MessageID    string
}

// Orchestrator implements §4.5.
type Orchestrator struct {
	router     *router.RouterExecutor
	registry   Registry
	aggregator *aggregator.Aggregator
	tasks      taskstore.ITaskStore
	sink       executor.EventSink
	cfg        Config
}

// New constructs an Orchestrator.
func New(r *router.RouterExecutor, registry Registry, agg *aggregator.Aggregator, tasks taskstore.ITaskStore, sink executor.EventSink, cfg Config) *Orchestrator {
	if agg == nil {
		agg = aggregator.New()
	}
	if sink == nil {
		sink = executor.EventSinkFunc(func(lucia.LiveEvent) {})
	}
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = 3
	}
	if cfg.MaxConversationHistory <= 0 {
		cfg.MaxConversationHistory = 10
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = executor.DefaultTimeout
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = taskstore.DefaultTTL
	}
	return &Orchestrator{router: r, registry: registry, aggregator: agg, tasks: tasks, sink: sink, cfg: cfg}
}

var requestContextBlock = regexp.MustCompile(`REQUEST_CONTEXT:\s*(\{.*?\})`)

// extractDeviceID pulls a device id out of a `REQUEST_CONTEXT: {"device_id":
// "..."}` block embedded in the user's prompt, the last entry in the
// sessionId priority chain before minting a new UUID.
func extractDeviceID(userText string) string {
	m := requestContextBlock.FindStringSubmatch(userText)
	if m == nil {
		return ""
	}
	var payload struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal([]byte(m[1]), &payload); err != nil {
		return ""
	}
	return payload.DeviceID
}

// resolveSessionID implements the §4.5 step-2 priority chain.
func resolveSessionID(req Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	if req.A2AContextID != "" {
		return req.A2AContextID
	}
	if id := extractDeviceID(req.UserText); id != "" {
		return id
	}
	return uuid.NewString()
}

// ProcessRequest implements §4.5's 7-step algorithm.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req Request) (lucia.OrchestratorResult, error) {
	start := time.Now()
	o.sink.Publish(lucia.LiveEvent{Type: lucia.LiveEventRequestStart, Timestamp: time.Now()})

	sessionID := resolveSessionID(req)
	taskID := req.TaskID

	octx, etag, taskState, err := o.loadOrCreateContext(ctx, taskID, sessionID)
	if err != nil {
		return lucia.OrchestratorResult{}, &lucia.WorkflowError{Err: err}
	}

	if req.MessageID != "" {
		if reply, seen := octx.SeenMessage(req.MessageID); seen {
			return lucia.OrchestratorResult{
				Text:            reply,
				AgentsUsed:      nil,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				TaskState:       taskState,
			}, nil
		}
	}

	o.sink.Publish(lucia.LiveEvent{Type: lucia.LiveEventRouting, Timestamp: time.Now()})
	choice, err := o.router.Route(ctx, req.UserText, o.registry, octx.History)
	if err != nil {
		if ctx.Err() != nil {
			return lucia.OrchestratorResult{}, ctx.Err()
		}
		return lucia.OrchestratorResult{}, fmt.Errorf("router failure: %w", err)
	}

	if choice.NeedsClarification {
		result := lucia.OrchestratorResult{
			Text:            choice.Reasoning,
			NeedsInput:      true,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			TaskState:       taskState,
		}
		o.sink.Publish(lucia.LiveEvent{Type: lucia.LiveEventRequestComplete, Timestamp: time.Now()})
		return result, nil
	}

	responses, err := o.dispatch(ctx, choice, octx)
	if err != nil {
		return lucia.OrchestratorResult{}, ctx.Err()
	}

	mode := aggregator.FanoutSequential
	if choice.Parallel {
		mode = aggregator.FanoutParallel
	}
	agg := o.aggregator.Aggregate(choice.Agents(), responses, mode)

	octx.AppendTurn(lucia.HistoryTurn{MessageID: req.MessageID, Role: "user", Text: req.UserText, Timestamp: time.Now()})
	octx.AppendTurn(lucia.HistoryTurn{MessageID: req.MessageID + ":reply", Role: "assistant", Text: agg.Text, Timestamp: time.Now()})
	octx.PreviousAgentID = choice.AgentID
	if req.MessageID != "" {
		octx.RememberMessage(req.MessageID, agg.Text)
	}

	finalState := taskState
	if taskState == lucia.TaskStateResumed && !agg.NeedsInput {
		finalState = lucia.TaskStateCompleted
	}

	if taskID != "" && o.tasks != nil {
		if err := o.persist(ctx, taskID, *octx, finalState, etag); err != nil {
			// persist has already retried once; the request proceeds and the
			// error is dropped. Nothing is logged: the orchestrator has no logger.
			_ = err
		}
	}

	result := lucia.OrchestratorResult{
		Text:            agg.Text,
		NeedsInput:      agg.NeedsInput,
		AgentsUsed:      append(agg.SuccessfulAgents, agg.FailedAgents...),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		TaskState:       finalState,
	}
	o.sink.Publish(lucia.LiveEvent{Type: lucia.LiveEventRequestComplete, DurationMs: ptrInt64(result.ExecutionTimeMs), Timestamp: time.Now()})
	return result, nil
}

// loadOrCreateContext implements §4.5 step 3. Persistence read failures
// degrade to a fresh context rather than failing the request (§7).
func (o *Orchestrator) loadOrCreateContext(ctx context.Context, taskID, sessionID string) (*lucia.OrchestrationContext, string, lucia.TaskState, error) {
	if taskID == "" || o.tasks == nil {
		return lucia.NewOrchestrationContext(sessionID, o.cfg.MaxConversationHistory), "", lucia.TaskStateFresh, nil
	}

	record, etag, found, err := o.tasks.Load(ctx, taskID)
	if err != nil || !found {
		return lucia.NewOrchestrationContext(sessionID, o.cfg.MaxConversationHistory), "", lucia.TaskStateFresh, nil
	}
	loaded := record.Context
	return &loaded, etag, lucia.TaskStateResumed, nil
}

// persist implements §4.5 step 6: CAS on etag, reload-reapply-retry once on
// any save error, then return the error. ProcessRequest drops that error
// without logging it, so a write error never fails the request.
func (o *Orchestrator) persist(ctx context.Context, taskID string, octx lucia.OrchestrationContext, state lucia.TaskState, etag string) error {
	record := taskstore.TaskPersistenceRecord{Context: octx, TaskState: state, UpdatedAt: time.Now()}
	_, err := o.tasks.Save(ctx, taskID, record, etag, o.cfg.TaskTTL)
	if err == nil {
		return nil
	}
	// Reload, reapply the turn already in octx.History, and retry once.
	_, freshEtag, _, loadErr := o.tasks.Load(ctx, taskID)
	if loadErr != nil {
		return err
	}
	_, err = o.tasks.Save(ctx, taskID, record, freshEtag, o.cfg.TaskTTL)
	return err
}

// dispatch fans the choice out to each agent's wrapper, honoring
// choice.Parallel and the MaxParallelAgents cap, and returns the normalized
// responses keyed by agent id. Returning a non-nil error here means the
// caller's context was canceled.
func (o *Orchestrator) dispatch(ctx context.Context, choice lucia.AgentChoice, octx *lucia.OrchestrationContext) (map[string]lucia.AgentResponse, error) {
	agentIDs := choice.Agents()
	responses := make(map[string]lucia.AgentResponse, len(agentIDs))

	invoke := func(ctx context.Context, id string) (lucia.AgentResponse, error) {
		card, ok := o.registry.Get(id)
		if !ok {
			return lucia.NewFailureResponse(id, (&lucia.UnknownAgent{AgentID: id}).Error(), 0), nil
		}
		inv, err := o.registry.ResolveInvoker(ctx, id)
		if err != nil {
			return lucia.NewFailureResponse(id, err.Error(), 0), nil
		}
		w := executor.New(card, inv, o.cfg.AgentTimeout, o.sink)
		resp, err := w.Execute(ctx, lucia.InvokeRequest{
			AgentID:      id,
			Instruction:  choice.Instructions[id],
			SessionID:    octx.SessionID,
			ThreadHandle: octx.AgentThreads[id],
		})
		if err != nil {
			return lucia.AgentResponse{}, err
		}
		if resp.ThreadHandle != "" {
			octx.AgentThreads[id] = resp.ThreadHandle
		}
		return resp, nil
	}

	if !choice.Parallel {
		for _, id := range agentIDs {
			resp, err := invoke(ctx, id)
			if err != nil {
				return nil, err
			}
			responses[id] = resp
		}
		return responses, nil
	}

	return o.dispatchParallel(ctx, agentIDs, invoke)
}

func (o *Orchestrator) dispatchParallel(ctx context.Context, agentIDs []string, invoke func(context.Context, string) (lucia.AgentResponse, error)) (map[string]lucia.AgentResponse, error) {
	type result struct {
		id   string
		resp lucia.AgentResponse
		err  error
	}

	sem := make(chan struct{}, o.cfg.MaxParallelAgents)
	results := make(chan result, len(agentIDs))
	var wg sync.WaitGroup
	for _, id := range agentIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			resp, err := invoke(ctx, id)
			results <- result{id: id, resp: resp, err: err}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	responses := make(map[string]lucia.AgentResponse, len(agentIDs))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		responses[r.id] = r.resp
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return responses, nil
}

func ptrInt64(v int64) *int64 { return &v }
