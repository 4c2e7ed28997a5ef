// Package executor implements the AgentExecutorWrapper (spec §4.3): a thin
// envelope around a resolved lucia.Invoker that adds timeout/cancellation
// handling and LiveEvent lifecycle emission. Thread handles pass through
// unchanged; the orchestrator stores them between turns. The
// registry already normalizes local vs. remote agents to the same Invoker
// contract (runtime/registry.Registry.ResolveInvoker); this package does not
// distinguish local from remote invocation mechanics, only the IsRemote flag
// carried through for observability.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// DefaultTimeout is the AgentInvoker.Timeout default (§6.3).
const DefaultTimeout = 30 * time.Second

// EventSink receives LiveEvents as the wrapper progresses through an
// invocation's lifecycle. Implementations must not block; the orchestrator
// wires this to the bounded, drop-oldest observer channel.
type EventSink interface {
	Publish(lucia.LiveEvent)
}

// EventSinkFunc adapts a plain function to EventSink.
type EventSinkFunc func(lucia.LiveEvent)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ev lucia.LiveEvent) { f(ev) }

// Wrapper executes a single agent invocation against card/invoker, honoring
// a bounded timeout and emitting the lifecycle events spec §4.3 requires.
type Wrapper struct {
	Card    lucia.AgentCard
	Invoker lucia.Invoker
	Timeout time.Duration
	Sink    EventSink
}

// New constructs a Wrapper. A zero Timeout is replaced by DefaultTimeout. A
// nil Sink is replaced by a no-op sink.
func New(card lucia.AgentCard, invoker lucia.Invoker, timeout time.Duration, sink EventSink) *Wrapper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if sink == nil {
		sink = EventSinkFunc(func(lucia.LiveEvent) {})
	}
	return &Wrapper{Card: card, Invoker: invoker, Timeout: timeout, Sink: sink}
}

// Execute runs one agent turn. It never returns a non-nil error except to
// propagate caller-initiated cancellation (ctx.Err() on the parent context);
// every other failure mode — timeout, panic, invoker error — is normalized
// into a failed AgentResponse so the aggregator can recover it locally.
func (w *Wrapper) Execute(ctx context.Context, req lucia.InvokeRequest) (resp lucia.AgentResponse, err error) {
	isRemote := w.Card.IsRemote()

	w.Sink.Publish(lucia.LiveEvent{
		Type:      lucia.LiveEventAgentStart,
		AgentName: w.Card.ID,
		State:     "Processing Prompt…",
		IsRemote:  isRemote,
		Timestamp: time.Now(),
	})

	runCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	start := time.Now()
	resp, invokeErr := w.invoke(runCtx, req)
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		// Caller-initiated cancellation: re-raise, no response is produced and
		// no completion event is emitted (§5, §7 Cancellation kind).
		return lucia.AgentResponse{}, ctx.Err()

	case runCtx.Err() == context.DeadlineExceeded:
		resp = lucia.NewFailureResponse(w.Card.ID, fmt.Sprintf("Agent execution timed out after %dms.", w.Timeout.Milliseconds()), elapsed)

	case invokeErr != nil:
		resp = lucia.NewFailureResponse(w.Card.ID, invokeErr.Error(), elapsed)

	default:
		if resp.ExecutionTimeMs == 0 {
			resp.ExecutionTimeMs = elapsed.Milliseconds()
		}
	}

	if resp.NeedsInput {
		w.Sink.Publish(lucia.LiveEvent{
			Type:      lucia.LiveEventAgentComplete,
			AgentName: w.Card.ID,
			State:     "idle",
			IsRemote:  isRemote,
			DurationMs: ptrInt64(resp.ExecutionTimeMs),
			Timestamp:  time.Now(),
		})
		return resp, nil
	}

	if !resp.Success {
		w.Sink.Publish(lucia.LiveEvent{
			Type:         lucia.LiveEventError,
			AgentName:    w.Card.ID,
			IsRemote:     isRemote,
			ErrorMessage: resp.ErrorMessage,
			DurationMs:   ptrInt64(resp.ExecutionTimeMs),
			Timestamp:    time.Now(),
		})
		return resp, nil
	}

	w.Sink.Publish(lucia.LiveEvent{
		Type:       lucia.LiveEventAgentComplete,
		AgentName:  w.Card.ID,
		State:      "Generating Response…",
		IsRemote:   isRemote,
		DurationMs: ptrInt64(resp.ExecutionTimeMs),
		Timestamp:  time.Now(),
	})
	w.Sink.Publish(lucia.LiveEvent{
		Type:      lucia.LiveEventAgentComplete,
		AgentName: w.Card.ID,
		State:     "idle",
		IsRemote:  isRemote,
		Timestamp: time.Now(),
	})
	return resp, nil
}

// invoke guards the underlying Invoker.Invoke call against a panicking
// implementation, normalizing a recovered panic into an ordinary error so
// Execute's caller never sees it escape.
func (w *Wrapper) invoke(ctx context.Context, req lucia.InvokeRequest) (resp lucia.AgentResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", w.Card.ID, r)
		}
	}()
	return w.Invoker.Invoke(ctx, req)
}

func ptrInt64(v int64) *int64 { return &v }
