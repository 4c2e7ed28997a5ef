// Package aggregator implements the ResultAggregator: it turns the set of
// AgentResponse values produced by one request's agent wrappers into a
// single AggregationResult suitable for the JSON-RPC reply envelope.
package aggregator

import (
	"fmt"
	"strings"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// AggregationResult is the ResultAggregator's output for one request.
type AggregationResult struct {
	Text                 string
	SuccessfulAgents     []string
	FailedAgents         []string
	TotalExecutionTimeMs int64
	NeedsInput           bool
}

// FanoutMode tells the aggregator how agent wrappers were dispatched, which
// determines how TotalExecutionTimeMs is derived from the per-response times.
type FanoutMode int

const (
	// FanoutParallel means agents ran concurrently; total time is the max of
	// the per-response times.
	FanoutParallel FanoutMode = iota
	// FanoutSequential means agents ran one after another; total time is the
	// sum of the per-response times.
	FanoutSequential
)

// State accumulates responses for a single in-flight request when they are
// not all available at once (e.g., a handler invoked once per completion).
// Keyed by agent id so a late or duplicate response for the same agent
// simply overwrites rather than double-counts.
type State struct {
	Responses map[string]lucia.AgentResponse
}

// NewState returns an empty aggregation state.
func NewState() *State {
	return &State{Responses: make(map[string]lucia.AgentResponse)}
}

// Record stores resp, keyed by its AgentID.
func (s *State) Record(resp lucia.AgentResponse) {
	s.Responses[resp.AgentID] = resp
}

// Aggregator implements the ResultAggregator contract. It is stateless
// itself; all per-request state lives in the caller-owned State value.
type Aggregator struct{}

// New constructs an Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Aggregate merges responses, in the order given by orderedAgentIDs (the
// router-declared order: primary first, then each additional agent in
// declaration order), into a single AggregationResult.
func (a *Aggregator) Aggregate(orderedAgentIDs []string, responses map[string]lucia.AgentResponse, mode FanoutMode) AggregationResult {
	var (
		successLines []string
		successIDs   []string
		failIDs      []string
		failLines    []string
		needsInput   bool
		needsText    string
		total        int64
		maxTime      int64
	)

	for _, id := range orderedAgentIDs {
		resp, ok := responses[id]
		if !ok {
			continue
		}
		total += resp.ExecutionTimeMs
		if resp.ExecutionTimeMs > maxTime {
			maxTime = resp.ExecutionTimeMs
		}
		if !resp.Success {
			failIDs = append(failIDs, id)
			failLines = append(failLines, fmt.Sprintf("%s: %s", id, resp.ErrorMessage))
			continue
		}
		successIDs = append(successIDs, id)
		if resp.NeedsInput && !needsInput {
			needsInput = true
			needsText = resp.Content
			continue
		}
		if resp.Content != "" {
			successLines = append(successLines, resp.Content)
		}
	}

	result := AggregationResult{
		SuccessfulAgents: successIDs,
		FailedAgents:     failIDs,
		NeedsInput:       needsInput,
	}
	if mode == FanoutParallel {
		result.TotalExecutionTimeMs = maxTime
	} else {
		result.TotalExecutionTimeMs = total
	}

	switch {
	case needsInput:
		lines := []string{needsText}
		if len(successLines) > 0 {
			lines = append(lines, "---")
			lines = append(lines, successLines...)
		}
		result.Text = strings.Join(lines, "\n")
	case len(successLines) == 0 && len(failLines) > 0:
		result.Text = apologyText(failLines)
	default:
		lines := append([]string{}, successLines...)
		if len(failLines) > 0 {
			for _, fl := range failLines {
				lines = append(lines, fmt.Sprintf("(%s)", fl))
			}
		}
		result.Text = strings.Join(lines, "\n")
	}

	return result
}

func apologyText(failLines []string) string {
	if len(failLines) == 1 {
		return fmt.Sprintf("Sorry, that didn't work: %s", failLines[0])
	}
	return fmt.Sprintf("Sorry, none of that worked: %s", strings.Join(failLines, "; "))
}
