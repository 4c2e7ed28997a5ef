package aggregator

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// TestAggregateOrderingProperty verifies property 5 (aggregator ordering):
// for any router-declared order and any subset of agents that succeed,
// SuccessfulAgents lists successes in the declared order regardless of the
// order responses were inserted into the responses map.
func TestAggregateOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("successful agents preserve router-declared order", prop.ForAll(
		func(tc orderingTestCase) bool {
			responses := make(map[string]lucia.AgentResponse, len(tc.agentIDs))
			var expectedSuccess []string
			for i, id := range tc.agentIDs {
				succeeds := tc.successMask[i%len(tc.successMask)]
				responses[id] = lucia.AgentResponse{
					AgentID: id,
					Success: succeeds,
					Content: fmt.Sprintf("result-%s", id),
				}
				if succeeds {
					expectedSuccess = append(expectedSuccess, id)
				}
			}

			result := New().Aggregate(tc.agentIDs, responses, FanoutParallel)
			if len(result.SuccessfulAgents) != len(expectedSuccess) {
				return false
			}
			for i, id := range expectedSuccess {
				if result.SuccessfulAgents[i] != id {
					return false
				}
			}
			return true
		},
		genOrderingTestCase(),
	))

	properties.TestingRun(t)
}

type orderingTestCase struct {
	agentIDs    []string
	successMask []bool
}

func genOrderingTestCase() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(5, genUniqueAgentID()),
		gen.SliceOfN(3, gen.Bool()),
	).Map(func(values []interface{}) orderingTestCase {
		return orderingTestCase{
			agentIDs:    values[0].([]string),
			successMask: values[1].([]bool),
		}
	})
}

func genUniqueAgentID() gopter.Gen {
	return gen.IntRange(0, 1_000_000).Map(func(n int) string {
		return fmt.Sprintf("agent-%d", n)
	})
}

func TestAggregate_NeedsInputTakesLeadingText(t *testing.T) {
	agg := New()
	responses := map[string]lucia.AgentResponse{
		"music-agent": {AgentID: "music-agent", Success: true, NeedsInput: true, Content: "Which playlist would you like?"},
	}
	result := agg.Aggregate([]string{"music-agent"}, responses, FanoutParallel)
	if !result.NeedsInput {
		t.Fatalf("expected NeedsInput to propagate")
	}
	if result.Text != "Which playlist would you like?" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestAggregate_PartialFailureAppendsNote(t *testing.T) {
	agg := New()
	responses := map[string]lucia.AgentResponse{
		"light-agent":      {AgentID: "light-agent", Success: true, Content: "Lights off."},
		"thermostat-agent": {AgentID: "thermostat-agent", Success: false, ErrorMessage: "Agent execution timed out after 30000ms."},
	}
	result := agg.Aggregate([]string{"light-agent", "thermostat-agent"}, responses, FanoutParallel)
	want := "Lights off.\n(thermostat-agent: Agent execution timed out after 30000ms.)"
	if result.Text != want {
		t.Fatalf("text = %q, want %q", result.Text, want)
	}
	if len(result.FailedAgents) != 1 || result.FailedAgents[0] != "thermostat-agent" {
		t.Fatalf("unexpected failed agents: %v", result.FailedAgents)
	}
}
