package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/lucia"
)

func TestExecute_SuccessEmitsStartAndCompleteEvents(t *testing.T) {
	var events []lucia.LiveEvent
	invoker := lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
		return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: "Kitchen lights are on."}, nil
	})

	w := New(lucia.AgentCard{ID: "light-agent"}, invoker, time.Second, EventSinkFunc(func(ev lucia.LiveEvent) {
		events = append(events, ev)
	}))

	resp, err := w.Execute(context.Background(), lucia.InvokeRequest{AgentID: "light-agent"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Empty(t, resp.ErrorMessage)
	require.Equal(t, "Kitchen lights are on.", resp.Content)

	require.Len(t, events, 3)
	require.Equal(t, lucia.LiveEventAgentStart, events[0].Type)
	require.Equal(t, lucia.LiveEventAgentComplete, events[1].Type)
	require.Equal(t, "Generating Response…", events[1].State)
	require.Equal(t, lucia.LiveEventAgentComplete, events[2].Type)
	require.Equal(t, "idle", events[2].State)
}

func TestExecute_TimeoutYieldsFailureResponseNotError(t *testing.T) {
	invoker := lucia.InvokerFunc(func(ctx context.Context, _ lucia.InvokeRequest) (lucia.AgentResponse, error) {
		<-ctx.Done()
		return lucia.AgentResponse{}, ctx.Err()
	})

	w := New(lucia.AgentCard{ID: "thermostat-agent"}, invoker, 10*time.Millisecond, nil)
	resp, err := w.Execute(context.Background(), lucia.InvokeRequest{AgentID: "thermostat-agent"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Agent execution timed out after 10ms.", resp.ErrorMessage)
}

func TestExecute_UpstreamCancellationIsReraised(t *testing.T) {
	invoker := lucia.InvokerFunc(func(ctx context.Context, _ lucia.InvokeRequest) (lucia.AgentResponse, error) {
		<-ctx.Done()
		return lucia.AgentResponse{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := New(lucia.AgentCard{ID: "light-agent"}, invoker, time.Minute, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := w.Execute(ctx, lucia.InvokeRequest{AgentID: "light-agent"})
		require.ErrorIs(t, err, context.Canceled)
	}()
	cancel()
	<-done
}

func TestExecute_PanicIsRecoveredIntoFailure(t *testing.T) {
	invoker := lucia.InvokerFunc(func(context.Context, lucia.InvokeRequest) (lucia.AgentResponse, error) {
		panic("boom")
	})
	w := New(lucia.AgentCard{ID: "music-agent"}, invoker, time.Second, nil)
	resp, err := w.Execute(context.Background(), lucia.InvokeRequest{AgentID: "music-agent"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorMessage, "panicked")
}

func TestExecute_InvokerErrorNormalizesToFailure(t *testing.T) {
	invoker := lucia.InvokerFunc(func(context.Context, lucia.InvokeRequest) (lucia.AgentResponse, error) {
		return lucia.AgentResponse{}, errors.New("device offline")
	})
	w := New(lucia.AgentCard{ID: "light-agent"}, invoker, time.Second, nil)
	resp, err := w.Execute(context.Background(), lucia.InvokeRequest{AgentID: "light-agent"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "device offline", resp.ErrorMessage)
}

// TestResponseNormalizationProperty verifies property 4: for any invoker
// outcome, the returned AgentResponse satisfies Success == (ErrorMessage == "").
func TestResponseNormalizationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("success iff errorMessage is empty", prop.ForAll(
		func(succeed bool, content, errMsg string) bool {
			invoker := lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
				if succeed {
					return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: content}, nil
				}
				return lucia.AgentResponse{}, errors.New(errMsg)
			})
			w := New(lucia.AgentCard{ID: "agent"}, invoker, time.Second, nil)
			resp, err := w.Execute(context.Background(), lucia.InvokeRequest{AgentID: "agent"})
			if err != nil {
				return false
			}
			return resp.Success == (resp.ErrorMessage == "")
		},
		gen.Bool(),
		gen.AlphaString(),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
