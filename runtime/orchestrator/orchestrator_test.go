package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/aggregator"
	"github.com/lucia-home/lucia/runtime/agent/model"
	"github.com/lucia-home/lucia/runtime/executor"
	"github.com/lucia-home/lucia/runtime/lucia"
	"github.com/lucia-home/lucia/runtime/router"
	"github.com/lucia-home/lucia/runtime/taskstore"
)

// fakeRegistry is a minimal in-memory Registry double wiring fixed agent
// cards to fixed invokers, mirroring S1/S2/S4's light/music/thermostat cast.
type fakeRegistry struct {
	cards    []lucia.AgentCard
	invokers map[string]lucia.Invoker
}

func (f *fakeRegistry) List() []lucia.AgentCard { return f.cards }

func (f *fakeRegistry) Get(id string) (lucia.AgentCard, bool) {
	for _, c := range f.cards {
		if c.ID == id {
			return c, true
		}
	}
	return lucia.AgentCard{}, false
}

func (f *fakeRegistry) ResolveInvoker(_ context.Context, id string) (lucia.Invoker, error) {
	inv, ok := f.invokers[id]
	if !ok {
		return nil, &lucia.UnknownAgent{AgentID: id}
	}
	return inv, nil
}

// scriptedModel returns the fixed JSON body it was constructed with,
// regardless of the prompt, standing in for the RouterExecutor's chat model.
type scriptedModel struct {
	body string
}

func (m *scriptedModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{Content: []model.Message{
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: m.body}}},
	}}, nil
}

func (m *scriptedModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func newTestRegistry() *fakeRegistry {
	return &fakeRegistry{
		cards: []lucia.AgentCard{
			{ID: "light-agent", Name: "Light Agent", Description: "controls lights"},
			{ID: "music-agent", Name: "Music Agent", Description: "controls music"},
			{ID: "thermostat-agent", Name: "Thermostat Agent", Description: "controls thermostat"},
		},
		invokers: map[string]lucia.Invoker{
			"light-agent": lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
				return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: "Kitchen lights are on."}, nil
			}),
			"music-agent": lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
				return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: "Playing jazz."}, nil
			}),
			"thermostat-agent": lucia.InvokerFunc(func(ctx context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
				<-ctx.Done()
				return lucia.AgentResponse{}, ctx.Err()
			}),
		},
	}
}

func newTestOrchestrator(t *testing.T, routerBody string, tasks taskstore.ITaskStore, agentTimeout time.Duration) *Orchestrator {
	t.Helper()
	r, err := router.New(&scriptedModel{body: routerBody}, router.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if agentTimeout > 0 {
		cfg.AgentTimeout = agentTimeout
	}
	return New(r, newTestRegistry(), aggregator.New(), tasks, nil, cfg)
}

// TestProcessRequest_SingleAgent mirrors scenario S1.
func TestProcessRequest_SingleAgent(t *testing.T) {
	o := newTestOrchestrator(t, `{"agentId":"light-agent","confidence":0.95,"instructions":{"light-agent":"turn on the kitchen lights"}}`, nil, 0)

	result, err := o.ProcessRequest(context.Background(), Request{UserText: "turn on the kitchen lights", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "Kitchen lights are on.", result.Text)
	require.Equal(t, []string{"light-agent"}, result.AgentsUsed)
	require.Equal(t, lucia.TaskStateFresh, result.TaskState)
}

// TestProcessRequest_MultiAgentFanout mirrors scenario S2.
func TestProcessRequest_MultiAgentFanout(t *testing.T) {
	body := `{"agentId":"light-agent","additionalAgents":["music-agent"],"parallel":true,"confidence":0.9,"instructions":{"light-agent":"turn on kitchen lights","music-agent":"play jazz"}}`
	o := newTestOrchestrator(t, body, nil, 0)

	result, err := o.ProcessRequest(context.Background(), Request{UserText: "turn on the lights and play some jazz", SessionID: "s2"})
	require.NoError(t, err)
	require.Equal(t, "Kitchen lights are on.\nPlaying jazz.", result.Text)
	require.ElementsMatch(t, []string{"light-agent", "music-agent"}, result.AgentsUsed)
}

// TestProcessRequest_PartialFailure mirrors scenario S4.
func TestProcessRequest_PartialFailure(t *testing.T) {
	body := `{"agentId":"light-agent","additionalAgents":["thermostat-agent"],"parallel":true,"confidence":0.9,"instructions":{"light-agent":"turn off lights","thermostat-agent":"set to 68"}}`
	o := newTestOrchestrator(t, body, nil, 30*time.Millisecond)

	// Override light-agent's reply to match the scenario's expected text.
	o.registry.(*fakeRegistry).invokers["light-agent"] = lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
		return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: "Lights off."}, nil
	})

	result, err := o.ProcessRequest(context.Background(), Request{UserText: "turn off lights and set thermostat to 68", SessionID: "s4"})
	require.NoError(t, err)
	require.Contains(t, result.Text, "Lights off.")
	require.Contains(t, result.Text, "thermostat-agent: Agent execution timed out after 30ms.")
}

// TestProcessRequest_NeedsInput mirrors scenario S5.
func TestProcessRequest_NeedsInput(t *testing.T) {
	o := newTestOrchestrator(t, `{"agentId":"music-agent","confidence":0.9,"instructions":{"music-agent":"play music"}}`, nil, 0)
	o.registry.(*fakeRegistry).invokers["music-agent"] = lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
		return lucia.AgentResponse{AgentID: req.AgentID, Success: true, NeedsInput: true, Content: "Which playlist would you like?"}, nil
	})

	result, err := o.ProcessRequest(context.Background(), Request{UserText: "play some music", SessionID: "s5"})
	require.NoError(t, err)
	require.True(t, result.NeedsInput)
	require.Equal(t, "Which playlist would you like?", result.Text)
}

// TestProcessRequest_RemoteAgentResume mirrors scenario S3: a task resumes
// across two turns, transitioning fresh -> resumed -> completed.
func TestProcessRequest_RemoteAgentResume(t *testing.T) {
	tasks := taskstore.NewInMemoryStore()
	o := newTestOrchestrator(t, `{"agentId":"light-agent","confidence":0.95,"instructions":{"light-agent":"turn on lights"}}`, tasks, 0)

	first, err := o.ProcessRequest(context.Background(), Request{UserText: "turn on lights", SessionID: "s3", TaskID: "task-3"})
	require.NoError(t, err)
	require.Equal(t, lucia.TaskStateFresh, first.TaskState)

	second, err := o.ProcessRequest(context.Background(), Request{UserText: "turn on lights again", SessionID: "s3", TaskID: "task-3"})
	require.NoError(t, err)
	require.Equal(t, lucia.TaskStateCompleted, second.TaskState)
}

// TestProcessRequest_IdempotentMessageReplay verifies property 8: replaying
// the same messageId against the same session returns the same reply
// without re-invoking any agent.
func TestProcessRequest_IdempotentMessageReplay(t *testing.T) {
	tasks := taskstore.NewInMemoryStore()
	calls := 0
	o := newTestOrchestrator(t, `{"agentId":"light-agent","confidence":0.95,"instructions":{"light-agent":"turn on lights"}}`, tasks, 0)
	o.registry.(*fakeRegistry).invokers["light-agent"] = lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
		calls++
		return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: fmt.Sprintf("done-%d", calls)}, nil
	})

	req := Request{UserText: "turn on lights", SessionID: "s8", TaskID: "task-8", MessageID: "m1"}
	first, err := o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)

	second, err := o.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Text, second.Text)
	require.Equal(t, 1, calls)
}

// TestProcessRequest_CancellationYieldsNoRequestComplete verifies property 9:
// caller-initiated cancellation propagates as an error and never reaches the
// requestComplete event.
func TestProcessRequest_CancellationYieldsNoRequestComplete(t *testing.T) {
	var events []lucia.LiveEvent
	r, err := router.New(&scriptedModel{body: `{"agentId":"thermostat-agent","confidence":0.9,"instructions":{"thermostat-agent":"set to 68"}}`}, router.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	sink := executor.EventSinkFunc(func(ev lucia.LiveEvent) { events = append(events, ev) })
	o := New(r, newTestRegistry(), aggregator.New(), nil, sink, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = o.ProcessRequest(ctx, Request{UserText: "set thermostat to 68", SessionID: "s9"})
	require.Error(t, err)
	for _, ev := range events {
		require.NotEqual(t, lucia.LiveEventRequestComplete, ev.Type)
	}
}
