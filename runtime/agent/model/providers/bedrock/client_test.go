package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/agent/model"
)

type mockRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.lastInput = params
	return m.output, m.err
}

func TestComplete_TextAndToolUse(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "hello"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:  aws.String("calc_tool"),
						Input: document.NewLazyDocument(&map[string]any{"value": 42}),
					}},
				},
			}},
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(100),
				OutputTokens: aws.Int32(20),
				TotalTokens:  aws.Int32(120),
			},
			StopReason: brtypes.StopReasonToolUse,
		},
	}

	client, err := newForTest(mock, Options{DefaultModel: "anthropic.claude-3-sonnet"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "You are smart."}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
		Tools: []*model.ToolDefinition{
			{Name: "calc.tool", Description: "calculator", InputSchema: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "calc.tool", resp.ToolCalls[0].Name.String())
	require.Equal(t, 100, resp.Usage.InputTokens)
}

func TestStream_Unsupported(t *testing.T) {
	client, err := newForTest(&mockRuntime{}, Options{DefaultModel: "anthropic.claude-3-sonnet"})
	require.NoError(t, err)
	_, err = client.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

// newForTest builds a Client around a RuntimeClient test double directly,
// bypassing New's *bedrockruntime.Client requirement.
func newForTest(runtime RuntimeClient, opts Options) (*Client, error) {
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}
