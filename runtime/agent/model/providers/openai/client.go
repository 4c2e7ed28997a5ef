// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API using github.com/openai/openai-go. Unlike the
// Anthropic and Bedrock adapters in this module, no example repository in the
// reference corpus uses openai-go; this adapter is written directly against
// the published SDK so RouterExecutor's model backend is pluggable across all
// three vendors rather than locked to whichever one happens to have
// production precedent. See DESIGN.md for the out-of-pack justification.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/lucia-home/lucia/runtime/agent/model"
	"github.com/lucia-home/lucia/runtime/agent/tools"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter,
// satisfied by the client's Chat.Completions service.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client authenticated with the given apiKey. It
// returns an error when apiKey is empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions: %w", err)
	}
	return translateResponse(resp, nameMap)
}

// Stream is not implemented for the OpenAI adapter in this module; nothing in
// Lucia's executor/router paths needs incremental OpenAI chunks.
func (c *Client) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*openai.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, nil, errors.New("openai: model identifier is required")
	}
	tools, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = openai.Float(t)
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, sanToCanon, nil
}

// resolveModelID mirrors the Anthropic/Bedrock adapters: Request.Model takes
// precedence, then ModelClass is mapped, then the configured default.
func (c *Client) resolveModelID(req *model.Request) string {
	if s := req.Model; s != "" {
		return s
	}
	switch string(req.ModelClass) {
	case string(model.ModelClassHighReasoning):
		if c.highModel != "" {
			return c.highModel
		}
	case string(model.ModelClassSmall):
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := textOf(m)
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleSystem:
			if text != "" {
				out = append(out, openai.SystemMessage(text))
			}
		case model.ConversationRoleUser:
			if text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case model.ConversationRoleAssistant:
			out = append(out, assistantMessage(m, text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func textOf(m *model.Message) string {
	for _, p := range m.Parts {
		if v, ok := p.(model.TextPart); ok {
			return v.Text
		}
	}
	return ""
}

func assistantMessage(m *model.Message, text string) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if text != "" {
		msg.Content.OfString = openai.String(text)
	}
	for _, p := range m.Parts {
		if v, ok := p.(model.ToolUsePart); ok {
			payload, _ := json.Marshal(v.Input)
			msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: v.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      sanitizeToolName(v.Name),
					Arguments: string(payload),
				},
			})
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.ChatCompletionToolParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		sanToCanon[sanitized] = def.Name
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        sanitized,
				Description: openai.String(def.Description),
				Parameters:  schema,
			},
		})
	}
	return out, sanToCanon, nil
}

func toolInputSchema(schema any) (shared.FunctionParameters, error) {
	if schema == nil {
		return shared.FunctionParameters{"type": "object"}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var out shared.FunctionParameters
	if len(raw) == 0 {
		return shared.FunctionParameters{"type": "object"}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sanitizeToolName maps a canonical "toolset.tool" identifier to OpenAI's
// allowed function-name charset ([a-zA-Z0-9_-]+) by replacing '.' and any
// other disallowed rune with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func translateResponse(resp *openai.ChatCompletion, nameMap map[string]string) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &model.Response{StopReason: string(choice.FinishReason)}
	if text := choice.Message.Content; text != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		})
	}
	for _, call := range choice.Message.ToolCalls {
		name := call.Function.Name
		if canonical, ok := nameMap[name]; ok {
			name = canonical
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Name:    tools.Ident(name),
			Payload: json.RawMessage(call.Function.Arguments),
			ID:      call.ID,
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out, nil
}
