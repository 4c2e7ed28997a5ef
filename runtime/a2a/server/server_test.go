package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucia-home/lucia/runtime/aggregator"
	"github.com/lucia-home/lucia/runtime/agent/model"
	"github.com/lucia-home/lucia/runtime/lucia"
	"github.com/lucia-home/lucia/runtime/observer"
	"github.com/lucia-home/lucia/runtime/orchestrator"
	"github.com/lucia-home/lucia/runtime/registry"
	"github.com/lucia-home/lucia/runtime/router"
)

type scriptedModel struct{ body string }

func (m *scriptedModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{Content: []model.Message{
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: m.body}}},
	}}, nil
}

func (m *scriptedModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(
		lucia.AgentCard{ID: "light-agent", Name: "Light Agent", Description: "controls lights"},
		lucia.InvokerFunc(func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
			return lucia.AgentResponse{AgentID: req.AgentID, Success: true, Content: "Kitchen lights are on."}, nil
		}),
	))

	r, err := router.New(&scriptedModel{body: `{"agentId":"light-agent","confidence":0.9,"instructions":{"light-agent":"turn on lights"}}`}, router.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	orch := orchestrator.New(r, reg, aggregator.New(), nil, nil, orchestrator.DefaultConfig())
	selfCard := lucia.AgentCard{ID: "lucia", Name: "Lucia", Description: "home orchestrator", Version: "0.1.0"}
	return New(orch, reg, nil, observer.NewHub(), selfCard, nil)
}

func rpcEnvelope(method string, params any) []byte {
	payload, _ := json.Marshal(params)
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(payload),
		"id":      1,
	})
	return body
}

func TestHandleA2A_MessageSendToOrchestrator(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	body := rpcEnvelope("message/send", map[string]any{
		"message": map[string]any{
			"kind":      "message",
			"role":      "user",
			"parts":     []map[string]any{{"kind": "text", "text": "turn on the kitchen lights"}},
			"messageId": "m1",
			"contextId": "s1",
		},
	})
	resp, err := http.Post(srv.URL+"/a2a/lucia/v1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Nil(t, decoded.Error)
	require.NotNil(t, decoded.Result)
}

func TestHandleA2A_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	body := rpcEnvelope("message/stream", map[string]any{})
	resp, err := http.Post(srv.URL+"/a2a/lucia/v1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotNil(t, decoded.Error)
	require.Equal(t, -32601, decoded.Error.Code)
}

func TestHandleA2A_InvalidEnvelopeReturnsParseError(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/a2a/lucia/v1", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotNil(t, decoded.Error)
	require.Equal(t, -32700, decoded.Error.Code)
}

func TestHandleAgentCard_ServesSelfCatalog(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Lucia", body["name"])
}

func TestHandleListAgents_ReturnsRegisteredCard(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cards []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cards))
	require.Len(t, cards, 1)
	require.Equal(t, "Light Agent", cards[0]["name"])
}

func TestHandleActivityLive_StreamsPublishedEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/activity/live", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.hub.Publish(lucia.LiveEvent{Type: lucia.LiveEventRequestStart})
	}()

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "requestStart")
}
