// Package server exposes the orchestrator and registry over HTTP: the
// inbound A2A JSON-RPC 2.0 endpoint (§6.1), the agent discovery and
// management surface, and the diagnostics/activity feed (§6.2).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lucia-home/lucia/runtime/a2a"
	"github.com/lucia-home/lucia/runtime/a2a/types"
	"github.com/lucia-home/lucia/runtime/agent/telemetry"
	"github.com/lucia-home/lucia/runtime/executor"
	"github.com/lucia-home/lucia/runtime/lucia"
	"github.com/lucia-home/lucia/runtime/observer"
	"github.com/lucia-home/lucia/runtime/orchestrator"
	"github.com/lucia-home/lucia/runtime/registry"
	"github.com/lucia-home/lucia/runtime/taskstore"
)

// Server wires the orchestration pipeline to net/http. The corpus carries no
// HTTP routing library, so routing uses net/http.ServeMux's Go 1.22+ method
// and path-variable patterns rather than a third-party router.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	tasks        taskstore.ITaskStore
	hub          *observer.Hub
	selfCard     lucia.AgentCard
	logger       telemetry.Logger
}

// New constructs a Server. selfCard is the orchestrator's own A2A identity,
// served at /.well-known/agent.json and addressable at
// /a2a/{selfCard.ID}/v1 for full ProcessRequest dispatch.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, tasks taskstore.ITaskStore, hub *observer.Hub, selfCard lucia.AgentCard, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	return &Server{orchestrator: orch, registry: reg, tasks: tasks, hub: hub, selfCard: selfCard, logger: logger}
}

// Handler builds the full routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a/{agentId}/v1", s.handleA2A)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("PUT /api/agents/{agentUri}", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /api/agents/{agentUri}", s.handleDeleteAgent)
	mux.HandleFunc("GET /internal/orchestration/health", s.handleHealth)
	mux.HandleFunc("GET /internal/orchestration/routing-log", s.handleRoutingLog)
	mux.HandleFunc("GET /internal/orchestration/tasks/{taskId}", s.handleGetTask)
	mux.HandleFunc("POST /internal/orchestration/tasks/{taskId}/rehydrate", s.handleRehydrateTask)
	mux.HandleFunc("GET /api/activity/live", s.handleActivityLive)
	return mux
}

// --- JSON-RPC envelope ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func writeRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func writeRPCError(w http.ResponseWriter, id any, code int, message string, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message, Data: data}, ID: id})
}

// handleA2A implements the strict JSON-RPC 2.0 envelope of §6.1, dispatching
// message/send and stubbing the three reserved methods.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, a2a.JSONRPCParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, a2a.JSONRPCInvalidRequest, "invalid request", nil)
		return
	}

	switch req.Method {
	case "message/send":
		s.handleMessageSend(r.Context(), w, agentID, req)
	case "message/stream":
		writeRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, "message/stream is not supported", map[string]any{"code": a2a.ErrUnsupportedOp})
	case "tasks/get":
		writeRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, "task retrieval is not supported", map[string]any{"code": a2a.ErrTaskNotFound})
	case "tasks/cancel":
		writeRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, "task cancellation is not supported", map[string]any{"code": a2a.ErrTaskNotCancel})
	default:
		writeRPCError(w, req.ID, a2a.JSONRPCMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

// handleMessageSend dispatches to the full orchestration pipeline when
// agentId names the orchestrator's own card, or directly to a single
// registered agent's invoker otherwise (bypassing routing — useful for
// interop probes and for addressing a specific local agent by id).
func (s *Server) handleMessageSend(ctx context.Context, w http.ResponseWriter, agentID string, req rpcRequest) {
	var params types.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "invalid params", nil)
		return
	}
	text, ok := params.Message.FirstText()
	if !ok {
		writeRPCError(w, req.ID, a2a.JSONRPCInvalidParams, "message has no text part", nil)
		return
	}

	if agentID == s.selfCard.ID {
		s.dispatchToOrchestrator(ctx, w, req.ID, params, text)
		return
	}
	s.dispatchToAgent(ctx, w, req.ID, agentID, params, text)
}

func (s *Server) dispatchToOrchestrator(ctx context.Context, w http.ResponseWriter, id any, params types.MessageSendParams, text string) {
	result, err := s.orchestrator.ProcessRequest(ctx, orchestrator.Request{
		UserText:     text,
		TaskID:       params.Message.TaskID,
		A2AContextID: params.Message.ContextID,
		MessageID:    params.Message.MessageID,
	})
	if err != nil {
		writeRPCError(w, id, a2a.JSONRPCInternalError, err.Error(), appErrorData(err))
		return
	}

	resp := types.NewTextMessage("assistant", uuid.NewString(), params.Message.ContextID, result.Text)
	resp.TaskID = params.Message.TaskID
	resp.Metadata = map[string]any{
		"agents_used":       result.AgentsUsed,
		"execution_time_ms": result.ExecutionTimeMs,
		"task_state":        result.TaskState,
	}
	writeRPCResult(w, id, resp)
}

func (s *Server) dispatchToAgent(ctx context.Context, w http.ResponseWriter, id any, agentID string, params types.MessageSendParams, text string) {
	card, ok := s.registry.Get(agentID)
	if !ok {
		writeRPCError(w, id, a2a.JSONRPCMethodNotFound, fmt.Sprintf("unknown agent %q", agentID), nil)
		return
	}
	inv, err := s.registry.ResolveInvoker(ctx, agentID)
	if err != nil {
		writeRPCError(w, id, a2a.JSONRPCMethodNotFound, err.Error(), nil)
		return
	}

	var sink executor.EventSink
	if s.hub != nil {
		sink = executor.EventSinkFunc(s.hub.Publish)
	}
	wrapper := executor.New(card, inv, 0, sink)
	agentResp, err := wrapper.Execute(ctx, lucia.InvokeRequest{
		AgentID:     agentID,
		Instruction: text,
		SessionID:   params.Message.ContextID,
	})
	if err != nil {
		writeRPCError(w, id, a2a.JSONRPCInternalError, err.Error(), nil)
		return
	}
	if !agentResp.Success {
		writeRPCError(w, id, a2a.JSONRPCInternalError, agentResp.ErrorMessage, map[string]any{"code": a2a.ErrAgentTimeout})
		return
	}

	resp := types.NewTextMessage("assistant", uuid.NewString(), params.Message.ContextID, agentResp.Content)
	writeRPCResult(w, id, resp)
}

// appErrorData classifies an orchestrator-returned error into the app-level
// data codes §6.1 documents, so clients can distinguish a routing failure
// from an internal workflow failure without string-matching the message.
func appErrorData(err error) map[string]any {
	var routerFailure *lucia.RouterFailure
	if errors.As(err, &routerFailure) {
		return map[string]any{"code": a2a.ErrRouterFailure}
	}
	var workflowErr *lucia.WorkflowError
	if errors.As(err, &workflowErr) {
		return map[string]any{"code": a2a.ErrWorkflowError}
	}
	return map[string]any{"code": a2a.ErrWorkflowError}
}

// --- Agent discovery & catalog ---

// handleAgentCard serves the orchestrator's own A2A discovery document.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cardToWire(s.selfCard, r.Host))
}

func cardToWire(c lucia.AgentCard, host string) types.AgentCard {
	url := c.URL
	if url == "" {
		url = "http://" + host + "/a2a/" + c.ID + "/v1"
	}
	skills := make([]types.Skill, 0, len(c.Capabilities))
	for _, tag := range c.Capabilities {
		skills = append(skills, types.Skill{ID: tag, Name: tag, Tags: []string{tag}})
	}
	return types.AgentCard{
		ProtocolVersion:    "1.0",
		Name:               c.Name,
		Description:        c.Description,
		URL:                url,
		Version:            c.Version,
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             skills,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	cards := s.registry.List()
	out := make([]types.AgentCard, 0, len(cards))
	for _, c := range cards {
		out = append(out, cardToWire(c, r.Host))
	}
	writeJSON(w, http.StatusOK, out)
}

type registerAgentRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// handleRegisterAgent registers a remote agent card. Local agents are
// registered in-process at startup (they need a live Invoker); this surface
// only accepts cards with a URL, which become remote cards resolved through
// registry.RegisterRemote.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if body.URL == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("url is required to register a remote agent"))
		return
	}
	card := lucia.AgentCard{
		ID:           body.ID,
		Name:         body.Name,
		Description:  body.Description,
		URL:          body.URL,
		Capabilities: body.Capabilities,
		Version:      body.Version,
	}
	if err := s.registry.RegisterRemote(card); err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, cardToWire(card, r.Host))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	s.registry.Unregister(r.PathValue("agentUri"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Diagnostics ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"agent_count": len(s.registry.List()),
		"time":        time.Now().Format(time.RFC3339),
	})
}

// handleRoutingLog is a placeholder diagnostics surface: routing decisions
// themselves are observable through the /api/activity/live stream, not
// retained server-side beyond that, so this simply confirms the surface
// exists and points callers at the live feed.
func (s *Server) handleRoutingLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"note": "routing decisions are observable via GET /api/activity/live",
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no task store configured"))
		return
	}
	taskID := r.PathValue("taskId")
	record, etag, found, err := s.tasks.Load(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("task %q not found", taskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":    taskID,
		"etag":      etag,
		"taskState": record.TaskState,
		"updatedAt": record.UpdatedAt,
		"context":   record.Context,
	})
}

// handleRehydrateTask re-saves a task's current record with a fresh TTL,
// used to keep a long-lived conversation alive past its configured TTL
// without replaying a full turn.
func (s *Server) handleRehydrateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no task store configured"))
		return
	}
	taskID := r.PathValue("taskId")
	record, etag, found, err := s.tasks.Load(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("task %q not found", taskID))
		return
	}
	newEtag, err := s.tasks.Save(r.Context(), taskID, record, etag, taskstore.DefaultTTL)
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "etag": newEtag})
}

// handleActivityLive streams LiveEvents as they are published to the
// observer hub, one `data: {...}\n\n` frame per event, flushed immediately
// and never buffered.
func (s *Server) handleActivityLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.hub == nil {
		return
	}
	ctx := r.Context()
	ch, unsubscribe := s.hub.Subscribe(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// --- small HTTP helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
