// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the gateway's HTTP surface: agent registration and
// heartbeats, streaming chat, backend administration, and the worker
// protocol endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kadirpekel/ryu/pkg/agent"
	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/observability"
	"github.com/kadirpekel/ryu/pkg/orchestrator"
	"github.com/kadirpekel/ryu/pkg/recovery"
	"github.com/kadirpekel/ryu/pkg/session"
	"github.com/kadirpekel/ryu/pkg/task"
	"github.com/kadirpekel/ryu/pkg/tools"
)

// RegisteredAgent is one CLI agent known to the gateway.
type RegisteredAgent struct {
	AgentID       string       `json:"agent_id"`
	Role          session.Role `json:"role"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Server is the gateway HTTP server.
type Server struct {
	cfg *config.Config

	registry   *llms.BackendRegistry
	router     *llms.Router
	engine     *orchestrator.Engine
	recovery   *recovery.Manager
	store      task.Store
	dispatcher *tools.Dispatcher
	hooks      session.Hooks
	obs        *observability.Manager
	toolDefs   []llms.ToolDefinition

	mu       sync.RWMutex
	agents   map[string]*RegisteredAgent
	sessions map[string]*agent.Agent

	httpServer *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Config     *config.Config
	Registry   *llms.BackendRegistry
	Router     *llms.Router
	Engine     *orchestrator.Engine
	Recovery   *recovery.Manager
	Store      task.Store
	Dispatcher *tools.Dispatcher
	Hooks      session.Hooks
	Obs        *observability.Manager
	Tools      []llms.ToolDefinition
}

// New creates the server.
func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Config,
		registry:   opts.Registry,
		router:     opts.Router,
		engine:     opts.Engine,
		recovery:   opts.Recovery,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		hooks:      opts.Hooks,
		obs:        opts.Obs,
		toolDefs:   opts.Tools,
		agents:     make(map[string]*RegisteredAgent),
		sessions:   make(map[string]*agent.Agent),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", s.handleHealthz)
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/stream", s.handleChatStream)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", s.handleAgentRegister)
			r.Post("/{agentID}/heartbeat", s.handleAgentHeartbeat)
			r.Get("/", s.handleAgentList)
		})

		r.Route("/backends", func(r chi.Router) {
			r.Get("/", s.handleBackendList)
			r.Get("/health", s.handleBackendHealth)
			r.Get("/circuits", s.handleCircuits)
			r.Post("/invalidate", s.handleInvalidate)
		})

		r.Route("/orchestrator", func(r chi.Router) {
			r.Get("/poll", s.handlePoll)
			r.Post("/claim", s.handleClaim)
			r.Post("/start", s.handleStartWork)
			r.Post("/release", s.handleRelease)
			r.Post("/report", s.handleReport)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleTaskList)
			r.Get("/{taskID}", s.handleTaskGet)
			r.Post("/{taskID}/pause", s.handleTaskPause)
			r.Post("/{taskID}/resume", s.handleTaskResume)
			r.Post("/{taskID}/checkpoint", s.handleTaskCheckpoint)
			r.Post("/{taskID}/rollback", s.handleTaskRollback)
			r.Get("/{taskID}/postmortem", s.handleTaskPostmortem)
		})
	})
	return r
}

// ListenAndServe starts the HTTP listener and blocks.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	slog.Info("gateway listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown runs the graceful shutdown sequence: pause + checkpoint all
// active tasks, then stop the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.recovery != nil {
		summary := s.recovery.PrepareShutdown()
		slog.Info("shutdown prepared",
			"paused", summary["paused_tasks"],
			"checkpoints", summary["checkpoints_created"])
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------------------------------------------------------------------------
// Agents

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string   `json:"agent_id"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID = "agent-" + uuid.NewString()[:8]
	}
	role := session.Role(req.Role)
	if role != session.RoleLeader {
		role = session.RoleWorker
	}

	now := time.Now().UTC()
	registered := &RegisteredAgent{
		AgentID:       req.AgentID,
		Role:          role,
		Capabilities:  req.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	s.mu.Lock()
	s.agents[req.AgentID] = registered
	s.mu.Unlock()

	slog.Info("agent registered", "agent", req.AgentID, "role", role)
	writeJSON(w, http.StatusOK, registered)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	s.mu.Lock()
	registered, ok := s.agents[agentID]
	if ok {
		registered.LastHeartbeat = time.Now().UTC()
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent %s not registered", agentID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentList(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	list := make([]*RegisteredAgent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

// ---------------------------------------------------------------------------
// Chat streaming

// sessionAgent returns (creating on demand) the driver for a session id.
func (s *Server) sessionAgent(sessionID string, role session.Role) *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.sessions[sessionID]; ok {
		return a
	}

	dispatcher := &tools.Dispatcher{
		Permissions: s.dispatcher.Permissions,
		Hooks:       s.hooks,
		Host:        s.dispatcher.Host,
		Approval:    s.dispatcher.Approval,
		Role:        role,
	}
	dispatcher.SetSchemas(toToolInfos(s.toolDefs))

	a := agent.New(agent.Options{
		SystemPrompt:  "You are a coding agent collaborating through the gateway.",
		Config:        s.cfg.Agent,
		Picker:        s.router,
		Dispatcher:    dispatcher,
		Hooks:         s.hooks,
		Tools:         s.toolDefs,
		ContextWindow: s.contextWindow(),
		BaseURL:       s.primaryBaseURL(),
	})
	s.sessions[sessionID] = a
	return a
}

func toToolInfos(defs []llms.ToolDefinition) []tools.ToolInfo {
	infos := make([]tools.ToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, tools.ToolInfo{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	return infos
}

func (s *Server) contextWindow() int {
	for _, name := range s.cfg.LLM.Chain {
		if b, ok := s.cfg.LLM.Backends[name]; ok {
			return b.ContextWindow
		}
	}
	return 32768
}

func (s *Server) primaryBaseURL() string {
	for _, name := range s.cfg.LLM.Chain {
		if b, ok := s.cfg.LLM.Backends[name]; ok {
			return b.BaseURL
		}
	}
	return ""
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string              `json:"session_id"`
		Role      string              `json:"role"`
		Content   []llms.ContentBlock `json:"content"`
		Text      string              `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	content := req.Content
	if len(content) == 0 && req.Text != "" {
		content = []llms.ContentBlock{llms.TextBlock(req.Text)}
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty content"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	role := session.Role(req.Role)
	if role != session.RoleLeader {
		role = session.RoleWorker
	}
	driver := s.sessionAgent(req.SessionID, role)

	if s.obs != nil {
		s.obs.RequestCounter.Add(r.Context(), 1)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for event := range driver.Process(r.Context(), content) {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// ---------------------------------------------------------------------------
// Backends

func (s *Server) handleBackendList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backends":     s.registry.List(),
		"chain":        s.registry.Chain(),
		"last_healthy": s.router.LastHealthy(),
	})
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.HealthCheckAll(r.Context()))
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.router.CircuitStates())
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backend string `json:"backend"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.router.Invalidate(req.Backend)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------------------------------------------------------------------------
// Orchestrator (worker protocol)

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	max := 1
	if raw := r.URL.Query().Get("max"); raw != "" {
		fmt.Sscanf(raw, "%d", &max)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": s.engine.Poll(max)})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID    string `json:"task_id"`
		SubtaskID string `json:"subtask_id"`
		AgentID   string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claimed, err := s.engine.Claim(req.TaskID, req.SubtaskID, req.AgentID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subtask": claimed})
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID    string `json:"task_id"`
		SubtaskID string `json:"subtask_id"`
		AgentID   string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	workCtx, err := s.engine.StartWork(req.TaskID, req.SubtaskID, req.AgentID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "context": workCtx})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID    string `json:"task_id"`
		SubtaskID string `json:"subtask_id"`
		AgentID   string `json:"agent_id"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Release(req.TaskID, req.SubtaskID, req.AgentID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var report orchestrator.WorkerReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	feedback, err := s.engine.Report(report)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if s.obs != nil {
		s.obs.IterationCounter.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feedback": feedback})
}

// ---------------------------------------------------------------------------
// Tasks

func (s *Server) handleTaskList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.store.All()})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, ok := s.store.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", taskID))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskPause(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := recovery.PauseReason(req.Reason)
	if reason == "" {
		reason = recovery.PauseUserRequest
	}
	if err := s.recovery.Pause(taskID, reason, req.Message, "api"); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.recovery.Resume(taskID, "api"); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskCheckpoint(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	cpID, err := s.recovery.CreateCheckpoint(taskID, req.Reason, "api")
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "checkpoint_id": cpID})
}

func (s *Server) handleTaskRollback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		SubtaskID string `json:"subtask_id"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.recovery.RollbackSubtask(taskID, req.SubtaskID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskPostmortem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.Postmortem(chi.URLParam(r, "taskID")))
}
