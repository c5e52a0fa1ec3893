// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/session"
)

// agentSummary is one row of GET /agents.
type agentSummary struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	MemoryKB  uint64       `json:"memory_kb"`
	Metrics   agentMetrics `json:"metrics"`
}

type agentMetrics struct {
	Node            string    `json:"node"`
	CurrentLoad     int       `json:"current_load"`
	PendingMessages int       `json:"pending_messages"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// agentRecord is the full record of GET /agents/{id}.
type agentRecord struct {
	registry.Entry
	Status   string              `json:"status"`
	MemoryKB uint64              `json:"memory_kb"`
	Runtime  *agent.StatusReport `json:"runtime,omitempty"`
}

// agentStatus is GET /agents/{id}/status.
type agentStatus struct {
	Alive        bool       `json:"alive"`
	Status       string     `json:"status"`
	MemoryKB     uint64     `json:"memory_kb"`
	QueueLen     int        `json:"queue_len"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

type startSessionRequest struct {
	ID          string         `json:"id,omitempty"`
	AgentType   string         `json:"agent_type"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type messageRequest struct {
	Message map[string]any `json:"message"`
	Type    string          `json:"type,omitempty"`
}

type commandRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeMS int64  `json:"uptime_ms"`
	Agents   int    `json:"agents"`
	Sessions int    `json:"sessions"`
}

// memoryKBPerAgent attributes the heap evenly across live agents. Go
// has no per-goroutine accounting, so this is the closest honest
// figure.
func memoryKBPerAgent(agents int) uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if agents < 1 {
		agents = 1
	}
	return ms.HeapInuse / uint64(agents) / 1024
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	entries := s.cfg.Agents.List()
	perAgent := memoryKBPerAgent(len(entries))

	out := make([]agentSummary, 0, len(entries))
	for _, e := range entries {
		row := agentSummary{
			ID:        e.AgentID,
			Type:      e.Type,
			Status:    "registered",
			SessionID: e.SessionID,
			MemoryKB:  perAgent,
			Metrics: agentMetrics{
				Node:            e.Node,
				CurrentLoad:     e.CurrentLoad,
				PendingMessages: e.PendingMessages,
				UpdatedAt:       e.UpdatedAt,
			},
		}
		if runner, ok := s.cfg.Sessions.AgentRunner(e.AgentID); ok {
			if report, err := runner.Status(r.Context()); err == nil {
				row.Status = string(report.Status)
				row.StartedAt = &report.StartedAt
			}
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.cfg.Agents.Lookup(id)
	if err != nil {
		writeError(w, err)
		return
	}

	record := agentRecord{Entry: entry, Status: "registered"}
	if runner, ok := s.cfg.Sessions.AgentRunner(id); ok {
		if report, err := runner.Status(r.Context()); err == nil {
			record.Status = string(report.Status)
			record.Runtime = &report
		}
	}
	record.MemoryKB = memoryKBPerAgent(len(s.cfg.Agents.List()))
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Agents.Lookup(id); err != nil {
		writeError(w, err)
		return
	}

	status := agentStatus{Status: "registered"}
	if runner, ok := s.cfg.Sessions.AgentRunner(id); ok {
		report, err := runner.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		status.Alive = report.Status != agent.StatusStopped
		status.Status = string(report.Status)
		status.QueueLen = report.QueueLength
		status.LastActivity = &report.LastActivity
	}
	status.MemoryKB = memoryKBPerAgent(len(s.cfg.Agents.List()))
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentType == "" {
		writeValidationError(w, "agent_type is required")
		return
	}

	sess, err := s.cfg.Sessions.StartSession(r.Context(), session.StartSessionRequest{
		ID:          req.ID,
		AgentType:   req.AgentType,
		AgentConfig: req.AgentConfig,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.cfg.Sessions.Get(id)
	if !ok {
		writeError(w, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Sessions.StopSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

// handleSessionMessage enqueues the message on the session agent's
// mailbox and returns before it is processed.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Message) == 0 {
		writeValidationError(w, "message is required")
		return
	}

	runner, err := s.cfg.Sessions.SessionRunner(id)
	if err != nil {
		writeError(w, err)
		return
	}

	taskType := req.Type
	if taskType == "" {
		taskType = "message"
	}
	_, taskID, err := runner.Submit(r.Context(), agent.TaskSpec{
		Type:      taskType,
		Payload:   req.Message,
		SessionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	_ = s.cfg.Sessions.Touch(id)
	s.publishSessionEvent(id, "message_added", taskID)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing", "task_id": taskID})
}

// handleSessionCommand runs the command on the session agent and waits
// for the result.
func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Command == "" {
		writeValidationError(w, "command is required")
		return
	}

	runner, err := s.cfg.Sessions.SessionRunner(id)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := map[string]any{"command": req.Command}
	if req.Args != nil {
		payload["args"] = req.Args
	}
	result, err := runner.Execute(r.Context(), agent.TaskSpec{
		Type:      req.Command,
		Payload:   payload,
		SessionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	_ = s.cfg.Sessions.Touch(id)
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "status": "completed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  s.cfg.Version,
		UptimeMS: s.now().Sub(s.started).Milliseconds(),
		Agents:   len(s.cfg.Agents.List()),
		Sessions: len(s.cfg.Sessions.List()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Keys.JWKS()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) publishSessionEvent(sessionID, eventType, taskID string) {
	if s.cfg.Bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID, "task_id": taskID})
	err := s.cfg.Bus.Publish(bus.Message{
		Topic:   bus.TopicSession(sessionID),
		Type:    eventType,
		Node:    s.cfg.Node,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("session event publish failed", "session_id", sessionID, "type", eventType, "error", err)
	}
}
