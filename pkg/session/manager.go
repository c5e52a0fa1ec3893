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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
)

// Config configures the session manager.
type Config struct {
	// Constructors builds agent implementations by kind. Required.
	Constructors *agent.ConstructorRegistry

	// Bus receives session lifecycle events. Optional.
	Bus bus.Bus

	// Router wires outbound agent messaging. Optional.
	Router agent.MessageRouter

	// MailboxSize for hosted agents. Optional.
	MailboxSize int

	// MaxRestarts and RestartWindow tune the permanent supervisor.
	MaxRestarts   int
	RestartWindow time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type sessionRecord struct {
	id           string
	agentID      string
	agentType    string
	agentConfig  map[string]any
	metadata     map[string]any
	createdAt    time.Time
	lastActivity time.Time
	stopping     bool
}

type subagentRecord struct {
	id        string
	sessionID string
	agentType string
	policy    agent.RestartPolicy
	spec      map[string]any
	startedAt time.Time
}

// Manager owns the session and subagent tables and the two typed
// supervisors the hosted agents run under.
type Manager struct {
	constructors *agent.ConstructorRegistry
	bus          bus.Bus
	router       agent.MessageRouter
	mailboxSize  int
	logger       *slog.Logger
	now          func() time.Time

	permanent *agent.Supervisor
	temporary *agent.Supervisor

	mu            sync.RWMutex
	sessions      map[string]*sessionRecord
	subagents     map[string]*subagentRecord
	agentSessions map[string]string

	sessionsStarted     uint64
	sessionsStopped     uint64
	subagentsSpawned    uint64
	subagentsTerminated uint64
}

// NewManager builds a session manager with its typed supervisors.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Constructors == nil {
		return nil, fmt.Errorf("constructor registry cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		constructors:  cfg.Constructors,
		bus:           cfg.Bus,
		router:        cfg.Router,
		mailboxSize:   cfg.MailboxSize,
		logger:        logger,
		now:           now,
		sessions:      make(map[string]*sessionRecord),
		subagents:     make(map[string]*subagentRecord),
		agentSessions: make(map[string]string),
	}
	m.permanent = agent.NewSupervisor(agent.SupervisorConfig{
		Policy:        agent.RestartPermanent,
		MaxRestarts:   cfg.MaxRestarts,
		RestartWindow: cfg.RestartWindow,
		OnChildDown:   m.handleChildDown,
		Logger:        logger,
		Clock:         now,
	})
	m.temporary = agent.NewSupervisor(agent.SupervisorConfig{
		Policy:      agent.RestartTemporary,
		OnChildDown: m.handleChildDown,
		Logger:      logger,
		Clock:       now,
	})
	return m, nil
}

// StartSessionRequest parametrises StartSession.
type StartSessionRequest struct {
	// ID of the session. Generated when empty.
	ID string

	// AgentType of the session agent. Required.
	AgentType string

	// AgentConfig is handed to the agent constructor.
	AgentConfig map[string]any

	// Metadata stored on the session record.
	Metadata map[string]any
}

// StartSession starts the session agent under its typed supervisor and
// records the session.
func (m *Manager) StartSession(ctx context.Context, req StartSessionRequest) (Session, error) {
	if req.AgentType == "" {
		return Session{}, fmt.Errorf("agent type cannot be empty")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	agentID := id + "-agent"

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	sup := m.supervisorFor(agent.PolicyForType(req.AgentType))
	_, err := sup.StartChild(ctx, agentID, m.startFunc(agentID, id, req.AgentType, req.AgentConfig))
	if err != nil {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("starting session agent: %w", err)
	}
	now := m.now()
	rec := &sessionRecord{
		id:           id,
		agentID:      agentID,
		agentType:    req.AgentType,
		agentConfig:  cloneMeta(req.AgentConfig),
		metadata:     cloneMeta(req.Metadata),
		createdAt:    now,
		lastActivity: now,
	}
	m.sessions[id] = rec
	m.agentSessions[agentID] = id
	m.sessionsStarted++
	view := m.viewLocked(rec)
	m.mu.Unlock()

	m.logger.Info("Session started", "session_id", id, "agent_type", req.AgentType)
	m.publishEvent(EventSessionStarted, id, map[string]any{"agent_type": req.AgentType})
	return view, nil
}

// SpawnSubagent starts a subagent for the session under the supervisor
// matching the agent kind's restart policy.
func (m *Manager) SpawnSubagent(ctx context.Context, sessionID, agentType string, spec map[string]any) (Subagent, error) {
	if agentType == "" {
		return Subagent{}, fmt.Errorf("agent type cannot be empty")
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.stopping {
		m.mu.Unlock()
		return Subagent{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	id := uuid.NewString()
	policy := agent.PolicyForType(agentType)
	_, err := m.supervisorFor(policy).StartChild(ctx, id, m.startFunc(id, sessionID, agentType, spec))
	if err != nil {
		m.mu.Unlock()
		return Subagent{}, fmt.Errorf("starting subagent: %w", err)
	}
	rec := &subagentRecord{
		id:        id,
		sessionID: sessionID,
		agentType: agentType,
		policy:    policy,
		spec:      cloneMeta(spec),
		startedAt: m.now(),
	}
	m.subagents[id] = rec
	sess.lastActivity = m.now()
	m.subagentsSpawned++
	view := subagentView(rec)
	m.mu.Unlock()

	m.logger.Info("Subagent spawned", "subagent_id", id, "session_id", sessionID, "agent_type", agentType, "policy", policy)
	m.publishEvent(EventSubagentSpawned, sessionID, map[string]any{"subagent_id": id, "agent_type": agentType})
	return view, nil
}

// StopSubagent gracefully stops one subagent.
func (m *Manager) StopSubagent(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	rec, ok := m.subagents[id]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}
	policy := rec.policy
	m.mu.RUnlock()

	if err := m.supervisorFor(policy).StopChild(ctx, id, reason); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// StopSession terminates every subagent of the session first, then the
// session agent, then removes the records.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.stopping {
		m.mu.Unlock()
		return nil
	}
	sess.stopping = true
	agentID := sess.agentID
	agentPolicy := agent.PolicyForType(sess.agentType)
	subs := m.sessionSubagentsLocked(id)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.supervisorFor(sub.policy).StopChild(ctx, sub.id, "session ended"); err != nil && ctx.Err() != nil {
			return err
		}
	}
	if err := m.supervisorFor(agentPolicy).StopChild(ctx, agentID, "session ended"); err != nil && ctx.Err() != nil {
		return err
	}

	m.removeSession(id, agentID)
	m.logger.Info("Session stopped", "session_id", id, "subagents", len(subs))
	m.publishEvent(EventSessionStopped, id, map[string]any{"reason": "stopped"})
	return nil
}

// Touch records session activity.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.lastActivity = m.now()
	return nil
}

// Get returns a view of one session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return m.viewLocked(rec), true
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, m.viewLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListSessionSubagents returns the subagents belonging to the session.
func (m *Manager) ListSessionSubagents(sessionID string) ([]Subagent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var out []Subagent
	for _, rec := range m.subagents {
		if rec.sessionID == sessionID {
			out = append(out, subagentView(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// IdleSessions returns sessions whose last activity is older than the
// given duration.
func (m *Manager) IdleSessions(idleFor time.Duration) []Session {
	cutoff := m.now().Add(-idleFor)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, rec := range m.sessions {
		if rec.lastActivity.Before(cutoff) {
			out = append(out, m.viewLocked(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SessionRunner returns the live runner of the session agent.
func (m *Manager) SessionRunner(id string) (*agent.Runner, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	agentID := sess.agentID
	policy := agent.PolicyForType(sess.agentType)
	m.mu.RUnlock()

	runner, ok := m.supervisorFor(policy).Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s agent is down", ErrSessionNotFound, id)
	}
	return runner, nil
}

// AgentRunner resolves any supervised runner by agent id.
func (m *Manager) AgentRunner(agentID string) (*agent.Runner, bool) {
	if r, ok := m.permanent.Get(agentID); ok {
		return r, true
	}
	return m.temporary.Get(agentID)
}

// SessionForAgent maps a hosted agent id back to its session.
func (m *Manager) SessionForAgent(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentSessions[agentID]
	return id, ok
}

// Supervisor returns the typed supervisor for a restart policy.
func (m *Manager) Supervisor(policy agent.RestartPolicy) *agent.Supervisor {
	return m.supervisorFor(policy)
}

// Stats reports table sizes and lifetime counters.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"active_sessions":            len(m.sessions),
		"active_subagents":           len(m.subagents),
		"sessions_started_total":     m.sessionsStarted,
		"sessions_stopped_total":     m.sessionsStopped,
		"subagents_spawned_total":    m.subagentsSpawned,
		"subagents_terminated_total": m.subagentsTerminated,
	}
}

// Close stops every session, then shuts the supervisors down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StopSession(ctx, id); err != nil && ctx.Err() != nil {
			return err
		}
	}
	if err := m.temporary.Close(ctx); err != nil {
		return err
	}
	return m.permanent.Close(ctx)
}

func (m *Manager) supervisorFor(policy agent.RestartPolicy) *agent.Supervisor {
	if policy == agent.RestartPermanent {
		return m.permanent
	}
	return m.temporary
}

// startFunc rebuilds the implementation on every (re)start so restarts
// get fresh state.
func (m *Manager) startFunc(agentID, sessionID, agentType string, cfg map[string]any) agent.StartFunc {
	return func(ctx context.Context) (*agent.Runner, error) {
		impl, err := m.constructors.New(agentType, cfg)
		if err != nil {
			return nil, err
		}
		r, err := agent.New(agent.Config{
			ID:          agentID,
			SessionID:   sessionID,
			Impl:        impl,
			Bus:         m.bus,
			Router:      m.router,
			MailboxSize: m.mailboxSize,
			Logger:      m.logger,
			Clock:       m.now,
		})
		if err != nil {
			return nil, err
		}
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

type subagentHandle struct {
	id     string
	policy agent.RestartPolicy
}

func (m *Manager) sessionSubagentsLocked(sessionID string) []subagentHandle {
	var out []subagentHandle
	for _, rec := range m.subagents {
		if rec.sessionID == sessionID {
			out = append(out, subagentHandle{id: rec.id, policy: rec.policy})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) removeSession(id, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.agentSessions, agentID)
	for subID, rec := range m.subagents {
		if rec.sessionID == id {
			delete(m.subagents, subID)
		}
	}
	m.sessionsStopped++
}

// handleChildDown observes supervisor exits: subagent records are removed
// with their termination cause; a dead session agent tears its session
// down.
func (m *Manager) handleChildDown(childID string, exitErr error, restarted bool) {
	if restarted {
		return
	}
	cause := "normal"
	if exitErr != nil {
		cause = exitErr.Error()
	}

	m.mu.Lock()
	if rec, ok := m.subagents[childID]; ok {
		delete(m.subagents, childID)
		m.subagentsTerminated++
		sessionID := rec.sessionID
		m.mu.Unlock()
		m.logger.Info("Subagent terminated", "subagent_id", childID, "session_id", sessionID, "cause", cause)
		m.publishEvent(EventSubagentTerminated, sessionID, map[string]any{"subagent_id": childID, "cause": cause})
		return
	}
	sessionID, ok := m.agentSessions[childID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess := m.sessions[sessionID]
	if sess == nil || sess.stopping {
		m.mu.Unlock()
		return
	}
	sess.stopping = true
	subs := m.sessionSubagentsLocked(sessionID)
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, sub := range subs {
			_ = m.supervisorFor(sub.policy).StopChild(ctx, sub.id, "session agent exited")
		}
		m.removeSession(sessionID, childID)
		m.logger.Warn("Session torn down after agent exit", "session_id", sessionID, "cause", cause)
		m.publishEvent(EventSessionStopped, sessionID, map[string]any{"reason": "agent_exit", "cause": cause})
	}()
}

func (m *Manager) viewLocked(rec *sessionRecord) Session {
	count := 0
	for _, sub := range m.subagents {
		if sub.sessionID == rec.id {
			count++
		}
	}
	return Session{
		ID:           rec.id,
		AgentID:      rec.agentID,
		AgentType:    rec.agentType,
		Metadata:     cloneMeta(rec.metadata),
		CreatedAt:    rec.createdAt,
		LastActivity: rec.lastActivity,
		Subagents:    count,
	}
}

func subagentView(rec *subagentRecord) Subagent {
	return Subagent{
		ID:        rec.id,
		SessionID: rec.sessionID,
		Type:      rec.agentType,
		Spec:      cloneMeta(rec.spec),
		StartedAt: rec.startedAt,
	}
}

type sessionEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (m *Manager) publishEvent(eventType, sessionID string, details map[string]any) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(sessionEvent{
		Type:      eventType,
		SessionID: sessionID,
		Details:   details,
		Timestamp: m.now(),
	})
	if err != nil {
		return
	}
	msg := bus.Message{Topic: bus.TopicSystemSessions, Type: eventType, Payload: payload}
	_ = m.bus.Publish(msg)
	msg.Topic = bus.TopicSession(sessionID)
	_ = m.bus.Publish(msg)
}
