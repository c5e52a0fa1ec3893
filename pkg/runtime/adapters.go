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

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/cluster"
	"github.com/soteria-run/soteria/pkg/pool"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/session"
)

// resolveAgent lets the registry deliver bus mail to agents hosted by
// this node's session manager.
func (rt *Runtime) resolveAgent(agentID string) (agent.MessageTarget, bool) {
	if rt.sessions == nil {
		return nil, false
	}
	runner, ok := rt.sessions.AgentRunner(agentID)
	if !ok {
		return nil, false
	}
	return runner, true
}

// workerFactory builds one-shot pool workers. The request's tool names
// the agent kind and its metadata feeds the constructor.
func (rt *Runtime) workerFactory(ctx context.Context, req pool.Request) (*agent.Runner, error) {
	impl, err := rt.constructors.New(req.Tool, req.Metadata)
	if err != nil {
		return nil, err
	}
	runner, err := agent.New(agent.Config{
		ID:        "worker-" + uuid.NewString(),
		SessionID: req.SessionID,
		Impl:      impl,
		Logger:    rt.logger,
		Clock:     rt.clock,
	})
	if err != nil {
		return nil, err
	}
	// The worker outlives the submission context; the pool retires it
	// itself once the task resolves.
	if err := runner.Start(context.Background()); err != nil {
		return nil, err
	}
	return runner, nil
}

// agentServices adapts the node's local services to the workflow
// coordinator. Task execution is strictly local: tasks for agents on
// other nodes fail here and the coordinator's retry respawns the step's
// agent on this node.
type agentServices struct {
	rt *Runtime
}

func (s *agentServices) ExecuteTask(ctx context.Context, agentID string, task agent.TaskSpec) (any, error) {
	runner, ok := s.rt.sessions.AgentRunner(agentID)
	if !ok {
		if entry, err := s.rt.registry.Lookup(agentID); err == nil && entry.Node != s.rt.cfg.Node {
			return nil, fmt.Errorf("agent %s lives on node %s, not here", agentID, entry.Node)
		}
		return nil, fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	return runner.Execute(ctx, task)
}

func (s *agentServices) AgentAlive(agentID string) bool {
	runner, ok := s.rt.sessions.AgentRunner(agentID)
	return ok && runner.Running()
}

func (s *agentServices) Coordinate(ctx context.Context, agentID string, msg map[string]any) error {
	runner, ok := s.rt.sessions.AgentRunner(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	return runner.Coordinate(ctx, msg)
}

func (s *agentServices) SpawnAgent(ctx context.Context, agentType string) (string, error) {
	started, err := s.rt.sessions.StartSession(ctx, session.StartSessionRequest{
		AgentType: agentType,
		Metadata:  map[string]any{"spawned_by": "workflow"},
	})
	if err != nil {
		return "", err
	}
	return started.AgentID, nil
}

// sessionHost adapts the session manager to the distributed supervisor.
// Only session agents migrate; subagents are transient and respawn on
// their new node on demand.
type sessionHost struct {
	rt *Runtime
}

func (h *sessionHost) StartAgent(ctx context.Context, spec cluster.StartSpec) error {
	sessionID := spec.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSuffix(spec.AgentID, "-agent")
	}
	if _, err := h.rt.sessions.StartSession(ctx, session.StartSessionRequest{
		ID:          sessionID,
		AgentType:   spec.Type,
		AgentConfig: spec.Config,
	}); err != nil {
		return err
	}
	if len(spec.Snapshot) == 0 {
		return nil
	}
	runner, err := h.rt.sessions.SessionRunner(sessionID)
	if err != nil {
		return err
	}
	return runner.RestoreSnapshot(spec.Snapshot)
}

func (h *sessionHost) StopAgent(ctx context.Context, agentID string) error {
	sessionID, ok := h.rt.sessions.SessionForAgent(agentID)
	if !ok {
		return fmt.Errorf("%w: no session hosts agent %s", session.ErrSessionNotFound, agentID)
	}
	return h.rt.sessions.StopSession(ctx, sessionID)
}

func (h *sessionHost) SnapshotAgent(ctx context.Context, agentID string) (cluster.StartSpec, error) {
	sessionID, ok := h.rt.sessions.SessionForAgent(agentID)
	if !ok {
		return cluster.StartSpec{}, fmt.Errorf("%w: no session hosts agent %s", session.ErrSessionNotFound, agentID)
	}
	state, ok := h.rt.sessions.ExportSession(sessionID)
	if !ok {
		return cluster.StartSpec{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	runner, err := h.rt.sessions.SessionRunner(sessionID)
	if err != nil {
		return cluster.StartSpec{}, err
	}
	snapshot, err := runner.Snapshot()
	if err != nil {
		return cluster.StartSpec{}, fmt.Errorf("snapshotting agent %s: %w", agentID, err)
	}
	return cluster.StartSpec{
		AgentID:   agentID,
		Type:      state.AgentType,
		SessionID: sessionID,
		Config:    state.AgentConfig,
		Snapshot:  snapshot,
	}, nil
}

func (h *sessionHost) ListAgents(ctx context.Context) ([]cluster.AgentSummary, error) {
	sessions := h.rt.sessions.List()
	summaries := make([]cluster.AgentSummary, 0, len(sessions))
	for _, s := range sessions {
		status := "stopped"
		if runner, ok := h.rt.sessions.AgentRunner(s.AgentID); ok && runner.Running() {
			status = "running"
		}
		summaries = append(summaries, cluster.AgentSummary{
			AgentID:   s.AgentID,
			Type:      s.AgentType,
			SessionID: s.ID,
			Status:    status,
		})
	}
	return summaries, nil
}

// securityProvider snapshots the kernel's capability table.
type securityProvider struct {
	rt *Runtime
}

func (p *securityProvider) ExportState(ctx context.Context) (any, error) {
	return p.rt.kernel.Export(ctx)
}

func (p *securityProvider) RestoreState(ctx context.Context, state json.RawMessage) error {
	var caps []*capability.Capability
	if err := json.Unmarshal(state, &caps); err != nil {
		return fmt.Errorf("decoding capability state: %w", err)
	}
	return p.rt.kernel.Restore(ctx, caps)
}

// configProvider snapshots the runtime-adjustable knobs so a recovered
// node resumes with the same ceilings it ran with.
type configProvider struct {
	rt *Runtime
}

func (p *configProvider) ExportState(ctx context.Context) (any, error) {
	return p.rt.currentKnobs(), nil
}

func (p *configProvider) RestoreState(ctx context.Context, state json.RawMessage) error {
	var k knobs
	if err := json.Unmarshal(state, &k); err != nil {
		return fmt.Errorf("decoding config state: %w", err)
	}
	return p.rt.applyKnobs(k)
}

// agentsProvider snapshots this node's registry rows.
type agentsProvider struct {
	rt *Runtime
}

func (p *agentsProvider) ExportState(ctx context.Context) (any, error) {
	return p.rt.registry.ListOnNode(p.rt.cfg.Node), nil
}

func (p *agentsProvider) RestoreState(ctx context.Context, state json.RawMessage) error {
	var entries []registry.Entry
	if err := json.Unmarshal(state, &entries); err != nil {
		return fmt.Errorf("decoding registry state: %w", err)
	}
	for _, entry := range entries {
		if err := p.rt.registry.Register(entry); err != nil {
			p.rt.logger.Warn("Could not restore registry entry",
				"agent_id", entry.AgentID, "error", err)
		}
	}
	return nil
}

// sessionsProvider snapshots session descriptors. Restore respawns each
// session agent fresh; working state arrives separately through agent
// snapshots when a migration carries one.
type sessionsProvider struct {
	rt *Runtime
}

func (p *sessionsProvider) ExportState(ctx context.Context) (any, error) {
	return p.rt.sessions.ExportSessions(), nil
}

func (p *sessionsProvider) RestoreState(ctx context.Context, state json.RawMessage) error {
	var states []session.SessionState
	if err := json.Unmarshal(state, &states); err != nil {
		return fmt.Errorf("decoding session state: %w", err)
	}
	return p.rt.sessions.RestoreSessions(ctx, states)
}
