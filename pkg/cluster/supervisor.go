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

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
)

// Control defaults.
const (
	DefaultControlTimeout   = 10 * time.Second
	DefaultRebalanceTimeout = 30 * time.Second
)

// Control operations carried on per-node topics.
const (
	opStartAgent    = "start_agent"
	opStopAgent     = "stop_agent"
	opListAgents    = "list_agents"
	opSnapshotAgent = "snapshot_agent"
)

func topicNodeControl(node string) string { return "cluster:node:" + node + ":control" }

// StartSpec is everything a node needs to start (or restart) an agent,
// including migrated state.
type StartSpec struct {
	// AgentID is the agent's cluster-wide id.
	AgentID string `json:"agent_id"`

	// Type is the agent kind tag.
	Type string `json:"type"`

	// SessionID attributes the agent to a session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Config is passed to the agent constructor.
	Config map[string]any `json:"config,omitempty"`

	// Snapshot restores the agent's working state after a migration.
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

// AgentSummary describes one agent hosted on a node.
type AgentSummary struct {
	AgentID   string `json:"agent_id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

// NodeAgentHost is the node-local execution side of the distributed
// supervisor: starting, stopping, snapshotting, and listing agents on the
// node it runs on.
type NodeAgentHost interface {
	StartAgent(ctx context.Context, spec StartSpec) error
	StopAgent(ctx context.Context, agentID string) error

	// SnapshotAgent returns a StartSpec that restarts the agent elsewhere,
	// working state included.
	SnapshotAgent(ctx context.Context, agentID string) (StartSpec, error)

	ListAgents(ctx context.Context) ([]AgentSummary, error)
}

type controlRequest struct {
	Op      string     `json:"op"`
	AgentID string     `json:"agent_id,omitempty"`
	Spec    *StartSpec `json:"spec,omitempty"`
}

type controlResponse struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Agents []AgentSummary `json:"agents,omitempty"`
	Spec   *StartSpec     `json:"spec,omitempty"`
}

// MoveResult records one attempted agent migration.
type MoveResult struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Error   string `json:"error,omitempty"`
}

// RebalanceReport summarises one rebalance pass.
type RebalanceReport struct {
	// Members is the healthy node count the target was computed over.
	Members int `json:"members"`

	// TotalAgents is the cluster-wide agent count at the start of the pass.
	TotalAgents int `json:"total_agents"`

	// TargetPerNode is TotalAgents divided by Members.
	TargetPerNode int `json:"target_per_node"`

	// Moves lists every attempted migration in order.
	Moves []MoveResult `json:"moves"`

	// Succeeded and Failed count the moves by outcome.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SupervisorConfig configures a distributed Supervisor.
type SupervisorConfig struct {
	// Node is this node's id. Required.
	Node string

	// Bus carries control requests between nodes. Required.
	Bus bus.Bus

	// Members provides the healthy node set for cluster-wide operations.
	// Required.
	Members *Manager

	// Host executes agent operations on this node. Required.
	Host NodeAgentHost

	// ControlTimeout bounds each per-node control request.
	// Defaults to DefaultControlTimeout.
	ControlTimeout time.Duration

	// Logger receives supervision logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor starts, stops, enumerates, and migrates agents across nodes.
type Supervisor struct {
	node    string
	bus     bus.Bus
	members *Manager
	host    NodeAgentHost
	timeout time.Duration
	logger  *slog.Logger

	sub  *bus.Subscription
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	movesOK     atomic.Uint64
	movesFailed atomic.Uint64
}

// NewSupervisor builds a Supervisor from cfg. Call Start to serve control
// requests for this node.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("supervisor config requires a node id")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("supervisor config requires a bus")
	}
	if cfg.Members == nil {
		return nil, fmt.Errorf("supervisor config requires a cluster manager")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("supervisor config requires a node agent host")
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		node:    cfg.Node,
		bus:     cfg.Bus,
		members: cfg.Members,
		host:    cfg.Host,
		timeout: cfg.ControlTimeout,
		logger:  cfg.Logger,
		quit:    make(chan struct{}),
	}, nil
}

// Start begins serving this node's control topic.
func (s *Supervisor) Start() error {
	sub, err := s.bus.Subscribe(topicNodeControl(s.node))
	if err != nil {
		return fmt.Errorf("subscribing to node control: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.serve(sub)
	return nil
}

// Close stops serving control requests.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	close(s.quit)
	if sub != nil {
		sub.Unsubscribe()
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) serve(sub *bus.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			s.wg.Add(1)
			go func(msg bus.Message) {
				defer s.wg.Done()
				s.handleControl(msg)
			}(msg)
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) handleControl(msg bus.Message) {
	var req controlRequest
	var resp controlResponse
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed control request: %v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		resp = s.execute(ctx, req)
		cancel()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.bus.Reply(msg, payload); err != nil {
		s.logger.Debug("Control reply failed", "op", req.Op, "error", err)
	}
}

// execute runs one control operation against the local host.
func (s *Supervisor) execute(ctx context.Context, req controlRequest) controlResponse {
	switch req.Op {
	case opStartAgent:
		if req.Spec == nil {
			return controlResponse{Error: "start_agent requires a spec"}
		}
		if err := s.host.StartAgent(ctx, *req.Spec); err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true}
	case opStopAgent:
		if err := s.host.StopAgent(ctx, req.AgentID); err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true}
	case opSnapshotAgent:
		spec, err := s.host.SnapshotAgent(ctx, req.AgentID)
		if err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true, Spec: &spec}
	case opListAgents:
		agents, err := s.host.ListAgents(ctx)
		if err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true, Agents: agents}
	default:
		return controlResponse{Error: fmt.Sprintf("unknown control op %q", req.Op)}
	}
}

// roundTrip sends a control request to a node. Requests to this node call
// the host directly.
func (s *Supervisor) roundTrip(ctx context.Context, node string, req controlRequest) (controlResponse, error) {
	if node == s.node {
		return s.execute(ctx, req), nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return controlResponse{}, fmt.Errorf("encoding control request: %w", err)
	}
	raw, err := s.bus.Request(ctx, topicNodeControl(node), payload)
	if err != nil {
		return controlResponse{}, fmt.Errorf("node %s unreachable: %w", node, err)
	}
	var resp controlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return controlResponse{}, fmt.Errorf("malformed control response from %s: %w", node, err)
	}
	return resp, nil
}

func respError(node string, resp controlResponse) error {
	if resp.OK {
		return nil
	}
	return fmt.Errorf("node %s: %s", node, resp.Error)
}

// StartAgentOn starts an agent on the given node.
func (s *Supervisor) StartAgentOn(ctx context.Context, node string, spec StartSpec) error {
	resp, err := s.roundTrip(ctx, node, controlRequest{Op: opStartAgent, Spec: &spec})
	if err != nil {
		return err
	}
	return respError(node, resp)
}

// StopAgentOn stops an agent on the given node.
func (s *Supervisor) StopAgentOn(ctx context.Context, node, agentID string) error {
	resp, err := s.roundTrip(ctx, node, controlRequest{Op: opStopAgent, AgentID: agentID})
	if err != nil {
		return err
	}
	return respError(node, resp)
}

// SnapshotAgentOn fetches a migration snapshot from the given node.
func (s *Supervisor) SnapshotAgentOn(ctx context.Context, node, agentID string) (StartSpec, error) {
	resp, err := s.roundTrip(ctx, node, controlRequest{Op: opSnapshotAgent, AgentID: agentID})
	if err != nil {
		return StartSpec{}, err
	}
	if err := respError(node, resp); err != nil {
		return StartSpec{}, err
	}
	if resp.Spec == nil {
		return StartSpec{}, fmt.Errorf("node %s returned an empty snapshot for %s", node, agentID)
	}
	return *resp.Spec, nil
}

// AgentsOn lists the agents hosted on the given node.
func (s *Supervisor) AgentsOn(ctx context.Context, node string) ([]AgentSummary, error) {
	resp, err := s.roundTrip(ctx, node, controlRequest{Op: opListAgents})
	if err != nil {
		return nil, err
	}
	if err := respError(node, resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// EnumerateAgents lists agents per healthy node. Unreachable nodes are
// logged and omitted.
func (s *Supervisor) EnumerateAgents(ctx context.Context) (map[string][]AgentSummary, error) {
	out := make(map[string][]AgentSummary)
	for _, node := range s.members.HealthyNodes() {
		agents, err := s.AgentsOn(ctx, node)
		if err != nil {
			s.logger.Warn("Agent enumeration failed", "node", node, "error", err)
			continue
		}
		out[node] = agents
	}
	return out, nil
}

// MoveAgent migrates one agent: snapshot on the source, terminate there,
// start on the target with the snapshot. The start acknowledgement is the
// confirmation. If the target start fails the agent is restored on the
// source from the same snapshot.
func (s *Supervisor) MoveAgent(ctx context.Context, agentID, from, to string) error {
	spec, err := s.SnapshotAgentOn(ctx, from, agentID)
	if err != nil {
		s.movesFailed.Add(1)
		return fmt.Errorf("migration snapshot for %s: %w", agentID, err)
	}
	if err := s.StopAgentOn(ctx, from, agentID); err != nil {
		s.movesFailed.Add(1)
		return fmt.Errorf("stopping %s on %s: %w", agentID, from, err)
	}
	if err := s.StartAgentOn(ctx, to, spec); err != nil {
		s.movesFailed.Add(1)
		if rerr := s.StartAgentOn(ctx, from, spec); rerr != nil {
			s.logger.Error("Migration rollback failed, agent lost",
				"agent_id", agentID, "from", from, "to", to, "error", rerr)
		} else {
			s.logger.Warn("Migration aborted, agent restored on source",
				"agent_id", agentID, "from", from, "to", to)
		}
		return fmt.Errorf("starting %s on %s: %w", agentID, to, err)
	}
	s.movesOK.Add(1)
	s.logger.Info("Agent migrated", "agent_id", agentID, "from", from, "to", to)
	return nil
}

// RebalanceCluster evens agent counts across healthy nodes: it computes
// target_per_node = total/members, then moves excess agents from over-target
// nodes to under-target ones one at a time. Failed moves are recorded and
// the pass continues.
func (s *Supervisor) RebalanceCluster(ctx context.Context) (RebalanceReport, error) {
	members := s.members.HealthyNodes()
	report := RebalanceReport{Members: len(members)}
	if len(members) < 2 {
		return report, nil
	}

	placement, err := s.EnumerateAgents(ctx)
	if err != nil {
		return report, err
	}
	counts := make(map[string]int, len(members))
	for _, node := range members {
		agents := placement[node]
		counts[node] = len(agents)
		report.TotalAgents += len(agents)
		sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	}
	if report.TotalAgents == 0 {
		return report, nil
	}
	report.TargetPerNode = report.TotalAgents / len(members)

	receiver := func() (string, bool) {
		bestNode, best := "", -1
		for _, node := range members {
			if counts[node] < report.TargetPerNode && (best == -1 || counts[node] < best) {
				bestNode, best = node, counts[node]
			}
		}
		return bestNode, bestNode != ""
	}

	for _, from := range members {
		agents := placement[from]
		for counts[from] > report.TargetPerNode && len(agents) > 0 {
			to, ok := receiver()
			if !ok {
				break
			}
			victim := agents[len(agents)-1]
			agents = agents[:len(agents)-1]
			placement[from] = agents

			move := MoveResult{AgentID: victim.AgentID, From: from, To: to}
			if err := s.MoveAgent(ctx, victim.AgentID, from, to); err != nil {
				move.Error = err.Error()
				report.Failed++
				s.logger.Warn("Rebalance move abandoned",
					"agent_id", victim.AgentID, "from", from, "to", to, "error", err)
			} else {
				counts[from]--
				counts[to]++
				report.Succeeded++
			}
			report.Moves = append(report.Moves, move)
		}
	}
	return report, nil
}

// Stats reports migration counters.
func (s *Supervisor) Stats() map[string]any {
	return map[string]any{
		"node":               s.node,
		"moves_total":        s.movesOK.Load() + s.movesFailed.Load(),
		"moves_succeeded":    s.movesOK.Load(),
		"moves_failed_total": s.movesFailed.Load(),
	}
}
