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

// Package cluster tracks node membership and supervises agents across nodes.
//
// Each node heartbeats on the bus; peers that miss the node timeout are
// marked unhealthy. Discovery seeds the initial member set, after which any
// heartbeat from an unknown node joins it. The distributed supervisor layers
// start/stop/enumerate/migrate operations over per-node control topics.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
)

// Bus topics used by the cluster layer.
const (
	// TopicHeartbeat carries periodic node health beacons.
	TopicHeartbeat = "cluster:heartbeat"

	// TopicMembership carries node_up, node_recovered, and node_down events.
	TopicMembership = "cluster:membership"
)

// Membership event types.
const (
	EventNodeUp        = "node_up"
	EventNodeDown      = "node_down"
	EventNodeRecovered = "node_recovered"
)

// Defaults applied by NewManager when the corresponding field is zero.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultNodeTimeout       = 15 * time.Second
)

// NodeStatus is a node's observed health.
type NodeStatus string

const (
	StatusHealthy   NodeStatus = "healthy"
	StatusUnhealthy NodeStatus = "unhealthy"
	StatusUnknown   NodeStatus = "unknown"
)

// Node is one cluster member as seen from this node.
type Node struct {
	// ID is the member's node id.
	ID string `json:"id"`

	// Status is the member's observed health.
	Status NodeStatus `json:"status"`

	// AgentCount is the member's self-reported agent count.
	AgentCount int `json:"agent_count"`

	// MemoryBytes is the member's self-reported memory usage.
	MemoryBytes uint64 `json:"memory_bytes"`

	// LastHeartbeat is when this node last heard the member.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// JoinedAt is when the member entered this node's view.
	JoinedAt time.Time `json:"joined_at"`
}

// Heartbeat is the periodic health beacon.
type Heartbeat struct {
	Node        string     `json:"node"`
	Status      NodeStatus `json:"status"`
	AgentCount  int        `json:"agent_count"`
	MemoryBytes uint64     `json:"memory_bytes"`
	Timestamp   time.Time  `json:"timestamp"`
}

// MemberEvent announces a membership transition.
type MemberEvent struct {
	Type      string     `json:"type"`
	Node      string     `json:"node"`
	Status    NodeStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Node is this node's id. Required.
	Node string

	// Bus carries heartbeats and membership events. Required.
	Bus bus.Bus

	// Discovery seeds the initial member set. Optional.
	Discovery Discovery

	// HeartbeatInterval is the beacon cadence.
	// Defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// NodeTimeout marks a peer unhealthy after this much silence.
	// Defaults to DefaultNodeTimeout.
	NodeTimeout time.Duration

	// AgentCount reports this node's agent count for heartbeats. Optional.
	AgentCount func() int

	// Memory reports this node's memory usage for heartbeats.
	// Defaults to the Go heap in use.
	Memory func() uint64

	// Logger receives cluster logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Manager tracks cluster membership through heartbeats.
type Manager struct {
	node        string
	bus         bus.Bus
	discovery   Discovery
	beatEvery   time.Duration
	nodeTimeout time.Duration
	agentCount  func() int
	memory      func() uint64
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*Node
	closed bool

	sub  *bus.Subscription
	quit chan struct{}
	wg   sync.WaitGroup

	sent     uint64
	received uint64
}

// NewManager builds a Manager from cfg. Call Start to join the cluster.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("cluster config requires a node id")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("cluster config requires a bus")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.AgentCount == nil {
		cfg.AgentCount = func() int { return 0 }
	}
	if cfg.Memory == nil {
		cfg.Memory = heapInUse
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		node:        cfg.Node,
		bus:         cfg.Bus,
		discovery:   cfg.Discovery,
		beatEvery:   cfg.HeartbeatInterval,
		nodeTimeout: cfg.NodeTimeout,
		agentCount:  cfg.AgentCount,
		memory:      cfg.Memory,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		nodes:       make(map[string]*Node),
		quit:        make(chan struct{}),
	}, nil
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Start seeds membership from discovery, begins heartbeating, and watches
// for peer beacons. Discovery failures are logged, not fatal: peers still
// join through their heartbeats.
func (m *Manager) Start(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	m.nodes[m.node] = &Node{ID: m.node, Status: StatusHealthy, JoinedAt: now, LastHeartbeat: now}
	m.mu.Unlock()

	if m.discovery != nil {
		members, err := m.discovery.Discover(ctx)
		if err != nil {
			m.logger.Warn("Discovery failed, continuing with heartbeat joins",
				"strategy", m.discovery.Name(), "error", err)
		}
		for _, id := range members {
			m.AddNode(id)
		}
	}

	sub, err := m.bus.Subscribe(TopicHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	m.sub = sub
	m.wg.Add(1)
	go m.run(sub)
	m.beat()
	m.logger.Info("Cluster manager started", "node", m.node,
		"heartbeat_interval", m.beatEvery, "node_timeout", m.nodeTimeout)
	return nil
}

// Close leaves the cluster.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sub := m.sub
	m.mu.Unlock()

	close(m.quit)
	if sub != nil {
		sub.Unsubscribe()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) run(sub *bus.Subscription) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.beatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.beat()
			m.sweep()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			m.handleHeartbeat(msg)
		case <-m.quit:
			return
		}
	}
}

// beat publishes this node's beacon and refreshes its own entry.
func (m *Manager) beat() {
	hb := Heartbeat{
		Node:        m.node,
		Status:      StatusHealthy,
		AgentCount:  m.agentCount(),
		MemoryBytes: m.memory(),
		Timestamp:   m.now(),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	err = m.bus.Publish(bus.Message{
		Topic:     TopicHeartbeat,
		Type:      "heartbeat",
		Node:      m.node,
		Payload:   payload,
		Timestamp: hb.Timestamp,
	})
	if err != nil {
		m.logger.Debug("Heartbeat publish failed", "error", err)
		return
	}

	m.mu.Lock()
	m.sent++
	if self, ok := m.nodes[m.node]; ok {
		self.Status = StatusHealthy
		self.AgentCount = hb.AgentCount
		self.MemoryBytes = hb.MemoryBytes
		self.LastHeartbeat = hb.Timestamp
	}
	m.mu.Unlock()
}

// handleHeartbeat applies a peer beacon: unknown nodes join, unhealthy ones
// recover. Receipt time drives liveness so peer clock skew cannot expire
// entries.
func (m *Manager) handleHeartbeat(msg bus.Message) {
	var hb Heartbeat
	if err := json.Unmarshal(msg.Payload, &hb); err != nil {
		m.logger.Warn("Dropping malformed heartbeat", "error", err)
		return
	}
	if hb.Node == "" || hb.Node == m.node {
		return
	}

	now := m.now()
	m.mu.Lock()
	m.received++
	n, ok := m.nodes[hb.Node]
	var event string
	if !ok {
		n = &Node{ID: hb.Node, JoinedAt: now}
		m.nodes[hb.Node] = n
		event = EventNodeUp
	} else if n.Status == StatusUnhealthy {
		event = EventNodeRecovered
	} else if n.Status == StatusUnknown {
		event = EventNodeUp
	}
	n.Status = StatusHealthy
	n.AgentCount = hb.AgentCount
	n.MemoryBytes = hb.MemoryBytes
	n.LastHeartbeat = now
	m.mu.Unlock()

	if event != "" {
		m.logger.Info("Cluster member healthy", "node", hb.Node, "event", event)
		m.publishMember(event, hb.Node, StatusHealthy)
	}
}

// sweep marks peers silent past the node timeout as unhealthy.
func (m *Manager) sweep() {
	now := m.now()
	var downed []string
	m.mu.Lock()
	for id, n := range m.nodes {
		if id == m.node || n.Status == StatusUnhealthy {
			continue
		}
		since := n.LastHeartbeat
		if since.IsZero() {
			since = n.JoinedAt
		}
		if now.Sub(since) > m.nodeTimeout {
			n.Status = StatusUnhealthy
			downed = append(downed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range downed {
		m.logger.Warn("Cluster member unhealthy", "node", id, "timeout", m.nodeTimeout)
		m.publishMember(EventNodeDown, id, StatusUnhealthy)
	}
}

func (m *Manager) publishMember(eventType, node string, status NodeStatus) {
	payload, err := json.Marshal(MemberEvent{
		Type:      eventType,
		Node:      node,
		Status:    status,
		Timestamp: m.now(),
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(bus.Message{
		Topic:     TopicMembership,
		Type:      eventType,
		Node:      m.node,
		Payload:   payload,
		Timestamp: m.now(),
	})
}

// AddNode inserts a member in unknown status if absent.
func (m *Manager) AddNode(id string) {
	if id == "" || id == m.node {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		return
	}
	m.nodes[id] = &Node{ID: id, Status: StatusUnknown, JoinedAt: m.now()}
}

// RemoveNode drops a member from this node's view.
func (m *Manager) RemoveNode(id string) {
	if id == m.node {
		return
	}
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()
}

// Self returns this node's id.
func (m *Manager) Self() string { return m.node }

// Members returns all known nodes sorted by id.
func (m *Manager) Members() []Node {
	m.mu.RLock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyNodes returns the ids of healthy members, this node included.
func (m *Manager) HealthyNodes() []string {
	m.mu.RLock()
	var out []string
	for id, n := range m.nodes {
		if n.Status == StatusHealthy {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Status returns a member's observed health, unknown for absent nodes.
func (m *Manager) Status(id string) NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[id]; ok {
		return n.Status
	}
	return StatusUnknown
}

// Stats reports membership gauges and counters.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	healthy, unhealthy, unknown := 0, 0, 0
	for _, n := range m.nodes {
		switch n.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}
	stats := map[string]any{
		"node":                      m.node,
		"members":                   len(m.nodes),
		"healthy":                   healthy,
		"unhealthy":                 unhealthy,
		"unknown":                   unknown,
		"heartbeats_sent_total":     m.sent,
		"heartbeats_received_total": m.received,
	}
	if m.discovery != nil {
		stats["discovery"] = m.discovery.Name()
	}
	return stats
}
