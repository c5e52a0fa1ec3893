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

// Package registry tracks agents across the cluster in an eventually
// consistent map.
//
// Entries are keyed by agent id and merged last-writer-wins using Lamport
// clocks; replicas gossip full state on the bus at the heartbeat cadence and
// converge the next round after any divergence. The registry also routes
// messages between agents by id, so components hold ids rather than
// references.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
)

// TopicRegistry carries gossip state between replicas.
const TopicRegistry = "cluster:registry"

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultGossipInterval = 5 * time.Second
	DefaultTombstoneTTL   = time.Minute
)

var (
	// ErrAgentNotFound is returned by lookups for unknown or removed agents.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoSuitableAgent is returned when no candidate passes the required
	// capability filter.
	ErrNoSuitableAgent = errors.New("no suitable agent")

	// ErrClosed is returned for mutations against a closed registry.
	ErrClosed = errors.New("registry closed")
)

// Entry is one registered agent. Everything in it travels in gossip, so the
// node-local runner is resolved separately through a LocalResolver.
type Entry struct {
	// AgentID uniquely identifies the agent cluster-wide.
	AgentID string `json:"agent_id"`

	// Node is the cluster node hosting the agent.
	Node string `json:"node"`

	// Type is the agent kind tag.
	Type string `json:"type"`

	// Capabilities lists what the agent can do.
	Capabilities []string `json:"capabilities,omitempty"`

	// Specialisation refines the type for task matching.
	Specialisation string `json:"specialisation,omitempty"`

	// SessionID attributes the agent to a session, if any.
	SessionID string `json:"session_id,omitempty"`

	// CurrentLoad is the agent's self-reported load, 0-100.
	CurrentLoad int `json:"current_load"`

	// PendingMessages is the agent's queued task count.
	PendingMessages int `json:"pending_messages"`

	// Clock is the Lamport timestamp of the last write.
	Clock uint64 `json:"clock"`

	// UpdatedAt is the wall-clock time of the last write.
	UpdatedAt time.Time `json:"updated_at"`

	// Deleted marks a tombstone awaiting garbage collection.
	Deleted bool `json:"deleted,omitempty"`
}

// TaskMeta carries the soft matching criteria for agent selection.
type TaskMeta struct {
	// Type restricts candidates to one agent type when set.
	Type string `json:"type,omitempty"`

	// Preferred lists capabilities that raise a candidate's score without
	// being required.
	Preferred []string `json:"preferred,omitempty"`

	// Specialisation awards a bonus on exact match.
	Specialisation string `json:"specialisation,omitempty"`

	// Priority is "high", "low", or empty for normal weighting.
	Priority string `json:"priority,omitempty"`
}

// Config configures a Registry.
type Config struct {
	// Node is this replica's node id. Required.
	Node string

	// Bus carries gossip and agent mail. Nil keeps the registry local.
	Bus bus.Bus

	// Resolver resolves local agent ids to live message targets.
	Resolver LocalResolver

	// GossipInterval is the full-state broadcast cadence.
	// Defaults to DefaultGossipInterval.
	GossipInterval time.Duration

	// TombstoneTTL is how long unregistered entries linger before GC.
	// Defaults to DefaultTombstoneTTL.
	TombstoneTTL time.Duration

	// Logger receives registry logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Registry is one replica of the cluster-wide agent map.
type Registry struct {
	node         string
	bus          bus.Bus
	resolver     LocalResolver
	gossipEvery  time.Duration
	tombstoneTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	entries   map[string]Entry
	mail      map[string]*mailSub
	gossipSub *bus.Subscription
	clock     uint64
	closed    bool

	quit chan struct{}
	wg   sync.WaitGroup

	merged    uint64
	gossiped  uint64
	delivered uint64
}

// New builds a Registry from cfg. Call Start to join gossip.
func New(cfg Config) (*Registry, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("registry config requires a node id")
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = DefaultGossipInterval
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		node:         cfg.Node,
		bus:          cfg.Bus,
		resolver:     cfg.Resolver,
		gossipEvery:  cfg.GossipInterval,
		tombstoneTTL: cfg.TombstoneTTL,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		entries:      make(map[string]Entry),
		mail:         make(map[string]*mailSub),
		quit:         make(chan struct{}),
	}, nil
}

// Register adds or updates an agent entry. An empty Node claims the entry
// for this replica's node; local agents get a mail subscription so other
// nodes can reach them by id.
func (r *Registry) Register(e Entry) error {
	if e.AgentID == "" {
		return fmt.Errorf("entry requires an agent id")
	}
	if e.Type == "" {
		return fmt.Errorf("entry for %s requires an agent type", e.AgentID)
	}
	if e.Node == "" {
		e.Node = r.node
	}
	e.Deleted = false

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e.Clock = r.tickLocked()
	e.UpdatedAt = r.now()
	r.entries[e.AgentID] = e
	if e.Node == r.node {
		r.subscribeMailLocked(e.AgentID)
	}
	r.mu.Unlock()

	r.logger.Debug("Agent registered", "agent_id", e.AgentID, "type", e.Type, "node", e.Node)
	return nil
}

// Unregister tombstones an agent entry.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[agentID]
	if !ok || e.Deleted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	e.Deleted = true
	e.Clock = r.tickLocked()
	e.UpdatedAt = r.now()
	r.entries[agentID] = e
	r.unsubscribeMailLocked(agentID)
	r.mu.Unlock()

	r.logger.Debug("Agent unregistered", "agent_id", agentID)
	return nil
}

// UpdateLoad refreshes an agent's load figures for selection scoring.
func (r *Registry) UpdateLoad(agentID string, currentLoad, pendingMessages int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	e, ok := r.entries[agentID]
	if !ok || e.Deleted {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	e.CurrentLoad = currentLoad
	e.PendingMessages = pendingMessages
	e.Clock = r.tickLocked()
	e.UpdatedAt = r.now()
	r.entries[agentID] = e
	return nil
}

// Lookup returns the live entry for agentID.
func (r *Registry) Lookup(agentID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok || e.Deleted {
		return Entry{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return e, nil
}

// SelectByType returns all live agents of the given type.
func (r *Registry) SelectByType(agentType string) []Entry {
	return r.collect(func(e Entry) bool { return e.Type == agentType })
}

// ListOnNode returns all live agents hosted on the given node.
func (r *Registry) ListOnNode(node string) []Entry {
	return r.collect(func(e Entry) bool { return e.Node == node })
}

// FindWithCapability returns all live agents advertising the capability.
func (r *Registry) FindWithCapability(capability string) []Entry {
	return r.collect(func(e Entry) bool { return slices.Contains(e.Capabilities, capability) })
}

// List returns all live entries.
func (r *Registry) List() []Entry {
	return r.collect(func(Entry) bool { return true })
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// NodeCounts returns live agent counts per node.
func (r *Registry) NodeCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range r.entries {
		if !e.Deleted {
			counts[e.Node]++
		}
	}
	return counts
}

func (r *Registry) collect(keep func(Entry) bool) []Entry {
	r.mu.RLock()
	var out []Entry
	for _, e := range r.entries {
		if !e.Deleted && keep(e) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// FindBestAgentForTask returns the highest-scoring live agent that has every
// required capability. High priority doubles the capability weight; low
// priority considers load only. Ties break on agent id for determinism.
func (r *Registry) FindBestAgentForTask(required []string, meta TaskMeta) (Entry, error) {
	candidates := r.collect(func(e Entry) bool {
		if meta.Type != "" && e.Type != meta.Type {
			return false
		}
		for _, want := range required {
			if !slices.Contains(e.Capabilities, want) {
				return false
			}
		}
		return true
	})
	if len(candidates) == 0 {
		return Entry{}, ErrNoSuitableAgent
	}

	best := candidates[0]
	bestScore := scoreCandidate(best, required, meta)
	for _, e := range candidates[1:] {
		if s := scoreCandidate(e, required, meta); s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, nil
}

// scoreCandidate implements the selection formula: 20 points per required
// capability, 10 per preferred, 15 for a specialisation match, plus the
// load headroom where load folds in queued messages capped at 50.
func scoreCandidate(e Entry, required []string, meta TaskMeta) int {
	capScore := 20*overlap(required, e.Capabilities) + 10*overlap(meta.Preferred, e.Capabilities)
	if meta.Specialisation != "" && e.Specialisation == meta.Specialisation {
		capScore += 15
	}
	loadScore := e.CurrentLoad + 10*min(e.PendingMessages, 50)
	if loadScore > 100 {
		loadScore = 100
	}
	switch meta.Priority {
	case "high":
		return 2*capScore + (100 - loadScore)
	case "low":
		return 100 - loadScore
	default:
		return capScore + (100 - loadScore)
	}
}

func overlap(want, have []string) int {
	n := 0
	for _, w := range want {
		if slices.Contains(have, w) {
			n++
		}
	}
	return n
}

// Stats reports replica gauges and counters.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, tombstones := 0, 0
	for _, e := range r.entries {
		if e.Deleted {
			tombstones++
		} else {
			live++
		}
	}
	return map[string]any{
		"node":            r.node,
		"agents":          live,
		"tombstones":      tombstones,
		"clock":           r.clock,
		"merged_total":    r.merged,
		"gossiped_total":  r.gossiped,
		"delivered_total": r.delivered,
	}
}

// tickLocked advances the Lamport clock for a local write.
func (r *Registry) tickLocked() uint64 {
	r.clock++
	return r.clock
}

// mergeEntry applies one gossiped entry last-writer-wins. Equal clocks break
// on node id so replicas converge on the same winner.
func (r *Registry) mergeEntry(in Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.Clock > r.clock {
		r.clock = in.Clock
	}
	cur, ok := r.entries[in.AgentID]
	if ok {
		if in.Clock < cur.Clock {
			return false
		}
		if in.Clock == cur.Clock && in.Node <= cur.Node {
			return false
		}
	}
	r.entries[in.AgentID] = in
	r.merged++
	if in.Node == r.node && !in.Deleted {
		r.subscribeMailLocked(in.AgentID)
	} else {
		r.unsubscribeMailLocked(in.AgentID)
	}
	return true
}

// gcLocked drops tombstones older than the TTL.
func (r *Registry) gcLocked() {
	cutoff := r.now().Add(-r.tombstoneTTL)
	for id, e := range r.entries {
		if e.Deleted && e.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
