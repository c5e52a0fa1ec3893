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

// Package balancer places new agents on cluster nodes.
//
// Every node samples its own load and publishes the snapshot on the bus, so
// each balancer aggregates a cluster-wide load view. Placement strategies
// rank the fresh snapshots; when the spread between the most and least
// loaded node crosses a threshold, a cluster rebalance is triggered.
package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/cluster"
	"github.com/soteria-run/soteria/pkg/registry"
)

// TopicLoad carries per-node load snapshots.
const TopicLoad = "cluster:load"

// Defaults applied by New when the corresponding field is zero.
const (
	DefaultInterval           = 10 * time.Second
	DefaultRebalanceThreshold = 0.8
)

// Snapshots older than staleFactor sampling intervals are ignored.
const staleFactor = 3

// Strategy selects how a placement node is picked.
type Strategy string

const (
	// StrategyLeastLoaded picks the node with the lowest blended load.
	StrategyLeastLoaded Strategy = "least_loaded"

	// StrategyCapabilityAware prefers nodes already hosting each required
	// capability, then ranks those by load.
	StrategyCapabilityAware Strategy = "capability_aware"

	// StrategyRoundRobin cycles through the nodes, skipping recent picks.
	StrategyRoundRobin Strategy = "round_robin"
)

// ErrNoNodes means no node has reported a fresh load snapshot.
var ErrNoNodes = errors.New("no nodes with a fresh load snapshot")

// Snapshot is one node's load at a point in time.
type Snapshot struct {
	// Node is the reporting node's id.
	Node string `json:"node"`

	// CPU is cpu utilisation as a fraction of capacity.
	CPU float64 `json:"cpu"`

	// Memory is memory utilisation as a fraction of capacity.
	Memory float64 `json:"memory"`

	// AgentsCount is how many agents the node hosts.
	AgentsCount int `json:"agents_count"`

	// CapturedAt is when the node took the sample.
	CapturedAt time.Time `json:"captured_at"`
}

// TotalLoad blends the snapshot into the single figure placements rank by:
// 0.4*cpu + 0.4*memory + 0.2*(agents/10).
func (s Snapshot) TotalLoad() float64 {
	return 0.4*s.CPU + 0.4*s.Memory + 0.2*float64(s.AgentsCount)/10
}

// Rebalancer evens agent placement across the cluster. Implemented by
// cluster.Supervisor.
type Rebalancer interface {
	RebalanceCluster(ctx context.Context) (cluster.RebalanceReport, error)
}

// Config configures a Balancer.
type Config struct {
	// Node is this node's id. Required.
	Node string

	// Bus carries load snapshots between nodes. Required.
	Bus bus.Bus

	// Registry supplies agent placement for capability-aware selection and
	// the default agent count. Required for StrategyCapabilityAware.
	Registry *registry.Registry

	// Rebalancer runs cluster rebalances when the load spread crosses
	// RebalanceThreshold. Optional; without one the trigger only logs.
	Rebalancer Rebalancer

	// Strategy is the default placement strategy.
	// Defaults to StrategyLeastLoaded.
	Strategy Strategy

	// Interval is the load sampling cadence. Defaults to DefaultInterval.
	Interval time.Duration

	// RebalanceThreshold is the load spread that triggers a rebalance.
	// Defaults to DefaultRebalanceThreshold.
	RebalanceThreshold float64

	// Sampler reports this node's cpu and memory utilisation.
	// Defaults to the Go runtime backed sampler.
	Sampler Sampler

	// AgentCount reports how many agents this node hosts. Defaults to the
	// registry's count for Node, or zero without a registry.
	AgentCount func() int

	// Logger receives balancer logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Balancer aggregates node load snapshots and picks placement nodes.
type Balancer struct {
	node       string
	bus        bus.Bus
	registry   *registry.Registry
	rebalancer Rebalancer
	strategy   Strategy
	interval   time.Duration
	threshold  float64
	sampler    Sampler
	agentCount func() int
	logger     *slog.Logger
	now        func() time.Time

	sub  *bus.Subscription
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	nodes  map[string]*nodeLoad
	recent []string
	rnd    *rand.Rand
	closed bool

	rebalancing      atomic.Bool
	placements       atomic.Uint64
	fallbacks        atomic.Uint64
	rebalancesOK     atomic.Uint64
	rebalancesFailed atomic.Uint64
	movesOK          atomic.Uint64
	movesFailed      atomic.Uint64
}

// nodeLoad pairs a snapshot with this node's receipt time, so peer clock
// skew cannot age an entry out.
type nodeLoad struct {
	snap Snapshot
	seen time.Time
}

// New builds a Balancer from cfg. Call Start to begin sampling.
func New(cfg Config) (*Balancer, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("balancer config requires a node id")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("balancer config requires a bus")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLeastLoaded
	}
	switch cfg.Strategy {
	case StrategyLeastLoaded, StrategyCapabilityAware, StrategyRoundRobin:
	default:
		return nil, fmt.Errorf("unknown placement strategy %q", cfg.Strategy)
	}
	if cfg.Strategy == StrategyCapabilityAware && cfg.Registry == nil {
		return nil, fmt.Errorf("capability-aware placement requires a registry")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = DefaultRebalanceThreshold
	}
	if cfg.Sampler == nil {
		cfg.Sampler = newRuntimeSampler()
	}
	if cfg.AgentCount == nil {
		if reg, node := cfg.Registry, cfg.Node; reg != nil {
			cfg.AgentCount = func() int { return reg.NodeCounts()[node] }
		} else {
			cfg.AgentCount = func() int { return 0 }
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Balancer{
		node:       cfg.Node,
		bus:        cfg.Bus,
		registry:   cfg.Registry,
		rebalancer: cfg.Rebalancer,
		strategy:   cfg.Strategy,
		interval:   cfg.Interval,
		threshold:  cfg.RebalanceThreshold,
		sampler:    cfg.Sampler,
		agentCount: cfg.AgentCount,
		logger:     cfg.Logger,
		now:        cfg.Clock,
		quit:       make(chan struct{}),
		nodes:      make(map[string]*nodeLoad),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start subscribes to peer snapshots and begins the sampling loop.
func (b *Balancer) Start() error {
	sub, err := b.bus.Subscribe(TopicLoad)
	if err != nil {
		return fmt.Errorf("subscribing to load snapshots: %w", err)
	}
	b.sub = sub
	b.sample()
	b.wg.Add(1)
	go b.run(sub)
	return nil
}

// Close stops sampling and waits for any in-flight rebalance trigger.
func (b *Balancer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.mu.Unlock()

	close(b.quit)
	if sub != nil {
		sub.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}

func (b *Balancer) run(sub *bus.Subscription) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sample()
			b.maybeRebalance()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			b.handleSnapshot(msg)
		case <-b.quit:
			return
		}
	}
}

// sample measures local load, records it, and publishes it to peers.
func (b *Balancer) sample() {
	cpu, mem := b.sampler.Sample()
	snap := Snapshot{
		Node:        b.node,
		CPU:         clamp01(cpu),
		Memory:      clamp01(mem),
		AgentsCount: b.agentCount(),
		CapturedAt:  b.now(),
	}
	b.store(snap)

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	err = b.bus.Publish(bus.Message{
		Topic:     TopicLoad,
		Type:      "load_snapshot",
		Node:      b.node,
		Payload:   payload,
		Timestamp: snap.CapturedAt,
	})
	if err != nil {
		b.logger.Debug("Load snapshot publish failed", "error", err)
	}
}

func (b *Balancer) handleSnapshot(msg bus.Message) {
	var snap Snapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		b.logger.Debug("Dropping malformed load snapshot", "error", err)
		return
	}
	if snap.Node == "" || snap.Node == b.node {
		return
	}
	b.store(snap)
}

func (b *Balancer) store(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[snap.Node] = &nodeLoad{snap: snap, seen: b.now()}
}

// fresh returns snapshots heard within the staleness window, sorted by node
// id, and prunes the ones that aged out.
func (b *Balancer) fresh() []Snapshot {
	cutoff := b.now().Add(-time.Duration(staleFactor) * b.interval)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.nodes))
	for node, nl := range b.nodes {
		if nl.seen.Before(cutoff) {
			delete(b.nodes, node)
			continue
		}
		out = append(out, nl.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Nodes returns the current cluster load view.
func (b *Balancer) Nodes() []Snapshot {
	return b.fresh()
}

// SelectNode picks a node for a new agent using the configured strategy.
// Required capabilities only affect capability-aware selection.
func (b *Balancer) SelectNode(required []string) (string, error) {
	return b.SelectNodeWith(b.strategy, required)
}

// SelectNodeWith picks a node using an explicit strategy.
func (b *Balancer) SelectNodeWith(strategy Strategy, required []string) (string, error) {
	candidates := b.fresh()
	if len(candidates) == 0 {
		return "", ErrNoNodes
	}
	var node string
	switch strategy {
	case StrategyLeastLoaded, "":
		node = leastLoaded(candidates)
	case StrategyCapabilityAware:
		node = b.capabilityAware(candidates, required)
	case StrategyRoundRobin:
		node = b.roundRobin(candidates)
	default:
		return "", fmt.Errorf("unknown placement strategy %q", strategy)
	}
	b.placements.Add(1)
	return node, nil
}

// leastLoaded returns the candidate with the lowest blended load. Ties keep
// the first candidate in node-id order.
func leastLoaded(candidates []Snapshot) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.TotalLoad() < best.TotalLoad() {
			best = c
		}
	}
	return best.Node
}

// capabilityAware keeps candidates already hosting an agent with each
// required capability, then ranks those by load. An empty filter result
// falls back to least-loaded over all candidates.
func (b *Balancer) capabilityAware(candidates []Snapshot, required []string) string {
	if b.registry == nil || len(required) == 0 {
		return leastLoaded(candidates)
	}
	eligible := candidates
	for _, capability := range required {
		hosts := make(map[string]bool)
		for _, e := range b.registry.FindWithCapability(capability) {
			hosts[e.Node] = true
		}
		var next []Snapshot
		for _, c := range eligible {
			if hosts[c.Node] {
				next = append(next, c)
			}
		}
		eligible = next
		if len(eligible) == 0 {
			break
		}
	}
	if len(eligible) == 0 {
		b.fallbacks.Add(1)
		return leastLoaded(candidates)
	}
	return leastLoaded(eligible)
}

// roundRobin picks the first candidate absent from the most recent N
// placements, N being the candidate count. With every candidate recently
// used it picks at random.
func (b *Balancer) roundRobin(candidates []Snapshot) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(candidates)
	if len(b.recent) > n {
		b.recent = b.recent[len(b.recent)-n:]
	}
	used := make(map[string]bool, len(b.recent))
	for _, node := range b.recent {
		used[node] = true
	}
	pick := ""
	for _, c := range candidates {
		if !used[c.Node] {
			pick = c.Node
			break
		}
	}
	if pick == "" {
		pick = candidates[b.rnd.Intn(n)].Node
	}
	b.recent = append(b.recent, pick)
	if len(b.recent) > n {
		b.recent = b.recent[len(b.recent)-n:]
	}
	return pick
}

// maybeRebalance triggers one rebalance pass when the load spread between
// the most and least loaded node exceeds the threshold. Passes never stack.
func (b *Balancer) maybeRebalance() {
	candidates := b.fresh()
	if len(candidates) < 2 {
		return
	}
	minLoad := candidates[0].TotalLoad()
	maxLoad := minLoad
	for _, c := range candidates[1:] {
		l := c.TotalLoad()
		if l < minLoad {
			minLoad = l
		}
		if l > maxLoad {
			maxLoad = l
		}
	}
	spread := maxLoad - minLoad
	if spread <= b.threshold {
		return
	}
	if b.rebalancer == nil {
		b.logger.Warn("Load spread over threshold with no rebalancer wired",
			"spread", spread, "threshold", b.threshold)
		return
	}
	if !b.rebalancing.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.rebalancing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), cluster.DefaultRebalanceTimeout)
		defer cancel()
		report, err := b.rebalancer.RebalanceCluster(ctx)
		if err != nil {
			b.rebalancesFailed.Add(1)
			b.logger.Error("Rebalance failed", "spread", spread, "error", err)
			return
		}
		b.rebalancesOK.Add(1)
		b.movesOK.Add(uint64(report.Succeeded))
		b.movesFailed.Add(uint64(report.Failed))
		b.logger.Info("Rebalance complete",
			"spread", spread,
			"moves", len(report.Moves),
			"succeeded", report.Succeeded,
			"failed", report.Failed)
	}()
}

// Stats reports placement and rebalance counters.
func (b *Balancer) Stats() map[string]any {
	return map[string]any{
		"node":                 b.node,
		"strategy":             string(b.strategy),
		"nodes_tracked":        len(b.fresh()),
		"placements_total":     b.placements.Load(),
		"capability_fallbacks": b.fallbacks.Load(),
		"rebalances_succeeded": b.rebalancesOK.Load(),
		"rebalances_failed":    b.rebalancesFailed.Load(),
		"moves_succeeded":      b.movesOK.Load(),
		"moves_failed":         b.movesFailed.Load(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
