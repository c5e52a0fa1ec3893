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

package config

import (
	"fmt"
	"time"

	"github.com/soteria-run/soteria/pkg/balancer"
	"github.com/soteria-run/soteria/pkg/cluster"
)

// BusConfig configures the event bus.
//
// With no NATS URL the node runs on an in-process broker: single-node
// operation with full pub/sub semantics. Setting a URL joins the node to
// the shared cluster bus.
type BusConfig struct {
	// NATSURL is the cluster bus address, e.g. nats://localhost:4222.
	// Empty selects the in-process broker.
	NATSURL string `yaml:"nats_url,omitempty"`
}

// SetDefaults applies bus defaults.
func (c *BusConfig) SetDefaults() {}

// Validate checks the bus configuration.
func (c *BusConfig) Validate() error { return nil }

// ClusterConfig configures membership and node supervision.
//
// Example:
//
//	cluster:
//	  enabled: true
//	  strategy: static
//	  members: [node-1, node-2, node-3]
type ClusterConfig struct {
	// Enabled turns on cluster membership, heartbeats, and the
	// distributed supervisor. Default: false (single node).
	Enabled bool `yaml:"enabled,omitempty"`

	// Strategy selects peer discovery: static, multicast, kubernetes,
	// or consul. Default: static.
	Strategy string `yaml:"strategy,omitempty"`

	// Members is the peer node list for the static strategy.
	Members []string `yaml:"members,omitempty"`

	// MulticastGroup overrides the UDP group for multicast discovery.
	MulticastGroup string `yaml:"multicast_group,omitempty"`

	// ConsulAddress points consul discovery at an agent.
	ConsulAddress string `yaml:"consul_address,omitempty"`

	// ConsulService is the catalog service listing cluster members.
	ConsulService string `yaml:"consul_service,omitempty"`

	// HeartbeatInterval is the liveness announce cadence. Default: 5s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`

	// NodeTimeout marks a silent peer dead. Default: 15s.
	NodeTimeout Duration `yaml:"node_timeout,omitempty"`
}

// SetDefaults applies cluster defaults.
func (c *ClusterConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = cluster.StrategyStatic
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(cluster.DefaultHeartbeatInterval)
	}
	if c.NodeTimeout == 0 {
		c.NodeTimeout = Duration(cluster.DefaultNodeTimeout)
	}
	if c.ConsulService == "" {
		c.ConsulService = "soteria"
	}
}

// Validate checks the cluster configuration.
func (c *ClusterConfig) Validate() error {
	switch c.Strategy {
	case cluster.StrategyStatic, cluster.StrategyMulticast, cluster.StrategyKubernetes, cluster.StrategyConsul:
	default:
		return fmt.Errorf("invalid strategy %q (valid: static, multicast, kubernetes, consul)", c.Strategy)
	}
	if c.NodeTimeout.Duration() <= c.HeartbeatInterval.Duration() {
		return fmt.Errorf("node_timeout %s must exceed heartbeat_interval %s", c.NodeTimeout, c.HeartbeatInterval)
	}
	return nil
}

// RegistryConfig configures the distributed agent registry.
type RegistryConfig struct {
	// GossipInterval is the anti-entropy broadcast cadence. Default: 5s.
	GossipInterval Duration `yaml:"gossip_interval,omitempty"`

	// TombstoneTTL is how long unregistrations are remembered so late
	// gossip cannot resurrect them. Default: 1m.
	TombstoneTTL Duration `yaml:"tombstone_ttl,omitempty"`
}

// SetDefaults applies registry defaults.
func (c *RegistryConfig) SetDefaults() {
	if c.GossipInterval == 0 {
		c.GossipInterval = Duration(5 * time.Second)
	}
	if c.TombstoneTTL == 0 {
		c.TombstoneTTL = Duration(time.Minute)
	}
}

// Validate checks the registry configuration.
func (c *RegistryConfig) Validate() error {
	if c.GossipInterval < 0 || c.TombstoneTTL < 0 {
		return fmt.Errorf("registry durations must not be negative")
	}
	return nil
}

// BalancerConfig configures cross-node task placement.
type BalancerConfig struct {
	// Strategy is least_loaded, capability_aware, or round_robin.
	// Default: least_loaded.
	Strategy string `yaml:"strategy,omitempty"`

	// Interval is the load sampling cadence. Default: 10s.
	Interval Duration `yaml:"interval,omitempty"`

	// RebalanceThreshold is the load imbalance ratio that triggers a
	// rebalance proposal. Default: 0.8.
	RebalanceThreshold float64 `yaml:"rebalance_threshold,omitempty"`
}

// SetDefaults applies balancer defaults.
func (c *BalancerConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = string(balancer.StrategyLeastLoaded)
	}
	if c.Interval == 0 {
		c.Interval = Duration(balancer.DefaultInterval)
	}
	if c.RebalanceThreshold == 0 {
		c.RebalanceThreshold = balancer.DefaultRebalanceThreshold
	}
}

// Validate checks the balancer configuration.
func (c *BalancerConfig) Validate() error {
	switch balancer.Strategy(c.Strategy) {
	case balancer.StrategyLeastLoaded, balancer.StrategyCapabilityAware, balancer.StrategyRoundRobin:
	default:
		return fmt.Errorf("invalid strategy %q (valid: least_loaded, capability_aware, round_robin)", c.Strategy)
	}
	if c.RebalanceThreshold < 0 || c.RebalanceThreshold > 1 {
		return fmt.Errorf("rebalance_threshold must be between 0 and 1")
	}
	return nil
}
