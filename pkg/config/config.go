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

// Package config defines the YAML configuration surface of a node and the
// loading pipeline that turns a config source into a validated Config.
package config

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/observability"
)

// Mode selects how strictly the node treats missing secrets.
type Mode string

const (
	// ModeDevelopment permits compiled-in fallback secrets.
	ModeDevelopment Mode = "development"

	// ModeProduction rejects startup without externally supplied secrets.
	ModeProduction Mode = "production"
)

// Config is the root configuration of a node.
//
// Example:
//
//	version: "1"
//	node: node-1
//	mode: development
//	security:
//	  policies:
//	    filesystem:
//	      operations: [read, write]
//	      paths: ["/workspace/**"]
//	server:
//	  port: 8080
type Config struct {
	// Version of the config format.
	Version string `yaml:"version,omitempty"`

	// Node is this node's cluster-unique id. Defaults to a generated id.
	Node string `yaml:"node,omitempty"`

	// Mode is "development" or "production". Default: development.
	Mode Mode `yaml:"mode,omitempty"`

	// Logger configures log level, file, and format.
	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Bus configures the cluster event bus.
	Bus BusConfig `yaml:"bus,omitempty"`

	// Security configures the kernel, tokens, keys, audit, and violations.
	Security SecurityConfig `yaml:"security,omitempty"`

	// Sessions configures the session manager and its supervisors.
	Sessions SessionsConfig `yaml:"sessions,omitempty"`

	// Pool configures the bounded execution pool.
	Pool PoolConfig `yaml:"pool,omitempty"`

	// Registry configures the distributed agent registry.
	Registry RegistryConfig `yaml:"registry,omitempty"`

	// Cluster configures membership, discovery, and the node supervisor.
	Cluster ClusterConfig `yaml:"cluster,omitempty"`

	// Balancer configures task placement across nodes.
	Balancer BalancerConfig `yaml:"balancer,omitempty"`

	// Workflow configures multi-agent workflow execution.
	Workflow WorkflowConfig `yaml:"workflow,omitempty"`

	// Metrics configures health sampling and retention.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`

	// Recovery configures state snapshots and restoration.
	Recovery RecoveryConfig `yaml:"recovery,omitempty"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Observability configures tracing and metrics export.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Node == "" {
		c.Node = "node-" + uuid.NewString()[:8]
	}
	if c.Mode == "" {
		c.Mode = ModeDevelopment
	}
	c.Logger.SetDefaults()
	c.Bus.SetDefaults()
	c.Security.SetDefaults()
	c.Sessions.SetDefaults()
	c.Pool.SetDefaults()
	c.Registry.SetDefaults()
	c.Cluster.SetDefaults()
	c.Balancer.SetDefaults()
	c.Workflow.SetDefaults()
	c.Metrics.SetDefaults()
	c.Recovery.SetDefaults()
	c.Server.SetDefaults()
	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks every section and the cross-section rules.
func (c *Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("invalid mode %q (valid: development, production)", c.Mode)
	}
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"logger", &c.Logger},
		{"bus", &c.Bus},
		{"security", &c.Security},
		{"sessions", &c.Sessions},
		{"pool", &c.Pool},
		{"registry", &c.Registry},
		{"cluster", &c.Cluster},
		{"balancer", &c.Balancer},
		{"workflow", &c.Workflow},
		{"metrics", &c.Metrics},
		{"recovery", &c.Recovery},
		{"server", &c.Server},
	}
	for _, section := range sections {
		if err := section.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", section.name, err)
		}
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	if c.Mode == ModeProduction {
		if _, err := c.Security.ResolveSigningSecret(true); err != nil {
			return err
		}
		if _, err := c.Security.Audit.ResolveChecksumSecret(true); err != nil {
			return err
		}
	}
	return nil
}
