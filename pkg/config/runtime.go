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

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/metrics"
	"github.com/soteria-run/soteria/pkg/pool"
	"github.com/soteria-run/soteria/pkg/recovery"
	"github.com/soteria-run/soteria/pkg/workflow"
)

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	// MailboxSize buffers pending messages per hosted agent. Default: 64.
	MailboxSize int `yaml:"mailbox_size,omitempty"`

	// MaxRestarts bounds permanent-agent restarts per RestartWindow.
	// Default: 5.
	MaxRestarts int `yaml:"max_restarts,omitempty"`

	// RestartWindow is the sliding window for restart intensity.
	// Default: 1m.
	RestartWindow Duration `yaml:"restart_window,omitempty"`

	// IdleTimeout is how long a session may sit without activity before
	// maintenance reaps it. Zero disables reaping.
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`

	// ReapInterval is the idle session sweep cadence. Default: 1m when
	// IdleTimeout is set.
	ReapInterval Duration `yaml:"reap_interval,omitempty"`
}

// SetDefaults applies session defaults.
func (c *SessionsConfig) SetDefaults() {
	if c.MailboxSize == 0 {
		c.MailboxSize = agent.DefaultMailboxSize
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = agent.DefaultMaxRestarts
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = Duration(agent.DefaultRestartWindow)
	}
	if c.IdleTimeout > 0 && c.ReapInterval == 0 {
		c.ReapInterval = Duration(time.Minute)
	}
}

// Validate checks the session configuration.
func (c *SessionsConfig) Validate() error {
	if c.MailboxSize < 0 {
		return fmt.Errorf("mailbox_size must not be negative")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must not be negative")
	}
	if c.IdleTimeout < 0 || c.ReapInterval < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	return nil
}

// PoolConfig configures the bounded execution pool.
type PoolConfig struct {
	// MaxConcurrent caps simultaneously running tasks. Default: 8.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// QueueSize caps pending tasks. Default: 128.
	QueueSize int `yaml:"queue_size,omitempty"`

	// QueueTimeout bounds how long a task may wait for a slot.
	// Default: 30s.
	QueueTimeout Duration `yaml:"queue_timeout,omitempty"`
}

// SetDefaults applies pool defaults.
func (c *PoolConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = pool.DefaultMaxConcurrent
	}
	if c.QueueSize == 0 {
		c.QueueSize = pool.DefaultQueueSize
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = Duration(pool.DefaultQueueTimeout)
	}
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.MaxConcurrent < 0 || c.QueueSize < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	return nil
}

// WorkflowConfig configures multi-agent workflow execution.
type WorkflowConfig struct {
	// StepTimeout bounds a single workflow step. Default: 60s.
	StepTimeout Duration `yaml:"step_timeout,omitempty"`

	// WorkflowTimeout bounds a whole workflow. Default: 300s.
	WorkflowTimeout Duration `yaml:"workflow_timeout,omitempty"`
}

// SetDefaults applies workflow defaults.
func (c *WorkflowConfig) SetDefaults() {
	if c.StepTimeout == 0 {
		c.StepTimeout = Duration(workflow.DefaultStepTimeout)
	}
	if c.WorkflowTimeout == 0 {
		c.WorkflowTimeout = Duration(workflow.DefaultWorkflowTimeout)
	}
}

// Validate checks the workflow configuration.
func (c *WorkflowConfig) Validate() error {
	if c.StepTimeout < 0 || c.WorkflowTimeout < 0 {
		return fmt.Errorf("workflow timeouts must not be negative")
	}
	if c.StepTimeout.Duration() > c.WorkflowTimeout.Duration() {
		return fmt.Errorf("step_timeout %s must not exceed workflow_timeout %s", c.StepTimeout, c.WorkflowTimeout)
	}
	return nil
}

// MetricsConfig configures health sampling.
type MetricsConfig struct {
	// Interval is the sampling cadence. Default: 30s.
	Interval Duration `yaml:"interval,omitempty"`

	// Retention bounds how far back samples are kept. Default: 24h.
	Retention Duration `yaml:"retention,omitempty"`

	// ViolationCeiling is the violations-per-minute rate that drives the
	// health score to zero. Default: 30.
	ViolationCeiling float64 `yaml:"violation_ceiling,omitempty"`

	// LatencyCeilingMS is the validation latency treated as fully
	// degraded. Default: 100.
	LatencyCeilingMS float64 `yaml:"latency_ceiling_ms,omitempty"`
}

// SetDefaults applies metrics defaults.
func (c *MetricsConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = Duration(metrics.DefaultInterval)
	}
	if c.Retention == 0 {
		c.Retention = Duration(metrics.DefaultRetention)
	}
	if c.ViolationCeiling == 0 {
		c.ViolationCeiling = metrics.DefaultViolationCeiling
	}
	if c.LatencyCeilingMS == 0 {
		c.LatencyCeilingMS = metrics.DefaultLatencyCeilingMS
	}
}

// Validate checks the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.Interval < 0 || c.Retention < 0 {
		return fmt.Errorf("metrics durations must not be negative")
	}
	if c.ViolationCeiling < 0 || c.LatencyCeilingMS < 0 {
		return fmt.Errorf("metrics ceilings must not be negative")
	}
	return nil
}

// RecoveryConfig configures state snapshots.
type RecoveryConfig struct {
	// Dir is the backup directory. Default: ./backups.
	Dir string `yaml:"dir,omitempty"`

	// Interval is the snapshot cadence. Default: 5m.
	Interval Duration `yaml:"interval,omitempty"`

	// Keep bounds retained snapshots. Default: 24.
	Keep int `yaml:"keep,omitempty"`

	// MaxAge bounds restorable snapshot age. Default: 168h.
	MaxAge Duration `yaml:"max_age,omitempty"`
}

// SetDefaults applies recovery defaults.
func (c *RecoveryConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "./backups"
	}
	if c.Interval == 0 {
		c.Interval = Duration(recovery.DefaultInterval)
	}
	if c.Keep == 0 {
		c.Keep = recovery.DefaultKeep
	}
	if c.MaxAge == 0 {
		c.MaxAge = Duration(recovery.DefaultMaxAge)
	}
}

// Validate checks the recovery configuration.
func (c *RecoveryConfig) Validate() error {
	if c.Keep < 1 {
		return fmt.Errorf("keep must be at least 1")
	}
	if c.Interval < 0 || c.MaxAge < 0 {
		return fmt.Errorf("recovery durations must not be negative")
	}
	return nil
}
