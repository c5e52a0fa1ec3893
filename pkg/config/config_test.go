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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/kernel"
	"github.com/soteria-run/soteria/pkg/ratelimit"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "1", cfg.Version)
	assert.NotEmpty(t, cfg.Node)
	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 5, cfg.Security.MaxDelegationDepth)
	assert.Equal(t, Duration(10*time.Second), cfg.Security.CallTimeout)
	assert.Equal(t, Duration(30*24*time.Hour), cfg.Security.Keys.RotationInterval)
	assert.Equal(t, Duration(24*time.Hour), cfg.Security.Keys.OverlapPeriod)
	assert.Equal(t, "soteria", cfg.Security.Tokens.Issuer)
	assert.Equal(t, Duration(time.Hour), cfg.Security.Tokens.DefaultTTL)
	assert.Equal(t, 8, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 128, cfg.Pool.QueueSize)
	assert.Equal(t, "static", cfg.Cluster.Strategy)
	assert.Equal(t, "least_loaded", cfg.Balancer.Strategy)
	assert.Equal(t, Duration(60*time.Second), cfg.Workflow.StepTimeout)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./backups", cfg.Recovery.Dir)
	assert.Equal(t, 24, cfg.Recovery.Keep)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadSections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Mode = "staging" },
			wantErr: "invalid mode",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logger.Level = "trace" },
			wantErr: "invalid log level",
		},
		{
			name: "unknown policy resource type",
			mutate: func(c *Config) {
				c.Security.Policies = map[string]kernel.Policy{"database": {}}
			},
			wantErr: "unknown resource type",
		},
		{
			name: "overlap exceeds rotation",
			mutate: func(c *Config) {
				c.Security.Keys.RotationInterval = Duration(time.Hour)
				c.Security.Keys.OverlapPeriod = Duration(2 * time.Hour)
			},
			wantErr: "overlap_period",
		},
		{
			name:    "bad cluster strategy",
			mutate:  func(c *Config) { c.Cluster.Strategy = "gossip" },
			wantErr: "invalid strategy",
		},
		{
			name: "node timeout below heartbeat",
			mutate: func(c *Config) {
				c.Cluster.HeartbeatInterval = Duration(10 * time.Second)
				c.Cluster.NodeTimeout = Duration(5 * time.Second)
			},
			wantErr: "node_timeout",
		},
		{
			name:    "bad balancer strategy",
			mutate:  func(c *Config) { c.Balancer.Strategy = "random" },
			wantErr: "invalid strategy",
		},
		{
			name: "step timeout exceeds workflow timeout",
			mutate: func(c *Config) {
				c.Workflow.StepTimeout = Duration(10 * time.Minute)
				c.Workflow.WorkflowTimeout = Duration(time.Minute)
			},
			wantErr: "step_timeout",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "violation threshold below one",
			mutate:  func(c *Config) { c.Security.Violations.Thresholds = map[string]int{"rate_limit": 0} },
			wantErr: "threshold",
		},
		{
			name: "unknown rate limit window",
			mutate: func(c *Config) {
				c.Server.RateLimit.Rules = []RateLimitRule{{Window: "fortnight", Max: 10}}
			},
			wantErr: "rate limit window",
		},
		{
			name: "rate limit max below one",
			mutate: func(c *Config) {
				c.Server.RateLimit.Rules = []RateLimitRule{{Window: "minute", Max: 0}}
			},
			wantErr: "rate limit max",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRateLimitDefaults(t *testing.T) {
	cfg := &ServerConfig{RateLimit: RateLimitConfig{Enabled: true}}
	cfg.SetDefaults()

	require.Len(t, cfg.RateLimit.Rules, 1)
	assert.Equal(t, string(ratelimit.WindowMinute), cfg.RateLimit.Rules[0].Window)
	assert.Equal(t, ratelimit.DefaultPerMinute, cfg.RateLimit.Rules[0].Max)

	limits := cfg.RateLimit.Limits()
	require.Len(t, limits, 1)
	assert.Equal(t, ratelimit.WindowMinute, limits[0].Window)

	// Disabled throttling gets no default rules.
	plain := &ServerConfig{}
	plain.SetDefaults()
	assert.Empty(t, plain.RateLimit.Rules)
}

func TestResolveSigningSecretPrecedence(t *testing.T) {
	cfg := &SecurityConfig{}
	cfg.SetDefaults()

	// Development fallback when nothing is set.
	secret, err := cfg.ResolveSigningSecret(false)
	require.NoError(t, err)
	assert.Equal(t, []byte(devSigningSecret), secret)

	// Strict mode refuses the fallback.
	_, err = cfg.ResolveSigningSecret(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSigningSecret)

	// Config value beats the fallback.
	cfg.SigningSecret = "from-config"
	secret, err = cfg.ResolveSigningSecret(true)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-config"), secret)

	// Environment beats the config value.
	t.Setenv(EnvSigningSecret, "from-env")
	secret, err = cfg.ResolveSigningSecret(true)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), secret)
}

func TestProductionModeRequiresSecrets(t *testing.T) {
	cfg := &Config{Mode: ModeProduction}
	cfg.SetDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSigningSecret)

	t.Setenv(EnvSigningSecret, "prod-signing")
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvAuditSecret)

	t.Setenv(EnvAuditSecret, "prod-audit")
	require.NoError(t, cfg.Validate())
}

func TestKernelPolicies(t *testing.T) {
	cfg := &SecurityConfig{
		Policies: map[string]kernel.Policy{
			"filesystem": {Operations: []string{"read"}, Paths: []string{"/workspace/**"}},
			"mcp_tool":   {Operations: []string{"execute"}, Tools: []string{"search"}},
		},
	}

	policies := cfg.KernelPolicies()
	require.Len(t, policies, 2)
	assert.Equal(t, []string{"read"}, policies[capability.ResourceFilesystem].Operations)
	assert.Equal(t, []string{"search"}, policies[capability.ResourceMCPTool].Tools)

	assert.Nil(t, (&SecurityConfig{}).KernelPolicies())
}
