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

	"github.com/soteria-run/soteria/pkg/ratelimit"
)

// ServerConfig configures the HTTP surface.
//
// Example:
//
//	server:
//	  port: 8080
//	  auth:
//	    enabled: true
type ServerConfig struct {
	// Host to bind to. Default: all interfaces.
	Host string `yaml:"host,omitempty"`

	// Port to listen on. Default: 8080.
	Port int `yaml:"port,omitempty"`

	// ReadTimeout bounds reading a whole request. Default: 30s.
	ReadTimeout Duration `yaml:"read_timeout,omitempty"`

	// WriteTimeout bounds writing a whole response. Default: 30s.
	WriteTimeout Duration `yaml:"write_timeout,omitempty"`

	// ShutdownTimeout bounds graceful drain on stop. Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`

	// Auth configures bearer-token authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// RateLimit throttles requests per client address.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// AuthConfig configures bearer-token checks on the HTTP surface.
type AuthConfig struct {
	// Enabled requires a valid token on every request outside the
	// open endpoints (health, metrics, JWKS).
	Enabled bool `yaml:"enabled,omitempty"`
}

// RateLimitConfig throttles requests per client address on the HTTP
// surface. The open endpoints (health, metrics, JWKS) are never
// throttled.
type RateLimitConfig struct {
	// Enabled turns throttling on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Rules lists the window ceilings enforced together. Default when
	// enabled: 120 requests per minute.
	Rules []RateLimitRule `yaml:"rules,omitempty"`
}

// RateLimitRule is one fixed-window ceiling.
type RateLimitRule struct {
	// Window is one of minute, hour, day.
	Window string `yaml:"window"`

	// Max is the number of requests admitted per window.
	Max int64 `yaml:"max"`
}

// SetDefaults applies server defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(30 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(30 * time.Second)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.RateLimit.Enabled && len(c.RateLimit.Rules) == 0 {
		c.RateLimit.Rules = []RateLimitRule{
			{Window: string(ratelimit.WindowMinute), Max: ratelimit.DefaultPerMinute},
		}
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return c.RateLimit.Validate()
}

// Validate checks the throttling rules.
func (c *RateLimitConfig) Validate() error {
	for _, rule := range c.Rules {
		if ratelimit.Window(rule.Window).Duration() <= 0 {
			return fmt.Errorf("unknown rate limit window %q", rule.Window)
		}
		if rule.Max < 1 {
			return fmt.Errorf("rate limit max must be positive for the %s window", rule.Window)
		}
	}
	return nil
}

// Limits converts the rules into limiter form.
func (c *RateLimitConfig) Limits() []ratelimit.Limit {
	limits := make([]ratelimit.Limit, 0, len(c.Rules))
	for _, rule := range c.Rules {
		limits = append(limits, ratelimit.Limit{
			Window: ratelimit.Window(rule.Window),
			Max:    rule.Max,
		})
	}
	return limits
}
