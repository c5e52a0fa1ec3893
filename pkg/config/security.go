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
	"os"
	"time"

	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/kernel"
)

// Environment variables that override the corresponding config fields.
const (
	// EnvSigningSecret supplies the capability HMAC signing secret.
	EnvSigningSecret = "SECURITY_SIGNING_SECRET"

	// EnvAuditSecret supplies the audit checksum secret.
	EnvAuditSecret = "AUDIT_CHECKSUM_SECRET"
)

// Compiled-in fallback secrets for development mode. Production mode
// refuses to start on these.
const (
	devSigningSecret = "soteria-insecure-dev-signing-secret"
	devAuditSecret   = "soteria-insecure-dev-audit-secret"
)

// SecurityConfig configures the security kernel and its satellites.
//
// Example:
//
//	security:
//	  max_delegation_depth: 5
//	  policies:
//	    filesystem:
//	      operations: [read, write]
//	      paths: ["/workspace/**"]
//	    mcp_tool:
//	      operations: [execute]
//	      tools: [search, grep]
//	  keys:
//	    rotation_interval: 720h
//	  audit:
//	    dir: ./audit
type SecurityConfig struct {
	// SigningSecret is the HMAC secret for capability signatures.
	// Overridden by SECURITY_SIGNING_SECRET. Development mode falls back
	// to a compiled-in value; production mode requires one.
	SigningSecret string `yaml:"signing_secret,omitempty"`

	// MaxDelegationDepth bounds capability delegation chains.
	// Default: 5.
	MaxDelegationDepth int `yaml:"max_delegation_depth,omitempty"`

	// CallTimeout bounds synchronous kernel calls. Default: 10s.
	CallTimeout Duration `yaml:"call_timeout,omitempty"`

	// SweepInterval is the expired-capability sweep cadence. Default: 5m.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`

	// ExpiryGrace keeps expired capabilities queryable for diagnostics.
	// Default: 1h.
	ExpiryGrace Duration `yaml:"expiry_grace,omitempty"`

	// Policies bound what each resource type may be granted, keyed by
	// resource type (filesystem, mcp_tool, network, agent, workflow).
	Policies map[string]kernel.Policy `yaml:"policies,omitempty"`

	// Keys configures RS256 signing key rotation.
	Keys KeysConfig `yaml:"keys,omitempty"`

	// Tokens configures the token issuer and validator.
	Tokens TokensConfig `yaml:"tokens,omitempty"`

	// Revocation configures the distributed revocation cache.
	Revocation RevocationConfig `yaml:"revocation,omitempty"`

	// Audit configures the tamper-evident audit trail.
	Audit AuditConfig `yaml:"audit,omitempty"`

	// Violations configures violation tracking and alerting.
	Violations ViolationsConfig `yaml:"violations,omitempty"`
}

// SetDefaults applies security defaults.
func (c *SecurityConfig) SetDefaults() {
	if c.MaxDelegationDepth == 0 {
		c.MaxDelegationDepth = capability.DefaultMaxDelegationDepth
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = Duration(kernel.DefaultCallTimeout)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(kernel.DefaultSweepInterval)
	}
	if c.ExpiryGrace == 0 {
		c.ExpiryGrace = Duration(kernel.DefaultExpiryGrace)
	}
	c.Keys.SetDefaults()
	c.Tokens.SetDefaults()
	c.Revocation.SetDefaults()
	c.Audit.SetDefaults()
	c.Violations.SetDefaults()
}

// Validate checks the security configuration.
func (c *SecurityConfig) Validate() error {
	if c.MaxDelegationDepth < 0 {
		return fmt.Errorf("max_delegation_depth must not be negative")
	}
	for resourceType := range c.Policies {
		if _, err := capability.ParseResourceType(resourceType); err != nil {
			return fmt.Errorf("policies: %w", err)
		}
	}
	if err := c.Keys.Validate(); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	if err := c.Tokens.Validate(); err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	if err := c.Revocation.Validate(); err != nil {
		return fmt.Errorf("revocation: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := c.Violations.Validate(); err != nil {
		return fmt.Errorf("violations: %w", err)
	}
	return nil
}

// ResolveSigningSecret returns the capability signing secret, preferring
// the environment over the config file. With strict set, the compiled-in
// development fallback is an error.
func (c *SecurityConfig) ResolveSigningSecret(strict bool) ([]byte, error) {
	if secret := os.Getenv(EnvSigningSecret); secret != "" {
		return []byte(secret), nil
	}
	if c.SigningSecret != "" {
		return []byte(c.SigningSecret), nil
	}
	if strict {
		return nil, fmt.Errorf("production mode requires %s or security.signing_secret", EnvSigningSecret)
	}
	return []byte(devSigningSecret), nil
}

// KernelPolicies converts the string-keyed policy map to its typed form.
func (c *SecurityConfig) KernelPolicies() map[capability.ResourceType]kernel.Policy {
	if len(c.Policies) == 0 {
		return nil
	}
	policies := make(map[capability.ResourceType]kernel.Policy, len(c.Policies))
	for resourceType, policy := range c.Policies {
		policies[capability.ResourceType(resourceType)] = policy
	}
	return policies
}

// KeysConfig configures RS256 signing key rotation.
type KeysConfig struct {
	// RotationInterval is how often a fresh signing key is generated.
	// Default: 720h (30 days).
	RotationInterval Duration `yaml:"rotation_interval,omitempty"`

	// OverlapPeriod keeps a retired key verifying in-flight tokens.
	// Default: 24h.
	OverlapPeriod Duration `yaml:"overlap_period,omitempty"`
}

// SetDefaults applies key rotation defaults.
func (c *KeysConfig) SetDefaults() {
	if c.RotationInterval == 0 {
		c.RotationInterval = Duration(30 * 24 * time.Hour)
	}
	if c.OverlapPeriod == 0 {
		c.OverlapPeriod = Duration(24 * time.Hour)
	}
}

// Validate checks the key rotation configuration.
func (c *KeysConfig) Validate() error {
	if c.RotationInterval < 0 || c.OverlapPeriod < 0 {
		return fmt.Errorf("rotation intervals must not be negative")
	}
	if c.OverlapPeriod.Duration() >= c.RotationInterval.Duration() {
		return fmt.Errorf("overlap_period %s must be shorter than rotation_interval %s",
			c.OverlapPeriod, c.RotationInterval)
	}
	return nil
}

// TokensConfig configures token issuance and validation.
type TokensConfig struct {
	// Issuer is the iss claim stamped into every token. Default: soteria.
	Issuer string `yaml:"issuer,omitempty"`

	// DefaultTTL is the token lifetime when a request leaves it unset.
	// Default: 1h.
	DefaultTTL Duration `yaml:"default_ttl,omitempty"`

	// ClockSkew tolerates issuer/validator drift. Default: 300s.
	ClockSkew Duration `yaml:"clock_skew,omitempty"`

	// VerdictTTL bounds signature verdict caching. Default: 30s.
	VerdictTTL Duration `yaml:"verdict_ttl,omitempty"`

	// JWKSURL switches the validator to a remote key set. When set, this
	// node validates tokens issued elsewhere instead of issuing its own.
	JWKSURL string `yaml:"jwks_url,omitempty"`
}

// SetDefaults applies token defaults.
func (c *TokensConfig) SetDefaults() {
	if c.Issuer == "" {
		c.Issuer = "soteria"
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = Duration(time.Hour)
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = Duration(300 * time.Second)
	}
	if c.VerdictTTL == 0 {
		c.VerdictTTL = Duration(30 * time.Second)
	}
}

// Validate checks the token configuration.
func (c *TokensConfig) Validate() error {
	if c.DefaultTTL < 0 || c.ClockSkew < 0 || c.VerdictTTL < 0 {
		return fmt.Errorf("token durations must not be negative")
	}
	return nil
}

// RevocationConfig configures the revocation cache.
type RevocationConfig struct {
	// Retention bounds how long a revocation without a known token expiry
	// is kept. Default: 24h.
	Retention Duration `yaml:"retention,omitempty"`

	// SweepInterval is the expired-entry sweep cadence. Default: 5m.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// SetDefaults applies revocation defaults.
func (c *RevocationConfig) SetDefaults() {
	if c.Retention == 0 {
		c.Retention = Duration(24 * time.Hour)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(5 * time.Minute)
	}
}

// Validate checks the revocation configuration.
func (c *RevocationConfig) Validate() error {
	if c.Retention < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("revocation durations must not be negative")
	}
	return nil
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Dir is where daily JSONL audit files are written. Empty disables
	// the file destination; entries still reach the structured log.
	Dir string `yaml:"dir,omitempty"`

	// ChecksumSecret keys the per-entry integrity checksums.
	// Overridden by AUDIT_CHECKSUM_SECRET.
	ChecksumSecret string `yaml:"checksum_secret,omitempty"`

	// MaxBufferSize is the entry count that forces a flush. Default: 100.
	MaxBufferSize int `yaml:"max_buffer_size,omitempty"`

	// FlushInterval is the periodic flush cadence. Default: 30s.
	FlushInterval Duration `yaml:"flush_interval,omitempty"`

	// Syslog mirrors audit entries to the local syslog daemon.
	Syslog bool `yaml:"syslog,omitempty"`
}

// SetDefaults applies audit defaults.
func (c *AuditConfig) SetDefaults() {
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = Duration(30 * time.Second)
	}
}

// Validate checks the audit configuration.
func (c *AuditConfig) Validate() error {
	if c.MaxBufferSize < 0 {
		return fmt.Errorf("max_buffer_size must not be negative")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush_interval must not be negative")
	}
	return nil
}

// ResolveChecksumSecret returns the audit checksum secret, preferring the
// environment. With strict set, the compiled-in fallback is an error.
func (c *AuditConfig) ResolveChecksumSecret(strict bool) ([]byte, error) {
	if secret := os.Getenv(EnvAuditSecret); secret != "" {
		return []byte(secret), nil
	}
	if c.ChecksumSecret != "" {
		return []byte(c.ChecksumSecret), nil
	}
	if strict {
		return nil, fmt.Errorf("production mode requires %s or security.audit.checksum_secret", EnvAuditSecret)
	}
	return []byte(devAuditSecret), nil
}

// ViolationsConfig configures violation tracking.
type ViolationsConfig struct {
	// Window is the sliding window for rate thresholds. Default: 5m.
	Window Duration `yaml:"window,omitempty"`

	// Cooldown suppresses repeat alerts per violation type. Default: 15m.
	Cooldown Duration `yaml:"cooldown,omitempty"`

	// Thresholds override the per-type alert threshold.
	Thresholds map[string]int `yaml:"thresholds,omitempty"`

	// HistoryLimit bounds retained violation records. Default: 1000.
	HistoryLimit int `yaml:"history_limit,omitempty"`
}

// SetDefaults applies violation tracking defaults.
func (c *ViolationsConfig) SetDefaults() {
	if c.Window == 0 {
		c.Window = Duration(5 * time.Minute)
	}
	if c.Cooldown == 0 {
		c.Cooldown = Duration(15 * time.Minute)
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 1000
	}
}

// Validate checks the violation configuration.
func (c *ViolationsConfig) Validate() error {
	if c.Window < 0 || c.Cooldown < 0 {
		return fmt.Errorf("violation durations must not be negative")
	}
	for violationType, threshold := range c.Thresholds {
		if threshold < 1 {
			return fmt.Errorf("threshold for %q must be at least 1", violationType)
		}
	}
	return nil
}
