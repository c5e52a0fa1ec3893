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

// Package capability implements unforgeable permission tokens.
//
// A Capability grants a principal scoped access to a resource type. This
// package implements:
//   - HMAC-SHA256 signing over a deterministic serialisation
//   - Structure, signature, and expiry validation
//   - Permission checks with typed denial reasons
//   - Delegation with monotonically non-expanding constraint intersection
package capability

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceType classifies what a capability governs.
type ResourceType string

const (
	// ResourceFilesystem governs file reads and writes under path prefixes.
	ResourceFilesystem ResourceType = "filesystem"

	// ResourceMCPTool governs invocation of named tools.
	ResourceMCPTool ResourceType = "mcp_tool"

	// ResourceNetwork governs outbound network access.
	ResourceNetwork ResourceType = "network"

	// ResourceAgent governs agent lifecycle operations.
	ResourceAgent ResourceType = "agent"

	// ResourceWorkflow governs workflow submission and control.
	ResourceWorkflow ResourceType = "workflow"
)

// ParseResourceType converts a string to a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	switch t := ResourceType(s); t {
	case ResourceFilesystem, ResourceMCPTool, ResourceNetwork, ResourceAgent, ResourceWorkflow:
		return t, nil
	default:
		return "", fmt.Errorf("unknown resource type: %s", s)
	}
}

// Capability is an unforgeable permission token. Instances are created and
// mutated only through a Model; the signature covers every field except
// Revoked and Signature itself.
type Capability struct {
	// ID is a 128-bit random identifier, hex-encoded.
	ID string `json:"id"`

	// ResourceType classifies the governed resource.
	ResourceType ResourceType `json:"resource_type"`

	// Constraints scope what the capability permits.
	Constraints Constraints `json:"constraints"`

	// PrincipalID names the subject the capability was granted to.
	PrincipalID string `json:"principal_id"`

	// ParentID references the capability this one was delegated from.
	// Empty for root capabilities.
	ParentID string `json:"parent_id,omitempty"`

	// IssuedAt is the creation time (UTC wall clock).
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is the expiry time; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// DelegationDepth is 0 for root capabilities and parent+1 for
	// delegated ones.
	DelegationDepth int `json:"delegation_depth"`

	// Revoked marks the capability invalid. Set only via Model.Revoke.
	Revoked bool `json:"revoked"`

	// Signature is the hex HMAC-SHA256 over the canonical serialisation.
	Signature string `json:"signature"`
}

// Expired reports whether the capability's effective expiry (the earlier of
// the ExpiresAt field and the expires_at constraint) has passed.
func (c *Capability) Expired(now time.Time) bool {
	if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
		return true
	}
	if exp, ok := c.Constraints.ExpiresAt(); ok && now.After(exp) {
		return true
	}
	return false
}

// NewID returns a fresh 128-bit hex capability id.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// DefaultMaxDelegationDepth bounds delegation chains regardless of
// per-capability budgets.
const DefaultMaxDelegationDepth = 5

// Model implements capability creation, validation, permission checks,
// delegation, and revocation on top of a Signer.
type Model struct {
	signer   *Signer
	maxDepth int
	now      func() time.Time
}

// ModelOption customises a Model.
type ModelOption func(*Model)

// WithMaxDelegationDepth overrides the delegation depth ceiling.
func WithMaxDelegationDepth(depth int) ModelOption {
	return func(m *Model) {
		m.maxDepth = depth
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) ModelOption {
	return func(m *Model) {
		m.now = now
	}
}

// NewModel creates a capability model signing with the given secret.
func NewModel(secret []byte, opts ...ModelOption) *Model {
	m := &Model{
		signer:   NewSigner(secret),
		maxDepth: DefaultMaxDelegationDepth,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxDelegationDepth returns the configured depth ceiling.
func (m *Model) MaxDelegationDepth() int {
	return m.maxDepth
}

// Create builds and signs a root capability for the principal.
func (m *Model) Create(resourceType ResourceType, constraints Constraints, principalID string) (*Capability, error) {
	return m.build(resourceType, constraints, principalID, nil)
}

func (m *Model) build(resourceType ResourceType, constraints Constraints, principalID string, parent *Capability) (*Capability, error) {
	if resourceType == "" {
		return nil, fmt.Errorf("%w: resource type is required", ErrInvalidStructure)
	}
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", ErrInvalidStructure)
	}
	constraints = constraints.Clone()
	if err := constraints.Validate(); err != nil {
		return nil, err
	}

	c := &Capability{
		ID:           NewID(),
		ResourceType: resourceType,
		Constraints:  constraints,
		PrincipalID:  principalID,
		IssuedAt:     m.now(),
	}
	if exp, ok := constraints.ExpiresAt(); ok {
		c.ExpiresAt = exp.UTC()
	}
	if parent != nil {
		c.ParentID = parent.ID
		c.DelegationDepth = parent.DelegationDepth + 1
	}
	c.Signature = m.signer.Sign(c)
	return c, nil
}

// Validate checks structure, signature, and expiry. A nil return means the
// capability is authentic and live.
func (m *Model) Validate(c *Capability) error {
	if err := m.validateStructure(c); err != nil {
		return err
	}
	if c.Signature == "" {
		return ErrMissingSignature
	}
	if !m.signer.Verify(c) {
		return ErrInvalidSignature
	}
	if c.Revoked {
		return ErrRevoked
	}
	if c.Expired(m.now()) {
		return ErrExpired
	}
	return nil
}

func (m *Model) validateStructure(c *Capability) error {
	if c == nil {
		return fmt.Errorf("%w: nil capability", ErrInvalidStructure)
	}
	if len(c.ID) != 32 || !isHex(c.ID) {
		return fmt.Errorf("%w: id must be 128-bit hex", ErrInvalidStructure)
	}
	if c.ResourceType == "" {
		return fmt.Errorf("%w: resource type is required", ErrInvalidStructure)
	}
	if c.PrincipalID == "" {
		return fmt.Errorf("%w: principal id is required", ErrInvalidStructure)
	}
	if c.IssuedAt.IsZero() {
		return fmt.Errorf("%w: issued_at is required", ErrInvalidStructure)
	}
	if c.DelegationDepth < 0 {
		return fmt.Errorf("%w: negative delegation depth", ErrInvalidStructure)
	}
	return c.Constraints.Validate()
}

// Permits reports whether the capability allows operation on resource.
// A nil return means allowed; otherwise the error names the denial reason.
func (m *Model) Permits(c *Capability, operation, resource string) error {
	if err := m.Validate(c); err != nil {
		return err
	}

	if ops := c.Constraints.Operations(); ops != nil && !contains(ops, operation) {
		return fmt.Errorf("%w: %s", ErrOperationNotPermitted, operation)
	}

	switch c.ResourceType {
	case ResourceFilesystem:
		if paths := c.Constraints.Paths(); paths != nil {
			if !PathAllowed(paths, resource) {
				return fmt.Errorf("%w: %s", ErrPathNotAllowed, resource)
			}
		}
		if exts := c.Constraints.AllowedExtensions(); exts != nil {
			if !ExtensionAllowed(exts, resource) {
				return fmt.Errorf("%w: %s", ErrResourceNotPermitted, resource)
			}
		}
	case ResourceMCPTool:
		if tools := c.Constraints.AllowedTools(); tools != nil && !contains(tools, resource) {
			return fmt.Errorf("%w: %s", ErrToolNotAllowed, resource)
		}
	}

	return nil
}

// Delegate produces a child capability for targetPrincipal whose constraints
// are the intersection of the parent's and the added ones. The child's depth
// is parent+1.
func (m *Model) Delegate(parent *Capability, targetPrincipal string, added Constraints) (*Capability, error) {
	if err := m.validateStructure(parent); err != nil {
		return nil, err
	}
	if !m.signer.Verify(parent) {
		return nil, ErrInvalidSignature
	}
	if parent.Revoked {
		return nil, fmt.Errorf("%w: parent revoked", ErrDelegationNotAllowed)
	}
	if parent.Expired(m.now()) {
		return nil, fmt.Errorf("%w: parent expired", ErrDelegationNotAllowed)
	}
	if budget, finite := parent.Constraints.MaxDelegations(); finite && parent.DelegationDepth >= budget {
		return nil, fmt.Errorf("%w: max delegations exceeded", ErrDelegationNotAllowed)
	}
	if parent.DelegationDepth+1 > m.maxDepth {
		return nil, ErrDelegationDepthExceeded
	}
	if targetPrincipal == "" {
		return nil, fmt.Errorf("%w: target principal is required", ErrInvalidStructure)
	}
	if err := added.Validate(); err != nil {
		return nil, err
	}

	return m.build(parent.ResourceType, Intersect(parent.Constraints, added), targetPrincipal, parent)
}

// Revoke flips the revoked flag. Idempotent.
func (m *Model) Revoke(c *Capability) {
	c.Revoked = true
}

// Verify exposes the signer check for storage-side integrity comparisons.
func (m *Model) Verify(c *Capability) bool {
	return m.signer.Verify(c)
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func contains(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}
