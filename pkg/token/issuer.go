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

// Package token issues and validates RS256-signed capability tokens.
//
// Tokens are compact JWTs carrying the capability claims from the data
// model: resource, operations, constraints, and a delegation block. Remote
// validators authorise them with nothing but the issuer's JWKS document and
// the revocation cache.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/soteria-run/soteria/pkg/capability"
)

// DefaultTTL is the token lifetime when an issue request leaves it unset.
const DefaultTTL = time.Hour

// KeySource provides the signing key and the published verification set.
// The key manager satisfies it.
type KeySource interface {
	SigningKey() (jwk.Key, error)
	VerificationKeys() (jwk.Set, error)
}

// Revocations is the subset of the revocation cache the token layer needs.
type Revocations interface {
	IsRevoked(jti string) bool
	Revoke(jti string, expiresAt time.Time)
}

// IssueRequest describes a root token to mint.
type IssueRequest struct {
	ResourceType capability.ResourceType
	Operations   []string
	Resource     string
	PrincipalID  string
	Constraints  capability.Constraints
	TTL          time.Duration
}

// Issuer mints capability tokens signed with the current RS256 key.
type Issuer struct {
	issuer      string
	keys        KeySource
	revocations Revocations
	maxDepth    int
	defaultTTL  time.Duration
	now         func() time.Time
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithMaxDepth overrides the delegation depth ceiling stamped into root
// tokens.
func WithMaxDepth(depth int) IssuerOption {
	return func(i *Issuer) { i.maxDepth = depth }
}

// WithDefaultTTL overrides the fallback token lifetime.
func WithDefaultTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.defaultTTL = ttl }
}

// WithIssuerClock overrides the time source. Used by tests.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer identified by issuer in the iss claim.
func NewIssuer(issuer string, keys KeySource, revocations Revocations, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		issuer:      issuer,
		keys:        keys,
		revocations: revocations,
		maxDepth:    capability.DefaultMaxDelegationDepth,
		defaultTTL:  DefaultTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue mints a root token for the request. The returned claims mirror what
// was signed.
func (i *Issuer) Issue(req IssueRequest) (string, *Claims, error) {
	if req.PrincipalID == "" {
		return "", nil, fmt.Errorf("%w: principal is required", ErrMissingClaims)
	}
	if req.ResourceType == "" {
		return "", nil, fmt.Errorf("%w: resource type is required", ErrMissingClaims)
	}
	if err := req.Constraints.Validate(); err != nil {
		return "", nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	now := i.now()
	expiresAt := now.Add(ttl)

	constraints := req.Constraints.Clone()
	delete(constraints, capability.ConstraintOperations)
	if exp, ok := constraints.ExpiresAt(); ok && exp.Before(expiresAt) {
		expiresAt = exp.UTC()
	}

	claims := &Claims{
		Issuer:      i.issuer,
		Subject:     req.PrincipalID,
		Audience:    string(req.ResourceType),
		ExpiresAt:   expiresAt,
		IssuedAt:    now,
		JTI:         uuid.NewString(),
		Resource:    req.Resource,
		Operations:  req.Operations,
		Constraints: constraints,
		Delegation:  Delegation{Depth: 0, MaxDepth: i.maxDepth},
	}

	signed, err := i.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// IssueDelegated mints a child token from a parent. The child's claims are
// the intersection of the parent's and the added constraints, its subject
// is the target principal, and its delegation depth is parent+1.
func (i *Issuer) IssueDelegated(parentToken, targetPrincipal string, added capability.Constraints) (string, *Claims, error) {
	if targetPrincipal == "" {
		return "", nil, fmt.Errorf("%w: target principal is required", ErrMissingClaims)
	}
	if err := added.Validate(); err != nil {
		return "", nil, err
	}

	parent, err := i.parseParent(parentToken)
	if err != nil {
		return "", nil, err
	}

	now := i.now()
	if now.After(parent.ExpiresAt) {
		return "", nil, fmt.Errorf("%w: parent expired", capability.ErrDelegationNotAllowed)
	}
	if i.revocations != nil && i.revocations.IsRevoked(parent.Delegation.ParentID) {
		return "", nil, fmt.Errorf("%w: ancestor revoked", capability.ErrDelegationNotAllowed)
	}
	if i.revocations != nil && i.revocations.IsRevoked(parent.JTI) {
		return "", nil, fmt.Errorf("%w: parent revoked", capability.ErrDelegationNotAllowed)
	}

	maxDepth := parent.Delegation.MaxDepth
	if maxDepth <= 0 {
		maxDepth = i.maxDepth
	}
	childDepth := parent.Delegation.Depth + 1
	if childDepth > maxDepth {
		return "", nil, capability.ErrDelegationDepthExceeded
	}

	parentScope := parent.Constraints.Clone()
	parentScope[capability.ConstraintOperations] = parent.Operations
	merged := capability.Intersect(parentScope, added)
	operations := merged.Operations()
	delete(merged, capability.ConstraintOperations)

	expiresAt := parent.ExpiresAt
	if exp, ok := merged.ExpiresAt(); ok && exp.Before(expiresAt) {
		expiresAt = exp.UTC()
	}

	claims := &Claims{
		Issuer:      i.issuer,
		Subject:     targetPrincipal,
		Audience:    parent.Audience,
		ExpiresAt:   expiresAt,
		IssuedAt:    now,
		JTI:         uuid.NewString(),
		Resource:    parent.Resource,
		Operations:  operations,
		Constraints: merged,
		Delegation:  Delegation{ParentID: parent.JTI, Depth: childDepth, MaxDepth: maxDepth},
	}

	signed, err := i.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Revoke adds the token id to the revocation cache.
func (i *Issuer) Revoke(jti string, expiresAt time.Time) {
	if i.revocations != nil {
		i.revocations.Revoke(jti, expiresAt)
	}
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	tok := jwt.New()
	fields := []struct {
		key   string
		value any
	}{
		{jwt.IssuerKey, claims.Issuer},
		{jwt.SubjectKey, claims.Subject},
		{jwt.AudienceKey, claims.Audience},
		{jwt.ExpirationKey, claims.ExpiresAt},
		{jwt.IssuedAtKey, claims.IssuedAt},
		{jwt.JwtIDKey, claims.JTI},
		{claimResource, claims.Resource},
		{claimOperations, claims.Operations},
		{claimConstraints, map[string]any(claims.Constraints)},
		{claimDelegation, map[string]any{
			"parent_id": claims.Delegation.ParentID,
			"depth":     claims.Delegation.Depth,
			"max_depth": claims.Delegation.MaxDepth,
		}},
	}
	for _, f := range fields {
		if err := tok.Set(f.key, f.value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", f.key, err)
		}
	}

	key, err := i.keys.SigningKey()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// parseParent verifies the parent's signature and decodes its claims. Time
// and revocation checks stay with the caller.
func (i *Issuer) parseParent(parentToken string) (*Claims, error) {
	if strings.Count(parentToken, ".") != 2 {
		return nil, ErrInvalidFormat
	}
	keyset, err := i.keys.VerificationKeys()
	if err != nil {
		return nil, err
	}
	if keyset.Len() == 0 {
		return nil, ErrNoVerificationKeys
	}
	tok, err := jwt.Parse([]byte(parentToken), jwt.WithKeySet(keyset), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return extractClaims(tok)
}
