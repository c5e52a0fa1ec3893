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

package token

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/soteria-run/soteria/pkg/capability"
)

// Private claim names carried alongside the registered JWT claims.
const (
	claimResource    = "resource"
	claimOperations  = "operations"
	claimConstraints = "constraints"
	claimDelegation  = "delegation"
)

// Delegation records a token's position in its delegation chain.
type Delegation struct {
	// ParentID is the jti of the token this one was delegated from.
	// Empty for root tokens.
	ParentID string `json:"parent_id,omitempty"`

	// Depth is 0 for root tokens and parent+1 for delegated ones.
	Depth int `json:"depth"`

	// MaxDepth caps further delegation.
	MaxDepth int `json:"max_depth"`
}

// Claims is the decoded payload of a capability token.
type Claims struct {
	Issuer      string                 `json:"iss"`
	Subject     string                 `json:"sub"`
	Audience    string                 `json:"aud"`
	ExpiresAt   time.Time              `json:"exp"`
	IssuedAt    time.Time              `json:"iat"`
	JTI         string                 `json:"jti"`
	Resource    string                 `json:"resource"`
	Operations  []string               `json:"operations"`
	Constraints capability.Constraints `json:"constraints,omitempty"`
	Delegation  Delegation             `json:"delegation"`
}

// extractClaims pulls the capability claims out of a verified token.
func extractClaims(tok jwt.Token) (*Claims, error) {
	c := &Claims{
		Issuer:    tok.Issuer(),
		Subject:   tok.Subject(),
		ExpiresAt: tok.Expiration(),
		IssuedAt:  tok.IssuedAt(),
		JTI:       tok.JwtID(),
	}
	if aud := tok.Audience(); len(aud) > 0 {
		c.Audience = aud[0]
	}

	if c.Subject == "" || c.JTI == "" || c.ExpiresAt.IsZero() || c.Audience == "" {
		return nil, fmt.Errorf("%w: sub, aud, exp, and jti are required", ErrMissingClaims)
	}

	if v, ok := tok.Get(claimResource); ok {
		if s, isStr := v.(string); isStr {
			c.Resource = s
		}
	}

	if v, ok := tok.Get(claimOperations); ok {
		c.Operations = capability.Constraints{capability.ConstraintOperations: v}.Operations()
	}

	if v, ok := tok.Get(claimConstraints); ok {
		if m, isMap := v.(map[string]any); isMap {
			c.Constraints = capability.Constraints(m)
		}
	}

	if v, ok := tok.Get(claimDelegation); ok {
		if m, isMap := v.(map[string]any); isMap {
			c.Delegation = decodeDelegation(m)
		}
	}

	return c, nil
}

func decodeDelegation(m map[string]any) Delegation {
	d := Delegation{}
	if s, ok := m["parent_id"].(string); ok {
		d.ParentID = s
	}
	if n, ok := numberValue(m["depth"]); ok {
		d.Depth = n
	}
	if n, ok := numberValue(m["max_depth"]); ok {
		d.MaxDepth = n
	}
	return d
}

func numberValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
