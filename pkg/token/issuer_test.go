package token

import (
	"errors"
	"testing"
	"time"

	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/keys"
	"github.com/soteria-run/soteria/pkg/revocation"
)

const testIssuerName = "soteria-test"

func newTestSecurity(t *testing.T) (*Issuer, *keys.Manager, *revocation.Cache) {
	t.Helper()
	manager, err := keys.NewManager()
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}
	cache := revocation.New(revocation.Config{
		Retention:     time.Hour,
		SweepInterval: time.Hour,
	})
	issuer := NewIssuer(testIssuerName, manager, cache)
	return issuer, manager, cache
}

func TestIssue(t *testing.T) {
	issuer, manager, _ := newTestSecurity(t)

	signed, claims, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		Operations:   []string{"read", "write"},
		Resource:     "filesystem/tmp/**",
		PrincipalID:  "principal-a",
		Constraints: capability.Constraints{
			capability.ConstraintPaths: []string{"/tmp"},
		},
		TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if signed == "" {
		t.Fatal("Issue() returned empty token")
	}

	if claims.Issuer != testIssuerName {
		t.Errorf("iss = %q, want %q", claims.Issuer, testIssuerName)
	}
	if claims.Subject != "principal-a" {
		t.Errorf("sub = %q, want principal-a", claims.Subject)
	}
	if claims.Audience != string(capability.ResourceFilesystem) {
		t.Errorf("aud = %q, want filesystem", claims.Audience)
	}
	if claims.JTI == "" {
		t.Error("jti is empty")
	}
	if claims.Delegation.Depth != 0 {
		t.Errorf("delegation depth = %d, want 0", claims.Delegation.Depth)
	}
	if claims.Delegation.MaxDepth != capability.DefaultMaxDelegationDepth {
		t.Errorf("delegation max depth = %d, want %d", claims.Delegation.MaxDepth, capability.DefaultMaxDelegationDepth)
	}

	// The signed token round-trips through a validator.
	validator := NewValidator(manager, nil)
	decoded, err := validator.Validate(signed, "read", "filesystem/tmp/data.txt")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if decoded.JTI != claims.JTI {
		t.Errorf("validated jti = %q, want %q", decoded.JTI, claims.JTI)
	}
}

func TestIssueRejectsBadRequests(t *testing.T) {
	issuer, _, _ := newTestSecurity(t)

	_, _, err := issuer.Issue(IssueRequest{ResourceType: capability.ResourceFilesystem})
	if !errors.Is(err, ErrMissingClaims) {
		t.Errorf("Issue() without principal = %v, want ErrMissingClaims", err)
	}

	_, _, err = issuer.Issue(IssueRequest{PrincipalID: "a"})
	if !errors.Is(err, ErrMissingClaims) {
		t.Errorf("Issue() without resource type = %v, want ErrMissingClaims", err)
	}

	_, _, err = issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		PrincipalID:  "a",
		Constraints:  capability.Constraints{capability.ConstraintPaths: "not-a-list"},
	})
	if !errors.Is(err, capability.ErrInvalidConstraint) {
		t.Errorf("Issue() with bad constraints = %v, want ErrInvalidConstraint", err)
	}
}

func TestIssueDelegated(t *testing.T) {
	issuer, _, _ := newTestSecurity(t)

	parent, parentClaims, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		Operations:   []string{"read", "write"},
		Resource:     "filesystem/tmp/**",
		PrincipalID:  "A",
		Constraints: capability.Constraints{
			capability.ConstraintPaths: []string{"/tmp"},
		},
		TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, child, err := issuer.IssueDelegated(parent, "B", capability.Constraints{
		capability.ConstraintOperations: []string{"read"},
		capability.ConstraintPaths:      []string{"/tmp/logs"},
	})
	if err != nil {
		t.Fatalf("IssueDelegated() error = %v", err)
	}

	if child.Subject != "B" {
		t.Errorf("child sub = %q, want B", child.Subject)
	}
	if child.Delegation.ParentID != parentClaims.JTI {
		t.Errorf("child parent_id = %q, want %q", child.Delegation.ParentID, parentClaims.JTI)
	}
	if child.Delegation.Depth != 1 {
		t.Errorf("child depth = %d, want 1", child.Delegation.Depth)
	}
	if len(child.Operations) != 1 || child.Operations[0] != "read" {
		t.Errorf("child operations = %v, want [read]", child.Operations)
	}
	if paths := child.Constraints.Paths(); len(paths) != 1 || paths[0] != "/tmp/logs" {
		t.Errorf("child paths = %v, want [/tmp/logs]", paths)
	}
	if child.Resource != parentClaims.Resource {
		t.Errorf("child resource = %q, want parent's %q", child.Resource, parentClaims.Resource)
	}
	if child.ExpiresAt.After(parentClaims.ExpiresAt) {
		t.Error("child outlives parent")
	}
}

func TestIssueDelegatedDepthCeiling(t *testing.T) {
	issuer, _, _ := newTestSecurity(t)

	tok, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		PrincipalID:  "p0",
		TTL:          time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Walk the chain to the depth ceiling.
	for depth := 1; depth <= capability.DefaultMaxDelegationDepth; depth++ {
		next, claims, err := issuer.IssueDelegated(tok, "p"+string(rune('0'+depth)), nil)
		if err != nil {
			t.Fatalf("IssueDelegated() at depth %d error = %v", depth, err)
		}
		if claims.Delegation.Depth != depth {
			t.Fatalf("depth = %d, want %d", claims.Delegation.Depth, depth)
		}
		tok = next
	}

	_, _, err = issuer.IssueDelegated(tok, "pX", nil)
	if !errors.Is(err, capability.ErrDelegationDepthExceeded) {
		t.Errorf("IssueDelegated() past ceiling = %v, want ErrDelegationDepthExceeded", err)
	}
}

func TestIssueDelegatedRefusesRevokedParent(t *testing.T) {
	issuer, _, cache := newTestSecurity(t)

	parent, parentClaims, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		PrincipalID:  "A",
		TTL:          time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	cache.Revoke(parentClaims.JTI, parentClaims.ExpiresAt)

	_, _, err = issuer.IssueDelegated(parent, "B", nil)
	if !errors.Is(err, capability.ErrDelegationNotAllowed) {
		t.Errorf("IssueDelegated() from revoked parent = %v, want ErrDelegationNotAllowed", err)
	}
}

func TestIssueDelegatedRefusesExpiredParent(t *testing.T) {
	now := time.Now().UTC()
	manager, err := keys.NewManager()
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}
	issuer := NewIssuer(testIssuerName, manager, nil, WithIssuerClock(func() time.Time { return now }))

	parent, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		PrincipalID:  "A",
		TTL:          time.Minute,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, _, err = issuer.IssueDelegated(parent, "B", nil)
	if !errors.Is(err, capability.ErrDelegationNotAllowed) {
		t.Errorf("IssueDelegated() from expired parent = %v, want ErrDelegationNotAllowed", err)
	}
}

func TestRevoke(t *testing.T) {
	issuer, _, cache := newTestSecurity(t)

	_, claims, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceNetwork,
		PrincipalID:  "A",
		TTL:          time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	issuer.Revoke(claims.JTI, claims.ExpiresAt)
	if !cache.IsRevoked(claims.JTI) {
		t.Error("jti not present in revocation cache after Revoke")
	}
}
