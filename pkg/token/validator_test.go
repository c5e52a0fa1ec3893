package token

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/keys"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *recordingReporter) ReportViolation(violationType, principalID, resource, operation string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, violationType)
}

func (r *recordingReporter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

func issueTestToken(t *testing.T, issuer *Issuer) (string, *Claims) {
	t.Helper()
	signed, claims, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		Operations:   []string{"read", "write"},
		Resource:     "filesystem/tmp/**",
		PrincipalID:  "principal-a",
		Constraints: capability.Constraints{
			capability.ConstraintPaths: []string{"filesystem/tmp"},
		},
		TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return signed, claims
}

func TestValidateScope(t *testing.T) {
	issuer, manager, _ := newTestSecurity(t)
	signed, _ := issueTestToken(t, issuer)
	validator := NewValidator(manager, nil)

	tests := []struct {
		name      string
		operation string
		resource  string
		wantErr   error
	}{
		{"allowed operation and resource", "read", "filesystem/tmp/data.txt", nil},
		{"second allowed operation", "write", "filesystem/tmp/sub/file", nil},
		{"operation outside claim", "delete", "filesystem/tmp/data.txt", capability.ErrOperationNotPermitted},
		{"resource outside pattern", "read", "network/socket", capability.ErrResourceNotPermitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := validator.Validate(signed, tt.operation, tt.resource)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				// Success implies op and resource are inside the claims.
				if !containsString(claims.Operations, tt.operation) {
					t.Errorf("operation %q not in claims %v", tt.operation, claims.Operations)
				}
				if !matchResource(claims.Resource, tt.resource) {
					t.Errorf("resource %q does not match claim %q", tt.resource, claims.Resource)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, manager, _ := newTestSecurity(t)
	validator := NewValidator(manager, nil)

	_, err := validator.Validate("not-a-token", "read", "x")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Validate(garbage) = %v, want ErrInvalidFormat", err)
	}

	_, err = validator.Validate("aaa.bbb.ccc", "read", "x")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate(forged) = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuer, _, _ := newTestSecurity(t)
	signed, _ := issueTestToken(t, issuer)

	otherManager, err := keys.NewManager()
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}
	validator := NewValidator(otherManager, nil)

	if _, err := validator.Validate(signed, "read", "filesystem/tmp/x"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() with foreign keys = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateExpiryAndSkew(t *testing.T) {
	now := time.Now().UTC()
	manager, err := keys.NewManager()
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}
	issuer := NewIssuer(testIssuerName, manager, nil, WithIssuerClock(func() time.Time { return now }))
	signed, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		PrincipalID:  "a",
		TTL:          time.Minute,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock := now
	validator := NewValidator(manager, nil,
		WithClockSkew(300*time.Second),
		WithValidatorClock(func() time.Time { return clock }),
		WithVerdictTTL(0),
	)

	// Expired but within skew: accepted.
	clock = now.Add(time.Minute + 200*time.Second)
	if _, err := validator.Validate(signed, "read", "x"); err != nil {
		t.Errorf("Validate() inside skew = %v, want nil", err)
	}

	// Past skew: rejected.
	clock = now.Add(time.Minute + 301*time.Second)
	if _, err := validator.Validate(signed, "read", "x"); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() past skew = %v, want ErrExpired", err)
	}

	// Token from the future beyond skew: rejected.
	clock = now.Add(-301 * time.Second)
	if _, err := validator.Validate(signed, "read", "x"); !errors.Is(err, ErrUsedBeforeIssued) {
		t.Errorf("Validate() future token = %v, want ErrUsedBeforeIssued", err)
	}
}

func TestValidateRevocation(t *testing.T) {
	issuer, manager, cache := newTestSecurity(t)
	signed, claims := issueTestToken(t, issuer)
	validator := NewValidator(manager, cache)

	if _, err := validator.Validate(signed, "read", "filesystem/tmp/x"); err != nil {
		t.Fatalf("Validate() before revocation = %v", err)
	}

	// Revocation takes effect immediately despite the verdict cache.
	cache.Revoke(claims.JTI, claims.ExpiresAt)
	if _, err := validator.Validate(signed, "read", "filesystem/tmp/x"); !errors.Is(err, ErrRevoked) {
		t.Errorf("Validate() after revocation = %v, want ErrRevoked", err)
	}
}

func TestValidateRevokedParentInvalidatesChild(t *testing.T) {
	issuer, manager, cache := newTestSecurity(t)
	parent, parentClaims := issueTestToken(t, issuer)

	childToken, _, err := issuer.IssueDelegated(parent, "B", nil)
	if err != nil {
		t.Fatalf("IssueDelegated() error = %v", err)
	}

	validator := NewValidator(manager, cache)
	if _, err := validator.Validate(childToken, "read", "filesystem/tmp/x"); err != nil {
		t.Fatalf("Validate(child) before revocation = %v", err)
	}

	cache.Revoke(parentClaims.JTI, parentClaims.ExpiresAt)
	if _, err := validator.Validate(childToken, "read", "filesystem/tmp/x"); !errors.Is(err, ErrRevoked) {
		t.Errorf("Validate(child) after parent revocation = %v, want ErrRevoked", err)
	}
}

func TestValidateReportsViolations(t *testing.T) {
	issuer, manager, _ := newTestSecurity(t)
	signed, _ := issueTestToken(t, issuer)

	// The resource pattern admits all of filesystem/ but paths pin it to /tmp.
	pinned, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		Operations:   []string{"read"},
		Resource:     "filesystem/**",
		PrincipalID:  "principal-a",
		Constraints: capability.Constraints{
			capability.ConstraintPaths: []string{"filesystem/tmp"},
		},
		TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	reporter := &recordingReporter{}
	validator := NewValidator(manager, nil, WithViolationReporter(reporter))

	validator.Validate("garbage", "read", "x")
	validator.Validate(signed, "delete", "filesystem/tmp/x")
	validator.Validate(signed, "read", "network/socket")
	validator.Validate(pinned, "read", "filesystem/etc/passwd")

	got := reporter.types()
	want := []string{
		ViolationInvalidCapability,
		"operation_not_permitted",
		"resource_not_permitted",
		"path_not_allowed",
	}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("report %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateRotationOverlap(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	manager, err := keys.NewManager(
		keys.WithOverlapPeriod(24*time.Hour),
		keys.WithClock(now),
	)
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}

	issuer := NewIssuer(testIssuerName, manager, nil, WithIssuerClock(now))
	signed, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceFilesystem,
		Operations:   []string{"read"},
		PrincipalID:  "a",
		TTL:          48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	validator := NewValidator(manager, nil,
		WithValidatorClock(now),
		WithVerdictTTL(0),
	)

	if err := manager.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// One hour after rotation the old key is still published.
	clock = clock.Add(time.Hour)
	if _, err := validator.Validate(signed, "read", "x"); err != nil {
		t.Errorf("Validate() during overlap = %v, want nil", err)
	}

	// Twenty-five hours after rotation the old key is evicted.
	clock = clock.Add(24 * time.Hour)
	if _, err := validator.Validate(signed, "read", "x"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() after overlap = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateTimeWindow(t *testing.T) {
	issuedAt := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	manager, err := keys.NewManager()
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}
	issuer := NewIssuer(testIssuerName, manager, nil,
		WithIssuerClock(func() time.Time { return issuedAt }),
	)

	signed, _, err := issuer.Issue(IssueRequest{
		ResourceType: capability.ResourceNetwork,
		PrincipalID:  "a",
		Constraints: capability.Constraints{
			capability.ConstraintTimeWindow: []string{"09:00", "17:00"},
		},
		TTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	validator := NewValidator(manager, nil,
		WithValidatorClock(func() time.Time { return clock }),
		WithVerdictTTL(0),
	)

	if _, err := validator.Validate(signed, "connect", "network/db"); err != nil {
		t.Errorf("Validate() inside window = %v, want nil", err)
	}

	clock = time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if _, err := validator.Validate(signed, "connect", "network/db"); !errors.Is(err, ErrOutsideTimeWindow) {
		t.Errorf("Validate() outside window = %v, want ErrOutsideTimeWindow", err)
	}
}

func TestValidatorStats(t *testing.T) {
	issuer, manager, _ := newTestSecurity(t)
	signed, _ := issueTestToken(t, issuer)
	validator := NewValidator(manager, nil)

	if s := validator.Stats(); s.Validations != 0 {
		t.Fatalf("Stats() before any call = %+v, want zero counters", s)
	}

	if _, err := validator.Validate(signed, "read", "filesystem/tmp/x"); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := validator.Validate(signed, "delete", "filesystem/tmp/x"); err == nil {
		t.Fatal("Validate() with disallowed operation succeeded")
	}

	s := validator.Stats()
	if s.Validations != 2 {
		t.Errorf("Validations = %d, want 2", s.Validations)
	}
	if s.Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Failures)
	}
	if s.AvgLatencyMS < 0 {
		t.Errorf("AvgLatencyMS = %v, want >= 0", s.AvgLatencyMS)
	}
}
