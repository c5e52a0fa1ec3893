package capability

import (
	"reflect"
	"testing"
	"time"
)

func TestIntersect(t *testing.T) {
	deadline := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		parent Constraints
		child  Constraints
		want   Constraints
	}{
		{
			name:   "set intersection",
			parent: Constraints{ConstraintOperations: []string{"read", "write"}},
			child:  Constraints{ConstraintOperations: []string{"write", "delete"}},
			want:   Constraints{ConstraintOperations: []string{"write"}},
		},
		{
			name:   "empty parent set is unrestricted",
			parent: Constraints{},
			child:  Constraints{ConstraintOperations: []string{"read"}},
			want:   Constraints{ConstraintOperations: []string{"read"}},
		},
		{
			name:   "empty child means no change",
			parent: Constraints{ConstraintOperations: []string{"read"}},
			child:  Constraints{},
			want:   Constraints{ConstraintOperations: []string{"read"}},
		},
		{
			name:   "paths keep covered child prefixes",
			parent: Constraints{ConstraintPaths: []string{"/tmp", "/var"}},
			child:  Constraints{ConstraintPaths: []string{"/tmp/logs", "/etc"}},
			want:   Constraints{ConstraintPaths: []string{"/tmp/logs"}},
		},
		{
			name:   "max delegations smaller wins",
			parent: Constraints{ConstraintMaxDelegations: 3},
			child:  Constraints{ConstraintMaxDelegations: 5},
			want:   Constraints{ConstraintMaxDelegations: 3},
		},
		{
			name:   "unlimited is the identity",
			parent: Constraints{ConstraintMaxDelegations: MaxDelegationsUnlimited},
			child:  Constraints{ConstraintMaxDelegations: 2},
			want:   Constraints{ConstraintMaxDelegations: 2},
		},
		{
			name:   "expires_at earlier wins",
			parent: Constraints{ConstraintExpiresAt: deadline.Add(time.Hour)},
			child:  Constraints{ConstraintExpiresAt: deadline},
			want:   Constraints{ConstraintExpiresAt: deadline},
		},
		{
			name:   "unknown key child overrides",
			parent: Constraints{"region": "eu", "tier": "gold"},
			child:  Constraints{"region": "us"},
			want:   Constraints{"region": "us", "tier": "gold"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Intersect(tt.parent, tt.child)
			for key, wantVal := range tt.want {
				gotVal, ok := got[key]
				if !ok {
					t.Fatalf("Intersect() missing key %q", key)
				}
				if key == ConstraintMaxDelegations {
					wantN, wantFinite := tt.want.MaxDelegations()
					gotN, gotFinite := got.MaxDelegations()
					if wantN != gotN || wantFinite != gotFinite {
						t.Errorf("Intersect() max_delegations = %v/%v, want %v/%v", gotN, gotFinite, wantN, wantFinite)
					}
					continue
				}
				if !reflect.DeepEqual(gotVal, wantVal) {
					t.Errorf("Intersect() %s = %v, want %v", key, gotVal, wantVal)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("Intersect() keys = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathHasPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/tmp/logs", "/tmp", true},
		{"/tmp", "/tmp", true},
		{"/tmp/", "/tmp", true},
		{"/tmpfoo", "/tmp", false},
		{"/tmp/logs/app.log", "/tmp/logs", true},
		{"/anything", "/", true},
		{"/etc/passwd", "/tmp", false},
	}

	for _, tt := range tests {
		if got := pathHasPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("pathHasPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func TestConstraintsValidate(t *testing.T) {
	tests := []struct {
		name        string
		constraints Constraints
		wantErr     bool
	}{
		{"empty", Constraints{}, false},
		{"well formed", Constraints{
			ConstraintOperations:     []string{"read"},
			ConstraintPaths:          []string{"/tmp"},
			ConstraintMaxDelegations: 2,
			ConstraintExpiresAt:      time.Now(),
			ConstraintMaxFileSize:    1024,
			ConstraintTimeWindow:     []string{"09:00", "17:00"},
		}, false},
		{"json decoded slices", Constraints{
			ConstraintOperations: []any{"read", "write"},
		}, false},
		{"operations not a list", Constraints{ConstraintOperations: "read"}, true},
		{"mixed slice", Constraints{ConstraintPaths: []any{"/tmp", 42}}, true},
		{"negative budget", Constraints{ConstraintMaxDelegations: -2}, true},
		{"unlimited sentinel", Constraints{ConstraintMaxDelegations: "unlimited"}, false},
		{"bad sentinel", Constraints{ConstraintMaxDelegations: "lots"}, true},
		{"rfc3339 expiry", Constraints{ConstraintExpiresAt: "2025-06-01T00:00:00Z"}, false},
		{"bad expiry", Constraints{ConstraintExpiresAt: "tomorrow"}, true},
		{"window missing end", Constraints{ConstraintTimeWindow: []string{"09:00"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constraints.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignatureDeterminism(t *testing.T) {
	signer := NewSigner([]byte("secret"))
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := &Capability{
		ID:           "0123456789abcdef0123456789abcdef",
		ResourceType: ResourceFilesystem,
		PrincipalID:  "A",
		IssuedAt:     issued,
		Constraints: Constraints{
			ConstraintOperations: []string{"read", "write"},
			ConstraintPaths:      []string{"/tmp"},
		},
	}

	// The same content signed through a JSON round-trip representation
	// produces the same signature.
	b := &Capability{
		ID:           a.ID,
		ResourceType: a.ResourceType,
		PrincipalID:  a.PrincipalID,
		IssuedAt:     issued,
		Constraints: Constraints{
			ConstraintOperations: []any{"read", "write"},
			ConstraintPaths:      []any{"/tmp"},
		},
	}

	if signer.Sign(a) != signer.Sign(b) {
		t.Error("Sign() differs across equivalent constraint representations")
	}

	c := &Capability{}
	*c = *a
	c.Constraints = a.Constraints.Clone()
	c.Constraints[ConstraintOperations] = []string{"read"}
	if signer.Sign(a) == signer.Sign(c) {
		t.Error("Sign() identical for different constraints")
	}
}
