package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret")

func testModel(opts ...ModelOption) *Model {
	return NewModel(testSecret, opts...)
}

func TestCreate(t *testing.T) {
	m := testModel()

	cap, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: []string{"read", "write"},
		ConstraintPaths:      []string{"/tmp"},
	}, "principal-a")
	require.NoError(t, err)

	assert.Len(t, cap.ID, 32)
	assert.Equal(t, ResourceFilesystem, cap.ResourceType)
	assert.Equal(t, "principal-a", cap.PrincipalID)
	assert.Empty(t, cap.ParentID)
	assert.Equal(t, 0, cap.DelegationDepth)
	assert.False(t, cap.Revoked)
	assert.NotEmpty(t, cap.Signature)
	assert.False(t, cap.IssuedAt.IsZero())
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	m := testModel()

	_, err := m.Create("", nil, "principal-a")
	assert.ErrorIs(t, err, ErrInvalidStructure)

	_, err = m.Create(ResourceFilesystem, nil, "")
	assert.ErrorIs(t, err, ErrInvalidStructure)

	_, err = m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: "not-a-list",
	}, "principal-a")
	assert.ErrorIs(t, err, ErrInvalidConstraint)

	_, err = m.Create(ResourceFilesystem, Constraints{
		ConstraintMaxDelegations: -1,
	}, "principal-a")
	assert.ErrorIs(t, err, ErrInvalidConstraint)
}

func TestValidateSignature(t *testing.T) {
	m := testModel()

	cap, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: []string{"read"},
	}, "principal-a")
	require.NoError(t, err)
	require.NoError(t, m.Validate(cap))

	// A valid capability's signature re-verifies bit-identically.
	assert.Equal(t, cap.Signature, NewSigner(testSecret).Sign(cap))

	t.Run("tampered principal", func(t *testing.T) {
		tampered := *cap
		tampered.PrincipalID = "principal-b"
		assert.ErrorIs(t, m.Validate(&tampered), ErrInvalidSignature)
	})

	t.Run("tampered constraints", func(t *testing.T) {
		tampered := *cap
		tampered.Constraints = Constraints{ConstraintOperations: []string{"read", "write"}}
		assert.ErrorIs(t, m.Validate(&tampered), ErrInvalidSignature)
	})

	t.Run("missing signature", func(t *testing.T) {
		stripped := *cap
		stripped.Signature = ""
		assert.ErrorIs(t, m.Validate(&stripped), ErrMissingSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewModel([]byte("other-secret"))
		assert.ErrorIs(t, other.Validate(cap), ErrInvalidSignature)
	})
}

func TestValidateExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := testModel(WithClock(func() time.Time { return now }))

	cap, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintExpiresAt: now.Add(time.Hour),
	}, "principal-a")
	require.NoError(t, err)
	require.NoError(t, m.Validate(cap))

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, m.Validate(cap), ErrExpired)
}

func TestValidateRevoked(t *testing.T) {
	m := testModel()

	cap, err := m.Create(ResourceNetwork, nil, "principal-a")
	require.NoError(t, err)

	m.Revoke(cap)
	assert.ErrorIs(t, m.Validate(cap), ErrRevoked)

	// Revoking twice observably equals revoking once.
	m.Revoke(cap)
	assert.ErrorIs(t, m.Validate(cap), ErrRevoked)
}

func TestPermits(t *testing.T) {
	m := testModel()

	fs, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: []string{"read", "write"},
		ConstraintPaths:      []string{"/tmp", "/var/log"},
	}, "principal-a")
	require.NoError(t, err)

	tool, err := m.Create(ResourceMCPTool, Constraints{
		ConstraintAllowedTools: []string{"grep", "find"},
	}, "principal-a")
	require.NoError(t, err)

	tests := []struct {
		name      string
		cap       *Capability
		operation string
		resource  string
		wantErr   error
	}{
		{"read in allowed path", fs, "read", "/tmp/data.txt", nil},
		{"write in nested allowed path", fs, "write", "/var/log/app/out.log", nil},
		{"operation not granted", fs, "delete", "/tmp/data.txt", ErrOperationNotPermitted},
		{"path outside prefixes", fs, "read", "/etc/passwd", ErrPathNotAllowed},
		{"sibling with shared prefix text", fs, "read", "/tmpfoo/x", ErrPathNotAllowed},
		{"allowed tool", tool, "execute", "grep", nil},
		{"unlisted tool", tool, "execute", "curl", ErrToolNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Permits(tt.cap, tt.operation, tt.resource)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPermitsExtensions(t *testing.T) {
	m := testModel()

	cap, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintPaths:             []string{"/data"},
		ConstraintAllowedExtensions: []string{".json", ".txt"},
	}, "principal-a")
	require.NoError(t, err)

	assert.NoError(t, m.Permits(cap, "read", "/data/report.json"))
	assert.ErrorIs(t, m.Permits(cap, "read", "/data/report.exe"), ErrResourceNotPermitted)
}

func TestPermitsUnrestrictedOperations(t *testing.T) {
	m := testModel()

	// No operations constraint means any operation within the resource scope.
	cap, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintPaths: []string{"/tmp"},
	}, "principal-a")
	require.NoError(t, err)

	assert.NoError(t, m.Permits(cap, "read", "/tmp/x"))
	assert.NoError(t, m.Permits(cap, "delete", "/tmp/x"))
}

func TestDelegateIntersection(t *testing.T) {
	m := testModel()

	parent, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations:     []string{"read", "write"},
		ConstraintPaths:          []string{"/tmp"},
		ConstraintMaxDelegations: 3,
	}, "A")
	require.NoError(t, err)

	child, err := m.Delegate(parent, "B", Constraints{
		ConstraintOperations:     []string{"read"},
		ConstraintPaths:          []string{"/tmp/logs"},
		ConstraintMaxDelegations: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, "B", child.PrincipalID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.DelegationDepth+1, child.DelegationDepth)
	assert.Equal(t, []string{"read"}, child.Constraints.Operations())
	assert.Equal(t, []string{"/tmp/logs"}, child.Constraints.Paths())

	max, finite := child.Constraints.MaxDelegations()
	assert.True(t, finite)
	assert.Equal(t, 1, max)

	require.NoError(t, m.Validate(child))
}

func TestDelegateNeverWidens(t *testing.T) {
	m := testModel()

	parent, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: []string{"read"},
		ConstraintPaths:      []string{"/tmp"},
	}, "A")
	require.NoError(t, err)

	child, err := m.Delegate(parent, "B", Constraints{
		ConstraintOperations: []string{"read", "write", "delete"},
		ConstraintPaths:      []string{"/tmp/logs", "/etc"},
	})
	require.NoError(t, err)

	// Requested widening is clamped to the parent's scope.
	assert.Equal(t, []string{"read"}, child.Constraints.Operations())
	assert.Equal(t, []string{"/tmp/logs"}, child.Constraints.Paths())
	assert.ErrorIs(t, m.Permits(child, "write", "/tmp/logs/x"), ErrOperationNotPermitted)
	assert.ErrorIs(t, m.Permits(child, "read", "/etc/passwd"), ErrPathNotAllowed)
}

func TestDelegateNoAddedConstraints(t *testing.T) {
	m := testModel()

	parent, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintOperations: []string{"read", "write"},
		ConstraintPaths:      []string{"/tmp"},
	}, "A")
	require.NoError(t, err)

	child, err := m.Delegate(parent, "B", nil)
	require.NoError(t, err)

	// Same scope, new principal, depth bumped.
	assert.Equal(t, parent.Constraints.Operations(), child.Constraints.Operations())
	assert.Equal(t, parent.Constraints.Paths(), child.Constraints.Paths())
	assert.Equal(t, "B", child.PrincipalID)
	assert.Equal(t, 1, child.DelegationDepth)
}

func TestDelegateRefusals(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := testModel(WithClock(func() time.Time { return now }))

	t.Run("revoked parent", func(t *testing.T) {
		parent, err := m.Create(ResourceFilesystem, nil, "A")
		require.NoError(t, err)
		m.Revoke(parent)
		_, err = m.Delegate(parent, "B", nil)
		assert.ErrorIs(t, err, ErrDelegationNotAllowed)
	})

	t.Run("expired parent", func(t *testing.T) {
		parent, err := m.Create(ResourceFilesystem, Constraints{
			ConstraintExpiresAt: now.Add(-time.Minute),
		}, "A")
		require.NoError(t, err)
		_, err = m.Delegate(parent, "B", nil)
		assert.ErrorIs(t, err, ErrDelegationNotAllowed)
	})

	t.Run("delegation budget spent", func(t *testing.T) {
		parent, err := m.Create(ResourceFilesystem, Constraints{
			ConstraintMaxDelegations: 1,
		}, "A")
		require.NoError(t, err)

		child, err := m.Delegate(parent, "B", nil)
		require.NoError(t, err)

		_, err = m.Delegate(child, "C", nil)
		assert.ErrorIs(t, err, ErrDelegationNotAllowed)
	})

	t.Run("depth ceiling", func(t *testing.T) {
		shallow := NewModel(testSecret, WithMaxDelegationDepth(2))
		root, err := shallow.Create(ResourceFilesystem, nil, "A")
		require.NoError(t, err)

		d1, err := shallow.Delegate(root, "B", nil)
		require.NoError(t, err)
		d2, err := shallow.Delegate(d1, "C", nil)
		require.NoError(t, err)

		_, err = shallow.Delegate(d2, "D", nil)
		assert.ErrorIs(t, err, ErrDelegationDepthExceeded)
	})

	t.Run("tampered parent", func(t *testing.T) {
		parent, err := m.Create(ResourceFilesystem, nil, "A")
		require.NoError(t, err)
		forged := *parent
		forged.PrincipalID = "Z"
		_, err = m.Delegate(&forged, "B", nil)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestDelegateExpiryNarrowing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := testModel(WithClock(func() time.Time { return now }))

	parent, err := m.Create(ResourceFilesystem, Constraints{
		ConstraintExpiresAt: now.Add(24 * time.Hour),
	}, "A")
	require.NoError(t, err)

	child, err := m.Delegate(parent, "B", Constraints{
		ConstraintExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	exp, ok := child.Constraints.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), exp)
	assert.Equal(t, now.Add(time.Hour), child.ExpiresAt)

	// A later child expiry cannot outlive the parent.
	late, err := m.Delegate(parent, "C", Constraints{
		ConstraintExpiresAt: now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	exp, ok = late.Constraints.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(24*time.Hour), exp)
}
