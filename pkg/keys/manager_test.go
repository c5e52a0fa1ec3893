package keys

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func TestNewManagerGeneratesKey(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	key, err := m.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}
	if key.KeyID() == "" {
		t.Error("signing key has no kid")
	}
	if m.CurrentKID() != key.KeyID() {
		t.Errorf("CurrentKID() = %q, want %q", m.CurrentKID(), key.KeyID())
	}
}

func TestJWKSDocument(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	raw, err := m.JWKS()
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("JWKS is not valid JSON: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("JWKS has %d keys, want 1", len(doc.Keys))
	}

	k := doc.Keys[0]
	for field, want := range map[string]string{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
	} {
		if k[field] != want {
			t.Errorf("JWKS key %s = %v, want %v", field, k[field], want)
		}
	}
	for _, field := range []string{"kid", "n", "e"} {
		if s, ok := k[field].(string); !ok || s == "" {
			t.Errorf("JWKS key missing %s", field)
		}
	}
	if _, present := k["d"]; present {
		t.Error("JWKS leaks the private exponent")
	}
}

func TestRotationKeepsOverlapKeys(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewManager(
		WithOverlapPeriod(24*time.Hour),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	oldKID := m.CurrentKID()
	oldKey, err := m.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}

	// A token signed under the pre-rotation key.
	tok := jwt.New()
	if err := tok.Set(jwt.SubjectKey, "principal-a"); err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, oldKey))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if m.CurrentKID() == oldKID {
		t.Error("Rotate() did not change the current kid")
	}

	// One hour after rotation, still inside the overlap.
	now = now.Add(time.Hour)
	set, err := m.VerificationKeys()
	if err != nil {
		t.Fatalf("VerificationKeys() error = %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("VerificationKeys() len = %d during overlap, want 2", set.Len())
	}
	if _, err := jwt.Parse(signed, jwt.WithKeySet(set), jwt.WithValidate(false)); err != nil {
		t.Errorf("token signed before rotation rejected during overlap: %v", err)
	}

	// Twenty-five hours after rotation, the old key is evicted.
	now = now.Add(24 * time.Hour)
	set, err = m.VerificationKeys()
	if err != nil {
		t.Fatalf("VerificationKeys() error = %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("VerificationKeys() len = %d after overlap, want 1", set.Len())
	}
	if _, err := jwt.Parse(signed, jwt.WithKeySet(set), jwt.WithValidate(false)); err == nil {
		t.Error("token signed under evicted key still verifies")
	}
}

func TestRotationCallback(t *testing.T) {
	var gotOld, gotNew string
	m, err := NewManager(WithRotationCallback(func(oldKID, newKID string) {
		gotOld, gotNew = oldKID, newKID
	}))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	before := m.CurrentKID()
	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if gotOld != before {
		t.Errorf("callback old kid = %q, want %q", gotOld, before)
	}
	if gotNew != m.CurrentKID() {
		t.Errorf("callback new kid = %q, want %q", gotNew, m.CurrentKID())
	}
}
