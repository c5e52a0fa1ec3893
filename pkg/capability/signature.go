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

package capability

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Signer computes and verifies capability signatures with a process-held
// HMAC-SHA256 secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: append([]byte(nil), secret...)}
}

// Sign returns the hex-encoded HMAC-SHA256 over the capability's canonical
// serialisation.
func (s *Signer) Sign(c *Capability) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonicalBytes(c))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the capability's signature re-verifies. The
// comparison is constant-time.
func (s *Signer) Verify(c *Capability) bool {
	if c.Signature == "" {
		return false
	}
	expected := s.Sign(c)
	return hmac.Equal([]byte(expected), []byte(c.Signature))
}

// canonicalBytes serialises every signed field in a fixed order. The revoked
// flag is storage state and not part of the signed form.
func canonicalBytes(c *Capability) []byte {
	var b bytes.Buffer
	b.WriteString("soteria.capability.v1|")
	b.WriteString(c.ID)
	b.WriteByte('|')
	b.WriteString(string(c.ResourceType))
	b.WriteByte('|')
	b.WriteString(c.PrincipalID)
	b.WriteByte('|')
	b.WriteString(c.ParentID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(c.IssuedAt.UTC().UnixNano(), 10))
	b.WriteByte('|')
	if !c.ExpiresAt.IsZero() {
		b.WriteString(strconv.FormatInt(c.ExpiresAt.UTC().UnixNano(), 10))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(c.DelegationDepth))
	b.WriteByte('|')
	writeCanonicalConstraints(&b, c.Constraints)
	return b.Bytes()
}

// writeCanonicalConstraints emits constraints with stable key ordering.
// Values are rendered as JSON, which itself orders object keys, so the same
// constraint content always produces the same bytes.
func writeCanonicalConstraints(b *bytes.Buffer, constraints Constraints) {
	keys := make([]string, 0, len(constraints))
	for k := range constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		encoded, err := json.Marshal(normalizeValue(constraints[k]))
		if err != nil {
			// Unencodable values still sign deterministically.
			b.WriteString("\"<unencodable>\"")
			continue
		}
		b.Write(encoded)
	}
}

// normalizeValue folds equivalent representations of the same constraint
// value into one canonical form so a JSON round-trip does not change the
// signature.
func normalizeValue(v any) any {
	switch vv := v.(type) {
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case int:
		return float64(vv)
	case int32:
		return float64(vv)
	case int64:
		return float64(vv)
	default:
		if t, ok := timeValue(v); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return v
	}
}
