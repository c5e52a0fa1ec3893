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

package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Event types recorded by the security plane.
const (
	EventCapabilityCreated   = "capability_created"
	EventCapabilityDelegated = "capability_delegated"
	EventCapabilityRevoked   = "capability_revoked"
	EventPermissionChecked   = "permission_checked"
	EventPermissionDenied    = "permission_denied"
	EventValidationFailed    = "validation_failed"
	EventTokenIssued         = "token_issued"
	EventTokenRevoked        = "token_revoked"
	EventKeyRotated          = "key_rotated"
	EventViolationAlert      = "violation_alert"
	EventAgentStarted        = "agent_started"
	EventAgentStopped        = "agent_stopped"
	EventSessionCreated      = "session_created"
	EventSessionStopped      = "session_stopped"
	EventRecoveryPerformed   = "recovery_performed"
)

// Entry is an immutable audit record. Sequence numbers are gap-free within
// a node and the checksum covers every other field.
type Entry struct {
	// Timestamp is UTC wall clock time at record creation.
	Timestamp time.Time `json:"timestamp"`

	// SequenceNumber increases by exactly 1 per entry on a node,
	// starting at 1.
	SequenceNumber uint64 `json:"sequence_number"`

	// EventType classifies the event.
	EventType string `json:"event_type"`

	// PrincipalID names the subject the event concerns, when any.
	PrincipalID string `json:"principal_id,omitempty"`

	// Details carries event-specific fields.
	Details map[string]any `json:"details,omitempty"`

	// Node identifies the emitting node.
	Node string `json:"node"`

	// Checksum is the hex HMAC-SHA256 over the canonical form.
	Checksum string `json:"checksum"`
}

// checksum computes the entry's HMAC over its canonical form. The canonical
// form fixes field order; details render as JSON, which orders object keys.
func (e *Entry) checksum(secret []byte) string {
	var b bytes.Buffer
	b.WriteString("soteria.audit.v1|")
	b.WriteString(strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.SequenceNumber, 10))
	b.WriteByte('|')
	b.WriteString(e.EventType)
	b.WriteByte('|')
	b.WriteString(e.PrincipalID)
	b.WriteByte('|')
	b.WriteString(e.Node)
	b.WriteByte('|')
	if len(e.Details) > 0 {
		encoded, err := json.Marshal(e.Details)
		if err == nil {
			b.Write(encoded)
		}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(b.Bytes())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChecksum reports whether the stored checksum matches a
// recomputation. The comparison is constant-time.
func (e *Entry) VerifyChecksum(secret []byte) bool {
	expected := e.checksum(secret)
	return hmac.Equal([]byte(expected), []byte(e.Checksum))
}
