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

package violation

import "time"

// Violation types reported by validators and enforcement points.
const (
	TypeInvalidCapability     = "invalid_capability"
	TypeOperationNotPermitted = "operation_not_permitted"
	TypePathNotAllowed        = "path_not_allowed"
	TypeToolNotAllowed        = "tool_not_allowed"
	TypeResourceNotPermitted  = "resource_not_permitted"
	TypeOutsideTimeWindow     = "outside_time_window"
	TypePermissionDenied      = "permission_denied"
	TypeRateLimitExceeded     = "rate_limit_exceeded"
	TypeSuspiciousPattern     = "suspicious_pattern"
)

// Suspicious patterns raised by the detectors alongside threshold alerts.
const (
	PatternPathTraversal = "path_traversal_attempt"
	PatternBruteForce    = "potential_brute_force"
	PatternDOS           = "potential_dos_attack"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank(s) >= severityRank(other)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// escalate raises the severity one step, capped at critical.
func escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Violation is a single recorded security violation.
type Violation struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Alert is raised when a violation type crosses its threshold inside the
// sliding window, or when a pattern detector fires.
type Alert struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Count       int            `json:"count"`
	Threshold   int            `json:"threshold"`
	PrincipalID string         `json:"principal_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}
