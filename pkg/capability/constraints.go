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
	"fmt"
	"strings"
	"time"
)

// Recognised constraint keys. Unknown keys are carried through untouched.
const (
	ConstraintOperations        = "operations"
	ConstraintPaths             = "paths"
	ConstraintAllowedTools      = "allowed_tools"
	ConstraintMaxDelegations    = "max_delegations"
	ConstraintExpiresAt         = "expires_at"
	ConstraintMaxFileSize       = "max_file_size"
	ConstraintAllowedExtensions = "allowed_extensions"
	ConstraintRateLimit         = "rate_limit"
	ConstraintTimeWindow        = "time_window"
)

// MaxDelegationsUnlimited is the sentinel value for an absent delegation
// budget.
const MaxDelegationsUnlimited = "unlimited"

// Constraints scope what a capability permits. Values for the recognised
// keys are normalised by Validate; unknown keys are opaque and survive
// delegation via child-overrides-parent.
type Constraints map[string]any

// Clone returns a shallow copy with slice values duplicated.
func (c Constraints) Clone() Constraints {
	if c == nil {
		return Constraints{}
	}
	out := make(Constraints, len(c))
	for k, v := range c {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Operations returns the operations set, or nil when unrestricted.
func (c Constraints) Operations() []string {
	return stringSlice(c[ConstraintOperations])
}

// Paths returns the allowed path prefixes in declared order, or nil when
// unrestricted.
func (c Constraints) Paths() []string {
	return stringSlice(c[ConstraintPaths])
}

// AllowedTools returns the allowed tools set, or nil when unrestricted.
func (c Constraints) AllowedTools() []string {
	return stringSlice(c[ConstraintAllowedTools])
}

// AllowedExtensions returns the allowed file extensions, or nil when
// unrestricted.
func (c Constraints) AllowedExtensions() []string {
	return stringSlice(c[ConstraintAllowedExtensions])
}

// MaxDelegations returns the delegation budget. ok is false when the budget
// is unlimited (absent or the "unlimited" sentinel).
func (c Constraints) MaxDelegations() (int, bool) {
	v, present := c[ConstraintMaxDelegations]
	if !present {
		return 0, false
	}
	if s, isStr := v.(string); isStr && s == MaxDelegationsUnlimited {
		return 0, false
	}
	n, ok := intValue(v)
	if !ok {
		return 0, false
	}
	return n, true
}

// ExpiresAt returns the expiry constraint. ok is false when absent or
// malformed.
func (c Constraints) ExpiresAt() (time.Time, bool) {
	return timeValue(c[ConstraintExpiresAt])
}

// Validate checks the well-formedness of every recognised key.
func (c Constraints) Validate() error {
	for _, key := range []string{ConstraintOperations, ConstraintPaths, ConstraintAllowedTools, ConstraintAllowedExtensions} {
		v, present := c[key]
		if !present {
			continue
		}
		if stringSlice(v) == nil {
			return fmt.Errorf("%w: %s must be a list of strings", ErrInvalidConstraint, key)
		}
	}

	if v, present := c[ConstraintMaxDelegations]; present {
		if s, isStr := v.(string); isStr {
			if s != MaxDelegationsUnlimited {
				return fmt.Errorf("%w: max_delegations must be a non-negative integer or %q", ErrInvalidConstraint, MaxDelegationsUnlimited)
			}
		} else if n, ok := intValue(v); !ok || n < 0 {
			return fmt.Errorf("%w: max_delegations must be a non-negative integer or %q", ErrInvalidConstraint, MaxDelegationsUnlimited)
		}
	}

	if v, present := c[ConstraintExpiresAt]; present {
		if _, ok := timeValue(v); !ok {
			return fmt.Errorf("%w: expires_at must be a timestamp", ErrInvalidConstraint)
		}
	}

	for _, key := range []string{ConstraintMaxFileSize, ConstraintRateLimit} {
		v, present := c[key]
		if !present {
			continue
		}
		if n, ok := intValue(v); !ok || n < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidConstraint, key)
		}
	}

	if v, present := c[ConstraintTimeWindow]; present {
		w := stringSlice(v)
		if len(w) != 2 {
			return fmt.Errorf("%w: time_window must be a [start, end] pair", ErrInvalidConstraint)
		}
	}

	return nil
}

// Intersect combines a parent's constraints with the constraints requested
// for a delegated child. The result never widens the parent:
//
//   - operations, allowed_tools, allowed_extensions: set intersection; an
//     absent parent set means unrestricted, an absent child set means no
//     change.
//   - paths: child paths are kept only when some parent path prefixes them;
//     uncovered parent paths are dropped.
//   - expires_at: the earlier of the two.
//   - max_delegations: the smaller of the two, unlimited being the identity.
//   - Unknown keys: child overrides parent.
func Intersect(parent, child Constraints) Constraints {
	out := parent.Clone()

	for key, childVal := range child {
		switch key {
		case ConstraintOperations, ConstraintAllowedTools, ConstraintAllowedExtensions:
			childSet := stringSlice(childVal)
			parentSet := stringSlice(parent[key])
			if parentSet == nil {
				out[key] = childSet
			} else {
				out[key] = intersectSets(parentSet, childSet)
			}

		case ConstraintPaths:
			childPaths := stringSlice(childVal)
			parentPaths := stringSlice(parent[key])
			if parentPaths == nil {
				out[key] = childPaths
			} else {
				out[key] = narrowPaths(parentPaths, childPaths)
			}

		case ConstraintExpiresAt:
			childExp, childOK := timeValue(childVal)
			parentExp, parentOK := parent.ExpiresAt()
			switch {
			case childOK && (!parentOK || childExp.Before(parentExp)):
				out[key] = childExp
			case parentOK:
				out[key] = parentExp
			}

		case ConstraintMaxDelegations:
			childMax, childFinite := Constraints{key: childVal}.MaxDelegations()
			parentMax, parentFinite := parent.MaxDelegations()
			switch {
			case childFinite && (!parentFinite || childMax < parentMax):
				out[key] = childMax
			case parentFinite:
				out[key] = parentMax
			default:
				delete(out, key)
			}

		default:
			out[key] = childVal
		}
	}

	return out
}

func intersectSets(parent, child []string) []string {
	allowed := make(map[string]struct{}, len(parent))
	for _, p := range parent {
		allowed[p] = struct{}{}
	}
	out := make([]string, 0, len(child))
	for _, c := range child {
		if _, ok := allowed[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func narrowPaths(parent, child []string) []string {
	out := make([]string, 0, len(child))
	for _, c := range child {
		if PathAllowed(parent, c) {
			out = append(out, c)
		}
	}
	return out
}

// PathAllowed reports whether path falls under at least one of the prefixes.
func PathAllowed(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if pathHasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ExtensionAllowed reports whether the resource ends with one of the
// allowed extensions.
func ExtensionAllowed(extensions []string, resource string) bool {
	for _, e := range extensions {
		if strings.HasSuffix(resource, e) {
			return true
		}
	}
	return false
}

// pathHasPrefix reports whether path falls under prefix on path-segment
// boundaries, so "/tmpfoo" is not under "/tmp".
func pathHasPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if prefix == "" || prefix == "/" {
		return true
	}
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return path[len(prefix)] == '/' || prefix[len(prefix)-1] == '/'
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
