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

import "errors"

// Common capability errors.
var (
	// ErrInvalidStructure is returned when a capability is missing mandatory
	// fields or carries malformed ones.
	ErrInvalidStructure = errors.New("invalid capability structure")

	// ErrMissingSignature is returned when a capability carries no signature.
	ErrMissingSignature = errors.New("missing signature")

	// ErrInvalidSignature is returned when a capability's signature does not
	// re-verify against its fields.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when a capability's expiry has passed.
	ErrExpired = errors.New("capability expired")

	// ErrRevoked is returned when a capability has been revoked.
	ErrRevoked = errors.New("capability revoked")

	// ErrDelegationNotAllowed is returned when the parent capability cannot
	// be delegated (revoked, expired, or its delegation budget is spent).
	ErrDelegationNotAllowed = errors.New("delegation not allowed")

	// ErrDelegationDepthExceeded is returned when a delegation would exceed
	// the configured maximum depth.
	ErrDelegationDepthExceeded = errors.New("delegation depth exceeded")

	// ErrOperationNotPermitted is returned when the requested operation is
	// outside the capability's operations constraint.
	ErrOperationNotPermitted = errors.New("operation not permitted")

	// ErrResourceNotPermitted is returned when the requested resource is
	// outside the capability's resource scope.
	ErrResourceNotPermitted = errors.New("resource not permitted")

	// ErrPathNotAllowed is returned when a filesystem resource falls outside
	// every allowed path prefix.
	ErrPathNotAllowed = errors.New("path not allowed")

	// ErrToolNotAllowed is returned when a tool resource is not in the
	// allowed tools set.
	ErrToolNotAllowed = errors.New("tool not allowed")

	// ErrInvalidConstraint is returned when a recognised constraint key
	// carries a malformed value. Wrapped errors name the offending key.
	ErrInvalidConstraint = errors.New("invalid constraint")
)
