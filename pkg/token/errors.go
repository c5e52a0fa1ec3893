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

package token

import "errors"

// Common token errors. Scope denials (operation, path, tool) reuse the
// capability package's sentinels.
var (
	// ErrInvalidFormat is returned when the input is not a compact JWT.
	ErrInvalidFormat = errors.New("invalid token format")

	// ErrInvalidSignature is returned when no published key verifies the
	// token.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired is returned when exp is in the past beyond clock skew.
	ErrExpired = errors.New("token expired")

	// ErrUsedBeforeIssued is returned when iat is in the future beyond
	// clock skew.
	ErrUsedBeforeIssued = errors.New("token used before issued")

	// ErrRevoked is returned when the jti is in the revocation cache.
	ErrRevoked = errors.New("token revoked")

	// ErrMissingClaims is returned when required claims are absent.
	ErrMissingClaims = errors.New("missing required claims")

	// ErrNoVerificationKeys is returned when the key provider has no
	// usable public keys.
	ErrNoVerificationKeys = errors.New("no verification keys")

	// ErrOutsideTimeWindow is returned when the time_window constraint
	// excludes the current time.
	ErrOutsideTimeWindow = errors.New("outside allowed time window")
)
