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

package kernel

import "errors"

var (
	// ErrNotFound indicates the capability id is not in kernel storage.
	ErrNotFound = errors.New("capability not found")

	// ErrSignatureMismatch indicates a presented capability whose signature
	// differs from the stored one, a forgery or a stale copy.
	ErrSignatureMismatch = errors.New("capability signature mismatch")

	// ErrPermissionDenied indicates no capability of the principal permits
	// the requested operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited indicates the principal exceeded the capability
	// request rate allowed by policy.
	ErrRateLimited = errors.New("capability request rate exceeded")

	// ErrStopped indicates the kernel loop is not running.
	ErrStopped = errors.New("security kernel not running")
)
