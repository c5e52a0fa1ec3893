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

import (
	"fmt"

	"github.com/soteria-run/soteria/pkg/capability"
)

// Policy bounds what capabilities principals may request for one resource
// type. An empty whitelist leaves that dimension unrestricted.
type Policy struct {
	// Operations lists grantable operations.
	Operations []string `json:"operations,omitempty" yaml:"operations,omitempty"`

	// Paths lists grantable path prefixes.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Tools lists grantable tool names.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`

	// RequestsPerMinute caps capability requests per principal.
	// Zero means unlimited.
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
}

// admit checks the requested constraints against the policy whitelists.
// A whitelisted dimension refuses unconstrained requests: granting a
// capability with no operations constraint would exceed any operations
// whitelist.
func (p Policy) admit(constraints capability.Constraints) error {
	if len(p.Operations) > 0 {
		ops := constraints.Operations()
		if len(ops) == 0 {
			return fmt.Errorf("%w: policy requires an operations constraint", capability.ErrOperationNotPermitted)
		}
		for _, op := range ops {
			if !containsString(p.Operations, op) {
				return fmt.Errorf("%w: %q not grantable", capability.ErrOperationNotPermitted, op)
			}
		}
	}

	if len(p.Paths) > 0 {
		paths := constraints.Paths()
		if len(paths) == 0 {
			return fmt.Errorf("%w: policy requires a paths constraint", capability.ErrPathNotAllowed)
		}
		for _, path := range paths {
			if !capability.PathAllowed(p.Paths, path) {
				return fmt.Errorf("%w: %q not grantable", capability.ErrPathNotAllowed, path)
			}
		}
	}

	if len(p.Tools) > 0 {
		tools := constraints.AllowedTools()
		if len(tools) == 0 {
			return fmt.Errorf("%w: policy requires an allowed_tools constraint", capability.ErrToolNotAllowed)
		}
		for _, tool := range tools {
			if !containsString(p.Tools, tool) {
				return fmt.Errorf("%w: %q not grantable", capability.ErrToolNotAllowed, tool)
			}
		}
	}

	return nil
}

func containsString(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}
