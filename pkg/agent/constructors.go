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

package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh implementation of one agent kind.
type Constructor func(cfg map[string]any) (Agent, error)

// ConstructorRegistry maps agent kinds to constructors. Supervisors use
// it to rebuild implementations on restart and spawn.
type ConstructorRegistry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewConstructorRegistry returns an empty registry.
func NewConstructorRegistry() *ConstructorRegistry {
	return &ConstructorRegistry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for an agent kind.
func (r *ConstructorRegistry) Register(agentType string, c Constructor) error {
	if agentType == "" {
		return fmt.Errorf("agent type cannot be empty")
	}
	if c == nil {
		return fmt.Errorf("constructor for %q cannot be nil", agentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[agentType]; exists {
		return fmt.Errorf("agent type %q already registered", agentType)
	}
	r.constructors[agentType] = c
	return nil
}

// New builds a fresh implementation of the given kind.
func (r *ConstructorRegistry) New(agentType string, cfg map[string]any) (Agent, error) {
	r.mu.RLock()
	c, ok := r.constructors[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	impl, err := c(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing %s agent: %w", agentType, err)
	}
	return impl, nil
}

// Types returns the registered agent kinds, sorted.
func (r *ConstructorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered kinds.
func (r *ConstructorRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.constructors)
}
