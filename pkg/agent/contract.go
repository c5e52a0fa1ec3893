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

// Package agent provides the agent contract and the actor runtime that
// hosts implementations: a mailbox loop with monotonic task ids, lifecycle
// events on the bus, cooperative cancellation, and typed supervisors with
// temporary or permanent restart policies.
package agent

import (
	"context"
	"maps"
	"sync"
	"time"
)

// TaskSpec describes a unit of work submitted to an agent.
type TaskSpec struct {
	// Type names the kind of work, matched against agent capabilities.
	Type string `json:"type"`

	// Payload carries task parameters.
	Payload map[string]any `json:"payload,omitempty"`

	// Priority is low, normal, or high. Empty means normal.
	Priority string `json:"priority,omitempty"`

	// SessionID links the task to an originating session.
	SessionID string `json:"session_id,omitempty"`

	// Metadata carries auxiliary routing hints.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Info is static metadata describing an agent implementation.
type Info struct {
	// Type is the agent kind, e.g. "coder" or "tool_executor".
	Type string `json:"type"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Version of the implementation.
	Version string `json:"version,omitempty"`

	// Specialisation is an optional niche within the type.
	Specialisation string `json:"specialisation,omitempty"`
}

// Agent is the behaviour contract an implementation fulfils. The runtime
// hosts the implementation inside an actor; contract methods are called
// from the actor's goroutines and must not retain the task spec.
type Agent interface {
	// Capabilities returns the capability tags this agent advertises.
	Capabilities() []string

	// CanHandle reports whether the agent accepts the task.
	// CanHandleByType implements the usual answer.
	CanHandle(task TaskSpec) bool

	// ExecuteTask runs the task against the agent's state. The context is
	// cancelled on task cancellation or agent shutdown; implementations
	// check it between discrete stages.
	ExecuteTask(ctx context.Context, task TaskSpec, state *State) (any, error)

	// Info returns static metadata about the implementation.
	Info() Info
}

// StateInitializer is an optional hook: implementations that need seeded
// state build it here when the hosting actor starts.
type StateInitializer interface {
	InitState(ctx context.Context, agentID string) (map[string]any, error)
}

// MessageReceiver is an optional hook for direct peer messages.
type MessageReceiver interface {
	ReceiveMessage(from string, msg map[string]any)
}

// CoordinationHandler is an optional hook for collaboration notices.
type CoordinationHandler interface {
	HandleCoordination(msg map[string]any)
}

// Snapshotter is an optional hook for cross-node migration: Snapshot
// captures enough state to resume elsewhere, RestoreSnapshot applies it.
type Snapshotter interface {
	Snapshot() (map[string]any, error)
	RestoreSnapshot(snapshot map[string]any) error
}

// FatalClassifier is an optional hook: implementations flag task errors
// that must terminate the hosting actor instead of being captured as a
// failed task.
type FatalClassifier interface {
	IsFatal(err error) bool
}

// CanHandleByType reports whether the task type appears among the
// capability tags.
func CanHandleByType(capabilities []string, task TaskSpec) bool {
	for _, tag := range capabilities {
		if tag == task.Type {
			return true
		}
	}
	return false
}

// State is the mutable key-value state owned by one hosted agent. Task
// executions may run concurrently, so access is synchronised.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState returns state seeded with the given values.
func NewState(seed map[string]any) *State {
	values := make(map[string]any, len(seed))
	maps.Copy(values, seed)
	return &State{values: values}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a copy of the current state values.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	maps.Copy(out, s.values)
	return out
}

// Replace swaps the entire state for the given values.
func (s *State) Replace(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	maps.Copy(s.values, values)
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

type progressKey struct{}

// ProgressFunc reports an intermediate stage of a running task.
type ProgressFunc func(stage string, details map[string]any)

// WithProgress attaches a progress reporter to the context handed to
// ExecuteTask.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress invokes the context's progress reporter, if any.
func ReportProgress(ctx context.Context, stage string, details map[string]any) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(stage, details)
	}
}

// FuncAgent adapts plain functions to the Agent contract. Zero-value
// hooks fall back to defaults: CanHandle checks the task type against
// Tags, Init seeds empty state.
type FuncAgent struct {
	// AgentType is the agent kind reported by Info.
	AgentType string

	// Tags are the advertised capability tags.
	Tags []string

	// Specialisation is optional.
	Specialisation string

	// Handler executes tasks. Required.
	Handler func(ctx context.Context, task TaskSpec, state *State) (any, error)

	// Accept overrides the default CanHandle when set.
	Accept func(task TaskSpec) bool

	// Init overrides the default InitState when set.
	Init func(ctx context.Context, agentID string) (map[string]any, error)

	// Fatal classifies errors that must terminate the hosting actor.
	Fatal func(err error) bool
}

// Capabilities implements Agent.
func (f *FuncAgent) Capabilities() []string { return f.Tags }

// CanHandle implements Agent.
func (f *FuncAgent) CanHandle(task TaskSpec) bool {
	if f.Accept != nil {
		return f.Accept(task)
	}
	return CanHandleByType(f.Tags, task)
}

// ExecuteTask implements Agent.
func (f *FuncAgent) ExecuteTask(ctx context.Context, task TaskSpec, state *State) (any, error) {
	return f.Handler(ctx, task, state)
}

// Info implements Agent.
func (f *FuncAgent) Info() Info {
	return Info{Type: f.AgentType, Specialisation: f.Specialisation}
}

// InitState implements StateInitializer.
func (f *FuncAgent) InitState(ctx context.Context, agentID string) (map[string]any, error) {
	if f.Init != nil {
		return f.Init(ctx, agentID)
	}
	return map[string]any{}, nil
}

// IsFatal implements FatalClassifier.
func (f *FuncAgent) IsFatal(err error) bool {
	return f.Fatal != nil && f.Fatal(err)
}

var (
	_ Agent            = (*FuncAgent)(nil)
	_ StateInitializer = (*FuncAgent)(nil)
	_ FatalClassifier  = (*FuncAgent)(nil)
)

// nowFunc is the clock type used across the runtime for testability.
type nowFunc func() time.Time
