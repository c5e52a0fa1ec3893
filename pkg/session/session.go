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

// Package session manages sessions and their spawned subagents.
//
// A session owns one long-lived session agent plus any number of
// subagents. Subagents run under the typed supervisor matching their
// restart policy; the manager tracks their records, observes
// terminations, and tears sessions down in order: subagents first, then
// the session agent. Activity is tracked with an explicit per-session
// timestamp updated on every message or command.
package session

import (
	"errors"
	"maps"
	"time"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates a duplicate session id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSubagentNotFound indicates an unknown subagent id.
	ErrSubagentNotFound = errors.New("subagent not found")
)

// Lifecycle event types published on the session topics.
const (
	EventSessionStarted     = "session_started"
	EventSessionStopped     = "session_stopped"
	EventSubagentSpawned    = "subagent_spawned"
	EventSubagentTerminated = "subagent_terminated"
)

// Session is a point-in-time view of one session.
type Session struct {
	// ID of the session.
	ID string `json:"id"`

	// AgentID of the session agent hosting the conversation.
	AgentID string `json:"agent_id"`

	// AgentType is the session agent's kind.
	AgentType string `json:"agent_type"`

	// Metadata supplied at start.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is the start time.
	CreatedAt time.Time `json:"created_at"`

	// LastActivity is updated on every message, command, and spawn.
	LastActivity time.Time `json:"last_activity"`

	// Subagents currently alive under this session.
	Subagents int `json:"subagents"`
}

// Subagent is a point-in-time view of one spawned subagent.
type Subagent struct {
	// ID of the subagent, also its supervisor child id.
	ID string `json:"id"`

	// SessionID owning the subagent.
	SessionID string `json:"session_id"`

	// Type is the agent kind.
	Type string `json:"type"`

	// Spec is the construction config the subagent was spawned with.
	Spec map[string]any `json:"spec,omitempty"`

	// StartedAt is the spawn time.
	StartedAt time.Time `json:"started_at"`
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}
