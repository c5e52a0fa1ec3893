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
	"encoding/json"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
)

// Lifecycle event types published on the agents topics.
const (
	EventAgentStarted  = "agent_started"
	EventTaskStarted   = "task_started"
	EventTaskProgress  = "task_progress"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventAgentStopped  = "agent_stopped"
)

// Event is a lifecycle transition of a hosted agent. Events go out on the
// shared agents topic and on the agent's own topic.
type Event struct {
	// Type is one of the Event* constants.
	Type string `json:"type"`

	// AgentID identifies the hosted agent.
	AgentID string `json:"agent_id"`

	// AgentType is the implementation kind.
	AgentType string `json:"agent_type,omitempty"`

	// SessionID links the agent to a session, when it has one.
	SessionID string `json:"session_id,omitempty"`

	// TaskID is set on task-scoped events.
	TaskID string `json:"task_id,omitempty"`

	// Details carries event-specific fields such as error or duration_ms.
	Details map[string]any `json:"details,omitempty"`

	// Timestamp of the transition.
	Timestamp time.Time `json:"timestamp"`
}

// publishEvent encodes the event and fans it out to the shared and
// per-agent topics. A nil bus drops events.
func publishEvent(b bus.Bus, ev Event) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := bus.Message{
		Topic:     bus.TopicAgents,
		Type:      ev.Type,
		Payload:   payload,
		Timestamp: ev.Timestamp,
	}
	_ = b.Publish(msg)
	msg.Topic = bus.TopicAgent(ev.AgentID)
	_ = b.Publish(msg)
}
