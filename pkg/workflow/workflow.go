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

// Package workflow coordinates multi-step agent work.
//
// A workflow is a dependency-ordered list of task specs. The coordinator
// drives steps sequentially: each step waits for its dependencies' results,
// gets the best-scoring agent from the registry, and executes with the
// accumulated results in reach. Failures stop the workflow; cancellation
// takes effect between steps and inside a running step through its context.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// TopicWorkflows carries workflow lifecycle events.
const TopicWorkflows = "workflows"

// Workflow event types published on TopicWorkflows.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
)

// Defaults applied by NewCoordinator when the corresponding field is zero.
const (
	DefaultStepTimeout     = 60 * time.Second
	DefaultWorkflowTimeout = 300 * time.Second
)

// Validation and lookup errors.
var (
	// ErrMissingSteps means the spec carried no steps field at all.
	ErrMissingSteps = errors.New("workflow spec missing steps")

	// ErrEmptyWorkflow means the spec's step list is empty.
	ErrEmptyWorkflow = errors.New("workflow has no steps")

	// ErrInvalidSpec covers malformed steps: blank types, duplicate ids.
	ErrInvalidSpec = errors.New("invalid workflow spec")

	// ErrMissingDependencies means a step depends on an id that is not an
	// earlier step, so it could never become runnable.
	ErrMissingDependencies = errors.New("step depends on an unknown or later step")

	// ErrNotFound means no workflow with that id exists.
	ErrNotFound = errors.New("workflow not found")

	// ErrInvalidAgents means a collaboration names dead or unknown agents.
	ErrInvalidAgents = errors.New("collaboration requires live agents")

	// ErrClosed means the coordinator was shut down.
	ErrClosed = errors.New("workflow coordinator closed")
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether the status admits no further transitions.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one unit of a workflow.
type Step struct {
	// ID identifies the step; results are keyed by it.
	ID int `json:"id"`

	// Type names the kind of work and must be handled by some agent.
	Type string `json:"type"`

	// Args carries step parameters, merged over the workflow input.
	Args map[string]any `json:"args,omitempty"`

	// RequiredCapabilities narrows agent selection beyond the task type.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// Dependencies lists ids of earlier steps whose results this step
	// needs. The step does not start until all of them are present.
	Dependencies []int `json:"dependencies,omitempty"`
}

// Spec defines a workflow to execute.
type Spec struct {
	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`

	// Steps run in order. Required.
	Steps []Step `json:"steps"`
}

// Validate checks the spec is runnable: steps exist, types are set, ids are
// unique, and every dependency references an earlier step.
func (s Spec) Validate() error {
	if s.Steps == nil {
		return ErrMissingSteps
	}
	if len(s.Steps) == 0 {
		return ErrEmptyWorkflow
	}
	seen := make(map[int]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.Type == "" {
			return fmt.Errorf("%w: step %d has no type", ErrInvalidSpec, step.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %d", ErrInvalidSpec, step.ID)
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("%w: step %d depends on %d", ErrMissingDependencies, step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// Workflow is the observable state of one workflow.
type Workflow struct {
	// ID is the workflow's unique id.
	ID string `json:"workflow_id"`

	// Name copies the spec's label.
	Name string `json:"name,omitempty"`

	// Steps is the ordered step list.
	Steps []Step `json:"steps"`

	// Results maps step id to that step's output.
	Results map[int]any `json:"results"`

	// StepAgents maps step id to the agent that produced its result.
	StepAgents map[int]string `json:"step_agents,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// CurrentStep is the index of the step being (or last) driven.
	CurrentStep int `json:"current_step"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is set on the terminal transition.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Errors records step failures in occurrence order.
	Errors []string `json:"errors,omitempty"`
}

// Result is the terminal reply for a workflow.
type Result struct {
	// WorkflowID identifies the workflow.
	WorkflowID string `json:"workflow_id"`

	// Status is the terminal status.
	Status Status `json:"status"`

	// Results maps step id to output, partial on failure.
	Results map[int]any `json:"results"`

	// Duration is wall time from start to the terminal transition.
	Duration time.Duration `json:"duration"`

	// Error describes the failure or cancellation, empty on completion.
	Error string `json:"error,omitempty"`
}

// Collaboration is a passive record binding agents that share context. It
// does not schedule work itself.
type Collaboration struct {
	// ID is the collaboration's unique id.
	ID string `json:"collaboration_id"`

	// AgentIDs lists the participating agents.
	AgentIDs []string `json:"agent_ids"`

	// Spec is the shared context the participants were told about.
	Spec map[string]any `json:"spec,omitempty"`

	// CreatedAt is when the collaboration was recorded.
	CreatedAt time.Time `json:"created_at"`
}
