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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/registry"
)

// AgentServices is what the coordinator needs from the agent runtime.
type AgentServices interface {
	// ExecuteTask runs the task on the named agent and returns its output.
	ExecuteTask(ctx context.Context, agentID string, task agent.TaskSpec) (any, error)

	// AgentAlive reports whether the agent is registered and running.
	AgentAlive(agentID string) bool

	// Coordinate delivers a collaboration notice to the agent.
	Coordinate(ctx context.Context, agentID string, msg map[string]any) error

	// SpawnAgent starts a fresh agent of the given type and returns its id.
	SpawnAgent(ctx context.Context, agentType string) (string, error)
}

// Selector picks the best agent for a task. Implemented by
// *registry.Registry.
type Selector interface {
	FindBestAgentForTask(required []string, meta registry.TaskMeta) (registry.Entry, error)
}

// DelegateOptions tunes single-task delegation.
type DelegateOptions struct {
	// RequiredCapabilities narrows selection beyond the task type.
	RequiredCapabilities []string

	// Priority weights selection: "high", "low", or empty for normal.
	Priority string

	// Retry re-selects an agent and tries once more after a failure.
	Retry bool

	// AutoSpawn starts an agent of the task's type when none suits.
	AutoSpawn bool
}

// Config configures a Coordinator.
type Config struct {
	// Services executes tasks and reaches agents. Required.
	Services AgentServices

	// Selector picks agents for steps. Required.
	Selector Selector

	// Bus receives workflow lifecycle events. Optional.
	Bus bus.Bus

	// StepTimeout bounds each step. Defaults to DefaultStepTimeout.
	StepTimeout time.Duration

	// WorkflowTimeout bounds a whole workflow.
	// Defaults to DefaultWorkflowTimeout.
	WorkflowTimeout time.Duration

	// Logger receives coordinator logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Coordinator owns workflows and collaborations.
type Coordinator struct {
	services    AgentServices
	selector    Selector
	bus         bus.Bus
	stepTimeout time.Duration
	wfTimeout   time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu             sync.Mutex
	workflows      map[string]*state
	collaborations map[string]Collaboration
	closed         bool
	wg             sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	steps     atomic.Uint64
	delegated atomic.Uint64
	retries   atomic.Uint64
}

// state is one workflow's run. The wf, result, and cancelRequested fields
// are guarded by the coordinator mutex; ctx, cancel, input, and done are
// set once at start.
type state struct {
	wf              Workflow
	input           map[string]any
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
	result          Result
}

// NewCoordinator builds a Coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Services == nil {
		return nil, fmt.Errorf("coordinator config requires agent services")
	}
	if cfg.Selector == nil {
		return nil, fmt.Errorf("coordinator config requires a selector")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = DefaultWorkflowTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		services:       cfg.Services,
		selector:       cfg.Selector,
		bus:            cfg.Bus,
		stepTimeout:    cfg.StepTimeout,
		wfTimeout:      cfg.WorkflowTimeout,
		logger:         cfg.Logger,
		now:            cfg.Clock,
		workflows:      make(map[string]*state),
		collaborations: make(map[string]Collaboration),
	}, nil
}

// Close cancels running workflows and waits for their drivers to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var cancels []context.CancelFunc
	for _, ws := range c.workflows {
		if !ws.wf.Status.terminal() {
			ws.cancelRequested = true
			cancels = append(cancels, ws.cancel)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
	return nil
}

// StartWorkflow validates the spec and begins driving it. The returned id
// feeds Wait, Status, and CancelWorkflow. The workflow runs detached from
// the caller's context, bounded by the workflow timeout.
func (c *Coordinator) StartWorkflow(spec Spec, input map[string]any) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), c.wfTimeout)
	ws := &state{
		wf: Workflow{
			ID:         id,
			Name:       spec.Name,
			Steps:      slices.Clone(spec.Steps),
			Results:    make(map[int]any, len(spec.Steps)),
			StepAgents: make(map[int]string, len(spec.Steps)),
			Status:     StatusRunning,
			StartedAt:  c.now(),
		},
		input:  maps.Clone(input),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	c.workflows[id] = ws
	c.wg.Add(1)
	c.mu.Unlock()

	c.publishEvent(EventWorkflowStarted, id, map[string]any{"steps": len(spec.Steps), "name": spec.Name})
	go c.drive(ws)
	return id, nil
}

// ExecuteWorkflow runs the workflow and waits for its terminal reply. The
// error covers validation and waiting; failed or cancelled workflows
// surface through the result's status.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, spec Spec, input map[string]any) (Result, error) {
	id, err := c.StartWorkflow(spec, input)
	if err != nil {
		return Result{}, err
	}
	return c.Wait(ctx, id)
}

// Wait blocks until the workflow reaches a terminal status and returns its
// reply.
func (c *Coordinator) Wait(ctx context.Context, id string) (Result, error) {
	c.mu.Lock()
	ws, ok := c.workflows[id]
	c.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-ws.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.result, nil
}

// CancelWorkflow short-circuits a running workflow. Its driver observes the
// cancellation at the next suspension point and replies workflow_cancelled.
func (c *Coordinator) CancelWorkflow(id string) error {
	c.mu.Lock()
	ws, ok := c.workflows[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ws.wf.Status.terminal() {
		status := ws.wf.Status
		c.mu.Unlock()
		return fmt.Errorf("workflow %s already %s", id, status)
	}
	ws.cancelRequested = true
	cancel := ws.cancel
	c.mu.Unlock()

	cancel()
	return nil
}

// Status returns a copy of the workflow's observable state.
func (c *Coordinator) Status(id string) (Workflow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyWorkflow(ws.wf), nil
}

// List returns all workflows, newest first.
func (c *Coordinator) List() []Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Workflow, 0, len(c.workflows))
	for _, ws := range c.workflows {
		out = append(out, copyWorkflow(ws.wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// drive runs the steps in order until completion, failure, cancellation, or
// the workflow timeout.
func (c *Coordinator) drive(ws *state) {
	defer c.wg.Done()
	defer ws.cancel()

	for idx, step := range ws.wf.Steps {
		if ws.ctx.Err() != nil {
			c.finishInterrupted(ws)
			return
		}
		c.mu.Lock()
		ws.wf.CurrentStep = idx
		ready := dependenciesMet(step, ws.wf.Results)
		c.mu.Unlock()
		if !ready {
			c.fail(ws, fmt.Errorf("%w: step %d", ErrMissingDependencies, step.ID))
			return
		}

		entry, err := c.selector.FindBestAgentForTask(stepRequirements(step), registry.TaskMeta{})
		if err != nil {
			c.fail(ws, fmt.Errorf("selecting agent for step %d: %w", step.ID, err))
			return
		}

		task := c.buildTask(ws, step)
		stepCtx, cancel := context.WithTimeout(ws.ctx, c.stepTimeout)
		output, err := c.services.ExecuteTask(stepCtx, entry.AgentID, task)
		stepDeadline := stepCtx.Err()
		cancel()
		if err != nil {
			switch {
			case ws.ctx.Err() != nil:
				c.finishInterrupted(ws)
			case errors.Is(stepDeadline, context.DeadlineExceeded):
				c.fail(ws, fmt.Errorf("step %d timed out on %s", step.ID, entry.AgentID))
			default:
				c.fail(ws, fmt.Errorf("step %d on %s: %w", step.ID, entry.AgentID, err))
			}
			return
		}

		c.mu.Lock()
		ws.wf.Results[step.ID] = output
		ws.wf.StepAgents[step.ID] = entry.AgentID
		c.mu.Unlock()
		c.steps.Add(1)
		c.logger.Debug("Workflow step complete",
			"workflow_id", ws.wf.ID, "step", step.ID, "agent_id", entry.AgentID)
	}

	if ws.ctx.Err() != nil {
		c.finishInterrupted(ws)
		return
	}
	c.complete(ws)
}

// stepRequirements is the capability filter for a step: the task type plus
// any explicitly required capabilities.
func stepRequirements(step Step) []string {
	return append([]string{step.Type}, step.RequiredCapabilities...)
}

func dependenciesMet(step Step, results map[int]any) bool {
	for _, dep := range step.Dependencies {
		if _, ok := results[dep]; !ok {
			return false
		}
	}
	return true
}

// buildTask assembles the step's task: workflow input under the step args,
// and the accumulated results reachable through metadata.
func (c *Coordinator) buildTask(ws *state, step Step) agent.TaskSpec {
	payload := make(map[string]any, len(ws.input)+len(step.Args))
	maps.Copy(payload, ws.input)
	maps.Copy(payload, step.Args)

	c.mu.Lock()
	results := maps.Clone(ws.wf.Results)
	c.mu.Unlock()

	return agent.TaskSpec{
		Type:    step.Type,
		Payload: payload,
		Metadata: map[string]any{
			"workflow_id": ws.wf.ID,
			"step_id":     step.ID,
			"results":     results,
		},
	}
}

func (c *Coordinator) complete(ws *state) {
	c.mu.Lock()
	ws.wf.Status = StatusCompleted
	ws.wf.FinishedAt = c.now()
	ws.result = Result{
		WorkflowID: ws.wf.ID,
		Status:     StatusCompleted,
		Results:    maps.Clone(ws.wf.Results),
		Duration:   ws.wf.FinishedAt.Sub(ws.wf.StartedAt),
	}
	c.mu.Unlock()

	c.completed.Add(1)
	close(ws.done)
	c.publishEvent(EventWorkflowCompleted, ws.wf.ID, map[string]any{"steps": len(ws.wf.Steps)})
	c.logger.Info("Workflow completed", "workflow_id", ws.wf.ID, "steps", len(ws.wf.Steps))
}

func (c *Coordinator) fail(ws *state, err error) {
	c.mu.Lock()
	ws.wf.Status = StatusFailed
	ws.wf.FinishedAt = c.now()
	ws.wf.Errors = append(ws.wf.Errors, err.Error())
	ws.result = Result{
		WorkflowID: ws.wf.ID,
		Status:     StatusFailed,
		Results:    maps.Clone(ws.wf.Results),
		Duration:   ws.wf.FinishedAt.Sub(ws.wf.StartedAt),
		Error:      err.Error(),
	}
	c.mu.Unlock()

	c.failed.Add(1)
	close(ws.done)
	c.publishEvent(EventWorkflowFailed, ws.wf.ID, map[string]any{"error": err.Error()})
	c.logger.Warn("Workflow failed", "workflow_id", ws.wf.ID, "error", err)
}

// finishInterrupted resolves a workflow whose context ended: cancelled when
// someone asked for it, failed when the workflow timeout struck.
func (c *Coordinator) finishInterrupted(ws *state) {
	c.mu.Lock()
	requested := ws.cancelRequested
	c.mu.Unlock()
	if !requested {
		c.fail(ws, fmt.Errorf("workflow timed out after %s", c.wfTimeout))
		return
	}

	c.mu.Lock()
	ws.wf.Status = StatusCancelled
	ws.wf.FinishedAt = c.now()
	ws.result = Result{
		WorkflowID: ws.wf.ID,
		Status:     StatusCancelled,
		Results:    maps.Clone(ws.wf.Results),
		Duration:   ws.wf.FinishedAt.Sub(ws.wf.StartedAt),
		Error:      "workflow cancelled",
	}
	c.mu.Unlock()

	c.cancelled.Add(1)
	close(ws.done)
	c.publishEvent(EventWorkflowCancelled, ws.wf.ID, nil)
	c.logger.Info("Workflow cancelled", "workflow_id", ws.wf.ID)
}

// DelegateTask picks the best agent for a single task and runs it, with
// optional one-shot retry and on-demand spawning. It returns the output and
// the id of the agent that produced it. Without a context deadline the step
// timeout applies.
func (c *Coordinator) DelegateTask(ctx context.Context, task agent.TaskSpec, opts DelegateOptions) (any, string, error) {
	if task.Type == "" {
		return nil, "", fmt.Errorf("delegated task requires a type")
	}
	required := append([]string{task.Type}, opts.RequiredCapabilities...)
	meta := registry.TaskMeta{Priority: opts.Priority}

	agentID := ""
	entry, err := c.selector.FindBestAgentForTask(required, meta)
	if err == nil {
		agentID = entry.AgentID
	} else if errors.Is(err, registry.ErrNoSuitableAgent) && opts.AutoSpawn {
		agentID, err = c.services.SpawnAgent(ctx, task.Type)
		if err != nil {
			return nil, "", fmt.Errorf("spawning %s agent: %w", task.Type, err)
		}
		c.logger.Info("Spawned agent for delegated task", "agent_id", agentID, "type", task.Type)
	} else {
		return nil, "", fmt.Errorf("delegating %s task: %w", task.Type, err)
	}

	c.delegated.Add(1)
	output, execErr := c.execute(ctx, agentID, task)
	if execErr == nil {
		return output, agentID, nil
	}
	if !opts.Retry {
		return nil, agentID, execErr
	}

	c.retries.Add(1)
	c.logger.Warn("Delegated task failed, retrying", "type", task.Type, "agent_id", agentID, "error", execErr)
	retry, err := c.selector.FindBestAgentForTask(required, meta)
	if err != nil {
		return nil, agentID, execErr
	}
	output, err = c.execute(ctx, retry.AgentID, task)
	if err != nil {
		return nil, retry.AgentID, err
	}
	return output, retry.AgentID, nil
}

func (c *Coordinator) execute(ctx context.Context, agentID string, task agent.TaskSpec) (any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}
	return c.services.ExecuteTask(ctx, agentID, task)
}

// CreateCollaboration validates the agents are alive, records the
// collaboration, and notifies each participant with a coordination message.
// Collaborations are passive; they share context without scheduling work.
func (c *Coordinator) CreateCollaboration(ctx context.Context, agentIDs []string, spec map[string]any) (Collaboration, error) {
	if len(agentIDs) < 2 {
		return Collaboration{}, fmt.Errorf("%w: need at least two agents", ErrInvalidAgents)
	}
	var dead []string
	for _, id := range agentIDs {
		if !c.services.AgentAlive(id) {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		return Collaboration{}, fmt.Errorf("%w: %s", ErrInvalidAgents, strings.Join(dead, ", "))
	}

	collab := Collaboration{
		ID:        uuid.NewString(),
		AgentIDs:  slices.Clone(agentIDs),
		Spec:      maps.Clone(spec),
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Collaboration{}, ErrClosed
	}
	c.collaborations[collab.ID] = collab
	c.mu.Unlock()

	notice := map[string]any{
		"collaboration_id": collab.ID,
		"agents":           collab.AgentIDs,
		"spec":             collab.Spec,
	}
	for _, id := range agentIDs {
		if err := c.services.Coordinate(ctx, id, notice); err != nil {
			c.logger.Warn("Collaboration notice undelivered", "collaboration_id", collab.ID, "agent_id", id, "error", err)
		}
	}
	c.logger.Info("Collaboration created", "collaboration_id", collab.ID, "agents", len(agentIDs))
	return collab, nil
}

// Collaborations returns all recorded collaborations, newest first.
func (c *Coordinator) Collaborations() []Collaboration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Collaboration, 0, len(c.collaborations))
	for _, collab := range c.collaborations {
		out = append(out, collab)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats reports workflow and delegation counters.
func (c *Coordinator) Stats() map[string]any {
	c.mu.Lock()
	running := 0
	for _, ws := range c.workflows {
		if !ws.wf.Status.terminal() {
			running++
		}
	}
	workflows := len(c.workflows)
	collaborations := len(c.collaborations)
	c.mu.Unlock()

	return map[string]any{
		"workflows_total":      workflows,
		"running":              running,
		"completed":            c.completed.Load(),
		"failed":               c.failed.Load(),
		"cancelled":            c.cancelled.Load(),
		"steps_completed":      c.steps.Load(),
		"delegated_tasks":      c.delegated.Load(),
		"delegation_retries":   c.retries.Load(),
		"collaborations_total": collaborations,
	}
}

// StepsCompleted totals workflow steps that ran to a successful result.
// The metrics collector samples it.
func (c *Coordinator) StepsCompleted() uint64 {
	return c.steps.Load()
}

type workflowEvent struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (c *Coordinator) publishEvent(eventType, workflowID string, details map[string]any) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(workflowEvent{
		Type:       eventType,
		WorkflowID: workflowID,
		Details:    details,
		Timestamp:  c.now(),
	})
	if err != nil {
		return
	}
	_ = c.bus.Publish(bus.Message{Topic: TopicWorkflows, Type: eventType, Payload: payload})
}

func copyWorkflow(wf Workflow) Workflow {
	out := wf
	out.Steps = slices.Clone(wf.Steps)
	out.Results = maps.Clone(wf.Results)
	out.StepAgents = maps.Clone(wf.StepAgents)
	out.Errors = slices.Clone(wf.Errors)
	return out
}
