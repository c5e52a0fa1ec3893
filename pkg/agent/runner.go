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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/bus"
)

// Status of a hosted agent.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

const (
	// DefaultMailboxSize bounds the actor mailbox.
	DefaultMailboxSize = 64

	// DefaultDrainTimeout bounds how long a stopping agent waits for
	// running tasks after cancelling them.
	DefaultDrainTimeout = 5 * time.Second

	completionBuffer = 16
)

var (
	// ErrNotRunning indicates the agent has not started or already stopped.
	ErrNotRunning = errors.New("agent not running")

	// ErrMailboxFull indicates an inbound message was dropped because the
	// mailbox is at capacity.
	ErrMailboxFull = errors.New("agent mailbox full")

	// ErrTaskRejected indicates CanHandle refused the task.
	ErrTaskRejected = errors.New("agent cannot handle task")

	// ErrTaskNotFound indicates the task id is not currently running.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoRouter indicates outbound messaging is not wired.
	ErrNoRouter = errors.New("no message router configured")
)

// MessageTarget receives a routed peer message.
type MessageTarget interface {
	Deliver(from string, msg map[string]any) error
}

// MessageRouter resolves an agent id to a deliverable target.
type MessageRouter interface {
	Route(ctx context.Context, agentID string) (MessageTarget, error)
}

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	AgentID      string    `json:"agent_id"`
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       Status    `json:"status"`
	ActiveTasks  []string  `json:"active_tasks"`
	QueueLength  int       `json:"queue_length"`
	Completed    uint64    `json:"tasks_completed"`
	Failed       uint64    `json:"tasks_failed"`
	Cancelled    uint64    `json:"tasks_cancelled"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Config configures a hosted agent.
type Config struct {
	// ID of the agent. Generated when empty.
	ID string

	// SessionID links the agent to a session. Optional.
	SessionID string

	// Impl is the hosted implementation. Required.
	Impl Agent

	// Bus receives lifecycle events. Optional; nil drops events.
	Bus bus.Bus

	// Router resolves outbound message targets. Optional.
	Router MessageRouter

	// MailboxSize defaults to DefaultMailboxSize.
	MailboxSize int

	// DrainTimeout defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration

	// IsFatal classifies task errors that must terminate the agent
	// instead of being captured as a failed task. Falls back to the
	// implementation's FatalClassifier hook when nil.
	IsFatal func(error) bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock nowFunc
}

type envelopeKind int

const (
	evExecute envelopeKind = iota
	evStatus
	evReceive
	evCoordination
	evSend
	evCancel
	evShutdown
)

type submitAck struct {
	taskID string
	result <-chan TaskResult
	err    error
}

type envelope struct {
	kind        envelopeKind
	task        TaskSpec
	ack         chan submitAck
	replyStatus chan StatusReport
	replyErr    chan error
	from        string
	target      string
	taskID      string
	reason      string
	msg         map[string]any
}

type runningTask struct {
	id        string
	task      TaskSpec
	ctx       context.Context
	cancel    context.CancelFunc
	result    chan TaskResult
	startedAt time.Time
}

type taskDone struct {
	id       string
	out      any
	err      error
	duration time.Duration
}

// Runner hosts one Agent implementation inside an actor. A single
// goroutine owns the mailbox, the running-task table, and the status;
// task execution itself runs on worker goroutines with per-task contexts.
type Runner struct {
	id        string
	sessionID string
	impl      Agent
	info      Info

	bus     bus.Bus
	router  MessageRouter
	isFatal func(error) bool
	logger  *slog.Logger
	now     nowFunc

	mailbox     chan envelope
	completions chan taskDone
	quit        chan struct{}
	done        chan struct{}
	running     atomic.Bool
	killOnce    sync.Once
	drain       time.Duration

	state *State

	// Owned by the actor goroutine.
	status       Status
	nextTaskID   uint64
	tasks        map[string]*runningTask
	startedAt    time.Time
	lastActivity time.Time
	completed    uint64
	failed       uint64
	cancelled    uint64

	exitMu     sync.Mutex
	exitErr    error
	killReason string
}

// New builds a stopped runner for the implementation. Call Start.
func New(cfg Config) (*Runner, error) {
	if cfg.Impl == nil {
		return nil, fmt.Errorf("agent implementation cannot be nil")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	size := cfg.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	isFatal := cfg.IsFatal
	if isFatal == nil {
		if fc, ok := cfg.Impl.(FatalClassifier); ok {
			isFatal = fc.IsFatal
		}
	}
	return &Runner{
		id:          id,
		sessionID:   cfg.SessionID,
		impl:        cfg.Impl,
		info:        cfg.Impl.Info(),
		bus:         cfg.Bus,
		router:      cfg.Router,
		isFatal:     isFatal,
		logger:      logger,
		now:         now,
		mailbox:     make(chan envelope, size),
		completions: make(chan taskDone, completionBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		drain:       drain,
		status:      StatusStarting,
		tasks:       make(map[string]*runningTask),
	}, nil
}

// ID returns the agent id.
func (r *Runner) ID() string { return r.id }

// SessionID returns the owning session id, if any.
func (r *Runner) SessionID() string { return r.sessionID }

// Info returns the implementation metadata.
func (r *Runner) Info() Info { return r.info }

// Capabilities returns the implementation's capability tags.
func (r *Runner) Capabilities() []string { return r.impl.Capabilities() }

// Running reports whether the actor loop is alive.
func (r *Runner) Running() bool { return r.running.Load() }

// Done is closed when the actor loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the terminal error after Done, nil for a clean stop.
func (r *Runner) Err() error {
	r.exitMu.Lock()
	defer r.exitMu.Unlock()
	return r.exitErr
}

// Start runs the implementation's state hook and launches the actor.
func (r *Runner) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent %s already started", r.id)
	}
	seed := map[string]any{}
	if init, ok := r.impl.(StateInitializer); ok {
		var err error
		seed, err = init.InitState(ctx, r.id)
		if err != nil {
			r.running.Store(false)
			return fmt.Errorf("initialising state for agent %s: %w", r.id, err)
		}
	}
	r.state = NewState(seed)
	r.startedAt = r.now()
	r.lastActivity = r.startedAt
	r.status = StatusReady

	go r.run()

	r.logger.Info("Agent started", "agent_id", r.id, "type", r.info.Type, "session_id", r.sessionID)
	r.publish(EventAgentStarted, "", nil)
	return nil
}

// Stop delivers a shutdown message and waits for the actor to drain.
func (r *Runner) Stop(ctx context.Context, reason string) error {
	if !r.running.Load() {
		select {
		case <-r.done:
			return nil
		default:
			return ErrNotRunning
		}
	}
	env := envelope{kind: evShutdown, reason: reason}
	select {
	case r.mailbox <- env:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill aborts the actor without draining. Running tasks are cancelled and
// abandoned; pending callers receive ErrNotRunning.
func (r *Runner) Kill(reason string) {
	r.killOnce.Do(func() {
		r.exitMu.Lock()
		r.killReason = reason
		r.exitMu.Unlock()
		close(r.quit)
	})
}

// Execute submits the task and waits for its result.
func (r *Runner) Execute(ctx context.Context, task TaskSpec) (any, error) {
	result, taskID, err := r.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		return res.Output, res.Err
	case <-ctx.Done():
		cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.CancelTask(cancelCtx, taskID)
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrNotRunning
	}
}

// Submit queues the task and returns the assigned task id plus a channel
// that delivers the single terminal result.
func (r *Runner) Submit(ctx context.Context, task TaskSpec) (<-chan TaskResult, string, error) {
	if !r.running.Load() {
		return nil, "", ErrNotRunning
	}
	env := envelope{kind: evExecute, task: task, ack: make(chan submitAck, 1)}
	select {
	case r.mailbox <- env:
	case <-r.done:
		return nil, "", ErrNotRunning
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	select {
	case ack := <-env.ack:
		if ack.err != nil {
			return nil, "", ack.err
		}
		return ack.result, ack.taskID, nil
	case <-r.done:
		return nil, "", ErrNotRunning
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// CancelTask requests cooperative cancellation of a running task.
func (r *Runner) CancelTask(ctx context.Context, taskID string) error {
	return r.ask(ctx, envelope{kind: evCancel, taskID: taskID})
}

// Status answers a point-in-time status query through the mailbox.
func (r *Runner) Status(ctx context.Context) (StatusReport, error) {
	if !r.running.Load() {
		return StatusReport{}, ErrNotRunning
	}
	env := envelope{kind: evStatus, replyStatus: make(chan StatusReport, 1)}
	select {
	case r.mailbox <- env:
	case <-r.done:
		return StatusReport{}, ErrNotRunning
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
	select {
	case report := <-env.replyStatus:
		return report, nil
	case <-r.done:
		return StatusReport{}, ErrNotRunning
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
}

// Send routes a message to another agent through the configured router.
func (r *Runner) Send(ctx context.Context, target string, msg map[string]any) error {
	return r.ask(ctx, envelope{kind: evSend, target: target, msg: msg})
}

// Deliver places an inbound peer message in the mailbox. It never blocks:
// a full mailbox returns ErrMailboxFull.
func (r *Runner) Deliver(from string, msg map[string]any) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	select {
	case r.mailbox <- envelope{kind: evReceive, from: from, msg: msg}:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Coordinate delivers a collaboration notice and waits for the ack.
func (r *Runner) Coordinate(ctx context.Context, msg map[string]any) error {
	return r.ask(ctx, envelope{kind: evCoordination, msg: msg})
}

// Snapshot captures migration state: the implementation's Snapshot hook
// when present, the raw agent state otherwise.
func (r *Runner) Snapshot() (map[string]any, error) {
	if s, ok := r.impl.(Snapshotter); ok {
		return s.Snapshot()
	}
	return r.state.Snapshot(), nil
}

// RestoreSnapshot applies migrated state before the agent takes work.
func (r *Runner) RestoreSnapshot(snapshot map[string]any) error {
	if s, ok := r.impl.(Snapshotter); ok {
		return s.RestoreSnapshot(snapshot)
	}
	r.state.Replace(snapshot)
	return nil
}

func (r *Runner) ask(ctx context.Context, env envelope) error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	env.replyErr = make(chan error, 1)
	select {
	case r.mailbox <- env:
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.replyErr:
		return err
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run() {
	defer func() {
		r.running.Store(false)
		close(r.done)
	}()
	for {
		select {
		case env := <-r.mailbox:
			if env.kind == evShutdown {
				r.drainAndStop(env.reason, nil)
				return
			}
			r.handle(env)
		case done := <-r.completions:
			if fatal := r.finishTask(done); fatal != nil {
				r.drainAndStop("fatal task error", fatal)
				return
			}
		case <-r.quit:
			r.exitMu.Lock()
			reason := r.killReason
			r.exitMu.Unlock()
			r.abort(reason)
			return
		}
	}
}

func (r *Runner) handle(env envelope) {
	r.lastActivity = r.now()
	switch env.kind {
	case evExecute:
		r.acceptTask(env)
	case evStatus:
		env.replyStatus <- r.report()
	case evReceive:
		if recv, ok := r.impl.(MessageReceiver); ok {
			recv.ReceiveMessage(env.from, env.msg)
		} else {
			r.logger.Debug("Agent discards peer message", "agent_id", r.id, "from", env.from)
		}
	case evCoordination:
		if h, ok := r.impl.(CoordinationHandler); ok {
			h.HandleCoordination(env.msg)
			env.replyErr <- nil
		} else {
			r.logger.Debug("Agent discards coordination message", "agent_id", r.id)
			env.replyErr <- nil
		}
	case evSend:
		env.replyErr <- r.route(env.target, env.msg)
	case evCancel:
		t, ok := r.tasks[env.taskID]
		if !ok {
			env.replyErr <- fmt.Errorf("%w: %s", ErrTaskNotFound, env.taskID)
			return
		}
		t.cancel()
		env.replyErr <- nil
	}
}

func (r *Runner) acceptTask(env envelope) {
	if !r.impl.CanHandle(env.task) {
		env.ack <- submitAck{err: fmt.Errorf("%w: type %q", ErrTaskRejected, env.task.Type)}
		return
	}
	r.nextTaskID++
	t := &runningTask{
		id:        fmt.Sprintf("task-%d", r.nextTaskID),
		task:      env.task,
		result:    make(chan TaskResult, 1),
		startedAt: r.now(),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	r.tasks[t.id] = t
	r.status = StatusBusy

	r.publish(EventTaskStarted, t.id, map[string]any{"task_type": env.task.Type})
	go r.runTask(t)

	env.ack <- submitAck{taskID: t.id, result: t.result}
}

// runTask executes on a worker goroutine. Panics become task errors.
func (r *Runner) runTask(t *runningTask) {
	start := r.now()
	var out any
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		ctx := WithProgress(t.ctx, func(stage string, details map[string]any) {
			merged := map[string]any{"stage": stage}
			for k, v := range details {
				merged[k] = v
			}
			r.publish(EventTaskProgress, t.id, merged)
		})
		out, err = r.impl.ExecuteTask(ctx, t.task, r.state)
	}()
	select {
	case r.completions <- taskDone{id: t.id, out: out, err: err, duration: r.now().Sub(start)}:
	case <-r.done:
	}
}

func (r *Runner) finishTask(done taskDone) error {
	t, ok := r.tasks[done.id]
	if !ok {
		return nil
	}
	delete(r.tasks, done.id)
	t.cancel()
	r.lastActivity = r.now()

	switch {
	case done.err == nil:
		r.completed++
		r.publish(EventTaskCompleted, done.id, map[string]any{"duration_ms": done.duration.Milliseconds()})
	case errors.Is(done.err, context.Canceled):
		r.cancelled++
		r.publish(EventTaskCancelled, done.id, nil)
	default:
		r.failed++
		r.publish(EventTaskFailed, done.id, map[string]any{"error": done.err.Error()})
		r.logger.Warn("Agent task failed", "agent_id", r.id, "task_id", done.id, "error", done.err)
	}

	t.result <- TaskResult{
		TaskID:   done.id,
		AgentID:  r.id,
		Output:   done.out,
		Err:      done.err,
		Duration: done.duration,
	}

	if len(r.tasks) == 0 && r.status == StatusBusy {
		r.status = StatusReady
	}
	if done.err != nil && r.isFatal != nil && r.isFatal(done.err) {
		return done.err
	}
	return nil
}

// drainAndStop cancels running tasks and waits for them up to the drain
// timeout before publishing the stop event.
func (r *Runner) drainAndStop(reason string, fatal error) {
	r.status = StatusStopping
	for _, t := range r.tasks {
		t.cancel()
	}
	deadline := time.NewTimer(r.drain)
	defer deadline.Stop()
	for len(r.tasks) > 0 {
		select {
		case done := <-r.completions:
			r.finishTask(done)
		case <-deadline.C:
			for id, t := range r.tasks {
				delete(r.tasks, id)
				t.result <- TaskResult{TaskID: id, AgentID: r.id, Err: ErrNotRunning}
				r.publish(EventTaskCancelled, id, map[string]any{"reason": "drain timeout"})
			}
		}
	}
	r.finish(reason, fatal)
}

// abort is the Kill path: no drain, pending tasks are abandoned.
func (r *Runner) abort(reason string) {
	r.status = StatusStopping
	for id, t := range r.tasks {
		delete(r.tasks, id)
		t.cancel()
		t.result <- TaskResult{TaskID: id, AgentID: r.id, Err: ErrNotRunning}
		r.publish(EventTaskCancelled, id, map[string]any{"reason": "killed"})
	}
	r.finish(reason, nil)
}

func (r *Runner) finish(reason string, fatal error) {
	if fatal != nil {
		r.exitMu.Lock()
		r.exitErr = fatal
		r.exitMu.Unlock()
	}
	r.status = StatusStopped
	details := map[string]any{"reason": reason}
	if fatal != nil {
		details["error"] = fatal.Error()
	}
	r.publish(EventAgentStopped, "", details)
	r.logger.Info("Agent stopped", "agent_id", r.id, "reason", reason)
}

func (r *Runner) route(target string, msg map[string]any) error {
	if r.router == nil {
		return ErrNoRouter
	}
	dest, err := r.router.Route(context.Background(), target)
	if err != nil {
		return fmt.Errorf("routing message to %s: %w", target, err)
	}
	return dest.Deliver(r.id, msg)
}

func (r *Runner) report() StatusReport {
	active := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		active = append(active, id)
	}
	sort.Strings(active)
	return StatusReport{
		AgentID:      r.id,
		Type:         r.info.Type,
		SessionID:    r.sessionID,
		Status:       r.status,
		ActiveTasks:  active,
		QueueLength:  len(r.mailbox),
		Completed:    r.completed,
		Failed:       r.failed,
		Cancelled:    r.cancelled,
		StartedAt:    r.startedAt,
		LastActivity: r.lastActivity,
	}
}

func (r *Runner) publish(eventType, taskID string, details map[string]any) {
	publishEvent(r.bus, Event{
		Type:      eventType,
		AgentID:   r.id,
		AgentType: r.info.Type,
		SessionID: r.sessionID,
		TaskID:    taskID,
		Details:   details,
		Timestamp: r.now(),
	})
}

var _ MessageTarget = (*Runner)(nil)
