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

// Package pool bounds concurrent worker agents behind a FIFO queue.
//
// At most MaxConcurrent workers run at once; excess requests queue with a
// per-request bounded wait. Every admitted request is answered exactly once
// with a success, a worker-crashed error, a terminated-by-admin error, or a
// queue-timeout error.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/soteria-run/soteria/pkg/agent"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxConcurrent = 8
	DefaultQueueSize     = 128
	DefaultQueueTimeout  = 30 * time.Second

	workerStopTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned for requests against a closed pool, and delivered
	// to queued callers flushed by Close.
	ErrClosed = errors.New("agent pool closed")

	// ErrQueueFull rejects a request when the pending queue is at capacity.
	ErrQueueFull = errors.New("agent pool queue full")

	// ErrQueueTimeout is delivered to a queued caller whose bounded wait
	// expired before a worker slot opened.
	ErrQueueTimeout = errors.New("queued request timed out")

	// ErrWorkerCrashed wraps the fault that killed a worker mid-task.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrTerminated is delivered when an administrator forcibly terminated
	// the worker serving the request.
	ErrTerminated = errors.New("worker terminated by administrator")

	// ErrStartFailed wraps a worker construction or task handoff failure.
	ErrStartFailed = errors.New("worker start failed")

	// ErrWorkerNotFound is returned by TerminateWorker for unknown ids.
	ErrWorkerNotFound = errors.New("worker not found")
)

// WorkerFactory builds and starts a worker runner for one request. The pool
// calls it while dispatching, one call at a time; it must return promptly
// and leave the runner ready to accept a task of the request's tool type.
type WorkerFactory func(ctx context.Context, req Request) (*agent.Runner, error)

// Request describes one unit of work submitted to the pool.
type Request struct {
	// Tool is the task type the worker must handle.
	Tool string `json:"tool"`

	// SessionID attributes the work to a session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Args is the task payload handed to the worker.
	Args map[string]any `json:"args,omitempty"`

	// Metadata carries auxiliary routing hints.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the pool's single answer to a request.
type Result struct {
	// Output is the worker's return value on success.
	Output any

	// WorkerID identifies the worker agent that served the request, when
	// one was started.
	WorkerID string

	// Duration is the wall time from dispatch to completion.
	Duration time.Duration

	// Err is the typed failure, nil on success.
	Err error
}

// WorkerInfo describes one active worker for introspection.
type WorkerInfo struct {
	// ID is the worker agent's id.
	ID string `json:"id"`

	// SessionID is the session the work belongs to, if any.
	SessionID string `json:"session_id,omitempty"`

	// Tool is the task type being executed.
	Tool string `json:"tool"`

	// StartedAt is when the worker was dispatched.
	StartedAt time.Time `json:"started_at"`

	// TaskID is the task assigned by the worker, once known.
	TaskID string `json:"task_id,omitempty"`
}

// QueuedInfo describes one pending request for introspection.
type QueuedInfo struct {
	// Position is the 1-based FIFO position.
	Position int `json:"position"`

	// Tool is the requested task type.
	Tool string `json:"tool"`

	// SessionID is the session the work belongs to, if any.
	SessionID string `json:"session_id,omitempty"`

	// EnqueuedAt is when the request entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Config configures a Pool.
type Config struct {
	// MaxConcurrent caps simultaneously running workers.
	// Defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	// QueueSize caps pending requests; further submissions are rejected
	// with ErrQueueFull. Defaults to DefaultQueueSize.
	QueueSize int

	// QueueTimeout bounds how long a request may wait for a worker slot.
	// Defaults to DefaultQueueTimeout.
	QueueTimeout time.Duration

	// Factory builds workers. Required.
	Factory WorkerFactory

	// Logger receives pool lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

const (
	pendingQueued = iota
	pendingDispatched
	pendingResolved
)

type pending struct {
	req        Request
	result     chan Result
	enqueuedAt time.Time
	timer      *time.Timer

	// state transitions are guarded by the pool mutex.
	state int
}

type workerEntry struct {
	id        string
	sessionID string
	tool      string
	startedAt time.Time
	taskID    string
	runner    *agent.Runner
	pend      *pending
	cancel    context.CancelFunc

	// killed marks an administrative termination, set before Kill.
	killed bool
}

// Pool runs worker agents with bounded concurrency and FIFO queueing.
type Pool struct {
	factory      WorkerFactory
	queueSize    int
	queueTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	maxConcurrent int
	queue         []*pending
	active        map[string]*workerEntry
	closed        bool

	completed     uint64
	failed        uint64
	crashed       uint64
	terminated    uint64
	queueTimeouts uint64
	startFailures uint64
	rejected      uint64

	wg sync.WaitGroup
}

// New builds a Pool from cfg.
func New(cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool config requires a worker factory")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max_concurrent must not be negative, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pool{
		factory:       cfg.Factory,
		queueSize:     cfg.QueueSize,
		queueTimeout:  cfg.QueueTimeout,
		logger:        cfg.Logger,
		now:           cfg.Clock,
		maxConcurrent: cfg.MaxConcurrent,
		active:        make(map[string]*workerEntry),
	}, nil
}

// Exec submits req and waits for its result. A context cancellation while
// queued withdraws the request; once dispatched it cancels the worker's task
// and returns the context error, letting the worker unwind in the background.
func (p *Pool) Exec(ctx context.Context, req Request) (Result, error) {
	pend, err := p.submit(req)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-pend.result:
		return res, res.Err
	case <-ctx.Done():
		p.abandon(pend)
		return Result{}, ctx.Err()
	}
}

// Submit enqueues req and returns a channel that receives its single Result.
// It fails fast with ErrClosed or ErrQueueFull.
func (p *Pool) Submit(req Request) (<-chan Result, error) {
	pend, err := p.submit(req)
	if err != nil {
		return nil, err
	}
	return pend.result, nil
}

func (p *Pool) submit(req Request) (*pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	pend := &pending{
		req:        req,
		result:     make(chan Result, 1),
		enqueuedAt: p.now(),
		state:      pendingQueued,
	}
	if len(p.active) < p.maxConcurrent {
		p.dispatchLocked(pend)
		return pend, nil
	}
	if len(p.queue) >= p.queueSize {
		p.rejected++
		return nil, ErrQueueFull
	}
	p.queue = append(p.queue, pend)
	pend.timer = time.AfterFunc(p.queueTimeout, func() { p.expire(pend) })
	return pend, nil
}

// dispatchLocked starts a worker for pend. A factory or handoff failure is
// replied to the caller as ErrStartFailed; the pool keeps dispatching.
func (p *Pool) dispatchLocked(pend *pending) {
	pend.state = pendingDispatched
	if pend.timer != nil {
		pend.timer.Stop()
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	runner, err := p.factory(taskCtx, pend.req)
	if err != nil {
		cancel()
		p.startFailures++
		p.logger.Error("Worker start failed", "tool", pend.req.Tool, "error", err)
		pend.result <- Result{Err: fmt.Errorf("%w: %v", ErrStartFailed, err)}
		return
	}
	entry := &workerEntry{
		id:        runner.ID(),
		sessionID: pend.req.SessionID,
		tool:      pend.req.Tool,
		startedAt: p.now(),
		runner:    runner,
		pend:      pend,
		cancel:    cancel,
	}
	p.active[entry.id] = entry
	p.wg.Add(1)
	go p.runWorker(entry, taskCtx)
}

func (p *Pool) runWorker(entry *workerEntry, taskCtx context.Context) {
	defer p.wg.Done()
	defer entry.cancel()

	start := p.now()
	task := agent.TaskSpec{
		Type:      entry.tool,
		Payload:   entry.pend.req.Args,
		SessionID: entry.sessionID,
		Metadata:  entry.pend.req.Metadata,
	}
	var (
		out     any
		taskErr error
	)
	resCh, taskID, err := entry.runner.Submit(taskCtx, task)
	if err != nil {
		taskErr = fmt.Errorf("%w: %v", ErrStartFailed, err)
	} else {
		p.mu.Lock()
		entry.taskID = taskID
		p.mu.Unlock()
		select {
		case tr := <-resCh:
			out, taskErr = tr.Output, tr.Err
		case <-entry.runner.Done():
			// The runner buffers each accepted task's result before it
			// exits, so prefer the real outcome over a generic error.
			select {
			case tr := <-resCh:
				out, taskErr = tr.Output, tr.Err
			default:
				taskErr = agent.ErrNotRunning
			}
		}
	}

	// One-shot worker: retire the runner before answering.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), workerStopTimeout)
	if err := entry.runner.Stop(stopCtx, "task complete"); err != nil && !errors.Is(err, agent.ErrNotRunning) {
		p.logger.Warn("Worker stop failed", "worker", entry.id, "error", err)
	}
	stopCancel()

	p.finishWorker(entry, out, taskErr, p.now().Sub(start))
}

// finishWorker answers the caller, updates counters, and dequeues the next
// pending request into the freed slot.
func (p *Pool) finishWorker(entry *workerEntry, out any, taskErr error, dur time.Duration) {
	p.mu.Lock()
	delete(p.active, entry.id)
	res := p.resolveLocked(entry, out, taskErr, dur)
	entry.pend.state = pendingResolved
	entry.pend.result <- res
	p.drainLocked()
	p.mu.Unlock()
}

func (p *Pool) resolveLocked(entry *workerEntry, out any, taskErr error, dur time.Duration) Result {
	res := Result{WorkerID: entry.id, Duration: dur}
	switch {
	case entry.killed:
		res.Err = ErrTerminated
		p.terminated++
	case taskErr == nil:
		res.Output = out
		p.completed++
	case entry.runner.Err() != nil:
		res.Err = fmt.Errorf("%w: %v", ErrWorkerCrashed, taskErr)
		p.crashed++
		p.logger.Warn("Worker crashed", "worker", entry.id, "tool", entry.tool, "error", taskErr)
	case p.closed:
		res.Err = fmt.Errorf("%w: worker stopped before completion", ErrClosed)
		p.failed++
	default:
		res.Err = taskErr
		p.failed++
	}
	return res
}

func (p *Pool) drainLocked() {
	for !p.closed && len(p.active) < p.maxConcurrent && len(p.queue) > 0 {
		pend := p.queue[0]
		p.queue = p.queue[1:]
		p.dispatchLocked(pend)
	}
}

// expire resolves a still-queued request with ErrQueueTimeout.
func (p *Pool) expire(pend *pending) {
	p.mu.Lock()
	if pend.state != pendingQueued {
		p.mu.Unlock()
		return
	}
	p.removeQueuedLocked(pend)
	pend.state = pendingResolved
	p.queueTimeouts++
	p.mu.Unlock()
	pend.result <- Result{Err: ErrQueueTimeout}
}

// abandon withdraws a request whose caller stopped waiting. Queued requests
// leave the queue silently; dispatched ones have their task cancelled.
func (p *Pool) abandon(pend *pending) {
	p.mu.Lock()
	switch pend.state {
	case pendingQueued:
		p.removeQueuedLocked(pend)
		pend.state = pendingResolved
		if pend.timer != nil {
			pend.timer.Stop()
		}
	case pendingDispatched:
		for _, entry := range p.active {
			if entry.pend == pend {
				entry.cancel()
				break
			}
		}
	}
	p.mu.Unlock()
}

func (p *Pool) removeQueuedLocked(pend *pending) {
	for i, q := range p.queue {
		if q == pend {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// TerminateWorker forcibly kills an active worker. Its caller receives
// ErrTerminated and the freed slot is refilled from the queue.
func (p *Pool) TerminateWorker(id string) error {
	p.mu.Lock()
	entry, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	entry.killed = true
	runner := entry.runner
	p.mu.Unlock()

	p.logger.Info("Worker terminated by administrator", "worker", id)
	runner.Kill("terminated by administrator")
	return nil
}

// UpdateConfig changes the concurrency ceiling at runtime. Raising it drains
// the queue into the new capacity immediately; lowering it takes effect as
// running workers retire.
func (p *Pool) UpdateConfig(maxConcurrent int) error {
	if maxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", maxConcurrent)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	prev := p.maxConcurrent
	p.maxConcurrent = maxConcurrent
	p.drainLocked()
	p.mu.Unlock()

	if prev != maxConcurrent {
		p.logger.Info("Pool ceiling updated", "from", prev, "to", maxConcurrent)
	}
	return nil
}

// Workers snapshots the active worker table, oldest first.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	infos := make([]WorkerInfo, 0, len(p.active))
	for _, entry := range p.active {
		infos = append(infos, WorkerInfo{
			ID:        entry.id,
			SessionID: entry.sessionID,
			Tool:      entry.tool,
			StartedAt: entry.startedAt,
			TaskID:    entry.taskID,
		})
	}
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Queued snapshots the pending queue in FIFO order.
func (p *Pool) Queued() []QueuedInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]QueuedInfo, 0, len(p.queue))
	for i, pend := range p.queue {
		infos = append(infos, QueuedInfo{
			Position:   i + 1,
			Tool:       pend.req.Tool,
			SessionID:  pend.req.SessionID,
			EnqueuedAt: pend.enqueuedAt,
		})
	}
	return infos
}

// Stats reports pool gauges and counters.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"active":               len(p.active),
		"queued":               len(p.queue),
		"max_concurrent":       p.maxConcurrent,
		"completed_total":      p.completed,
		"failed_total":         p.failed,
		"crashed_total":        p.crashed,
		"terminated_total":     p.terminated,
		"queue_timeouts_total": p.queueTimeouts,
		"start_failures_total": p.startFailures,
		"rejected_total":       p.rejected,
	}
}

// QueueDepth reports how many requests are waiting for a worker slot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Executed totals tasks that ran to any outcome: completed, failed,
// crashed, or terminated. The metrics collector samples it.
func (p *Pool) Executed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed + p.failed + p.crashed + p.terminated
}

// Close stops admissions, answers all queued requests with ErrClosed, stops
// active workers, and waits for them to settle or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	flushed := p.queue
	p.queue = nil
	for _, pend := range flushed {
		if pend.timer != nil {
			pend.timer.Stop()
		}
		pend.state = pendingResolved
	}
	runners := make([]*agent.Runner, 0, len(p.active))
	for _, entry := range p.active {
		runners = append(runners, entry.runner)
	}
	p.mu.Unlock()

	for _, pend := range flushed {
		pend.result <- Result{Err: ErrClosed}
	}
	for _, r := range runners {
		if err := r.Stop(ctx, "pool shutdown"); err != nil && !errors.Is(err, agent.ErrNotRunning) {
			p.logger.Warn("Worker stop failed during shutdown", "worker", r.ID(), "error", err)
		}
	}

	settled := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
