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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RestartPolicy decides what a supervisor does when a child exits with an
// error.
type RestartPolicy string

const (
	// RestartTemporary children are never restarted.
	RestartTemporary RestartPolicy = "temporary"

	// RestartPermanent children are restarted until stopped explicitly,
	// within the restart intensity limits.
	RestartPermanent RestartPolicy = "permanent"
)

const (
	// DefaultMaxRestarts bounds restarts within DefaultRestartWindow
	// before the supervisor gives a child up.
	DefaultMaxRestarts = 5

	// DefaultRestartWindow is the sliding window for restart intensity.
	DefaultRestartWindow = time.Minute
)

// permanentTypes are the long-lived agent kinds; every other kind is
// treated as one-shot.
var permanentTypes = map[string]struct{}{
	"coder":       {},
	"tester":      {},
	"reviewer":    {},
	"researcher":  {},
	"maintenance": {},
}

// PolicyForType maps an agent kind to its restart policy. One-shot kinds
// such as tool executors, exporters, analysers, and MCP commands are
// temporary; unknown kinds default to temporary.
func PolicyForType(agentType string) RestartPolicy {
	if _, ok := permanentTypes[agentType]; ok {
		return RestartPermanent
	}
	return RestartTemporary
}

// StartFunc builds and starts a fresh runner for a supervised child. It
// is invoked again on every restart.
type StartFunc func(ctx context.Context) (*Runner, error)

// SupervisorConfig configures a typed supervisor.
type SupervisorConfig struct {
	// Policy applies to every child of this supervisor.
	Policy RestartPolicy

	// MaxRestarts per RestartWindow before a child is given up.
	// Defaults to DefaultMaxRestarts.
	MaxRestarts int

	// RestartWindow defaults to DefaultRestartWindow.
	RestartWindow time.Duration

	// OnChildDown is invoked after a child exits and the restart decision
	// was applied: restarted is true when a replacement runner took over.
	// Called outside supervisor locks. Optional.
	OnChildDown func(childID string, exitErr error, restarted bool)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock nowFunc
}

type supervisedChild struct {
	id       string
	start    StartFunc
	runner   *Runner
	restarts []time.Time
	stopping bool
}

// Supervisor owns a dynamic set of children sharing one restart policy.
// Permanent children are restarted on failure; clean exits and temporary
// children are removed.
type Supervisor struct {
	policy      RestartPolicy
	maxRestarts int
	window      time.Duration
	onDown      func(childID string, exitErr error, restarted bool)
	logger      *slog.Logger
	now         nowFunc

	mu       sync.Mutex
	children map[string]*supervisedChild
	closed   bool
	wg       sync.WaitGroup
}

// NewSupervisor builds a supervisor for one restart policy.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	policy := cfg.Policy
	if policy == "" {
		policy = RestartTemporary
	}
	maxRestarts := cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	window := cfg.RestartWindow
	if window <= 0 {
		window = DefaultRestartWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		policy:      policy,
		maxRestarts: maxRestarts,
		window:      window,
		onDown:      cfg.OnChildDown,
		logger:      logger,
		now:         now,
		children:    make(map[string]*supervisedChild),
	}
}

// Policy returns the supervisor's restart policy.
func (s *Supervisor) Policy() RestartPolicy { return s.policy }

// StartChild starts a new child under the supervisor.
func (s *Supervisor) StartChild(ctx context.Context, id string, start StartFunc) (*Runner, error) {
	if id == "" {
		return nil, fmt.Errorf("child id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("supervisor closed")
	}
	if _, exists := s.children[id]; exists {
		return nil, fmt.Errorf("child %q already supervised", id)
	}
	runner, err := start(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting child %s: %w", id, err)
	}
	c := &supervisedChild{id: id, start: start, runner: runner}
	s.children[id] = c
	s.watch(c, runner)
	return runner, nil
}

// StopChild gracefully stops a child. The record is removed once the
// runner exits.
func (s *Supervisor) StopChild(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	c, ok := s.children[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("child %q not supervised", id)
	}
	c.stopping = true
	runner := c.runner
	s.mu.Unlock()
	return runner.Stop(ctx, reason)
}

// KillChild force-terminates a child without draining.
func (s *Supervisor) KillChild(id, reason string) error {
	s.mu.Lock()
	c, ok := s.children[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("child %q not supervised", id)
	}
	c.stopping = true
	runner := c.runner
	s.mu.Unlock()
	runner.Kill(reason)
	return nil
}

// Get returns the current runner for a child id.
func (s *Supervisor) Get(id string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return nil, false
	}
	return c.runner, true
}

// Children returns the supervised child ids, sorted.
func (s *Supervisor) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of supervised children.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Close stops every child and waits for the watchers to finish.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runners := make([]*Runner, 0, len(s.children))
	for _, c := range s.children {
		c.stopping = true
		runners = append(runners, c.runner)
	}
	s.mu.Unlock()

	for _, r := range runners {
		if err := r.Stop(ctx, "supervisor shutdown"); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch waits for the runner to exit and applies the restart policy.
func (s *Supervisor) watch(c *supervisedChild, r *Runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-r.Done()
		exitErr := r.Err()

		s.mu.Lock()
		current, ok := s.children[c.id]
		if !ok || current != c || c.runner != r {
			s.mu.Unlock()
			return
		}
		if c.stopping || s.closed || exitErr == nil || s.policy != RestartPermanent {
			delete(s.children, c.id)
			s.mu.Unlock()
			if exitErr != nil {
				s.logger.Warn("Supervised agent exited", "child_id", c.id, "policy", s.policy, "error", exitErr)
			}
			s.notifyDown(c.id, exitErr, false)
			return
		}

		now := s.now()
		cutoff := now.Add(-s.window)
		kept := c.restarts[:0]
		for _, ts := range c.restarts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		c.restarts = append(kept, now)
		if len(c.restarts) > s.maxRestarts {
			delete(s.children, c.id)
			s.mu.Unlock()
			s.logger.Error("Giving up on crashing agent", "child_id", c.id, "restarts", s.maxRestarts, "window", s.window)
			s.notifyDown(c.id, exitErr, false)
			return
		}

		next, err := c.start(context.Background())
		if err != nil {
			delete(s.children, c.id)
			s.mu.Unlock()
			s.logger.Error("Restarting agent failed", "child_id", c.id, "error", err)
			s.notifyDown(c.id, exitErr, false)
			return
		}
		c.runner = next
		s.mu.Unlock()

		s.logger.Info("Agent restarted", "child_id", c.id, "attempt", len(c.restarts), "error", exitErr)
		s.watch(c, next)
		s.notifyDown(c.id, exitErr, true)
	}()
}

func (s *Supervisor) notifyDown(childID string, exitErr error, restarted bool) {
	if s.onDown != nil {
		s.onDown(childID, exitErr, restarted)
	}
}

// RestartCount reports how many restarts the child has inside the current
// intensity window.
func (s *Supervisor) RestartCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[id]
	if !ok {
		return 0
	}
	cutoff := s.now().Add(-s.window)
	n := 0
	for _, ts := range c.restarts {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
