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

// Package metrics samples the node's security and runtime figures into an
// in-memory ring and blends them into a health score. The sampling loop is
// the ring's only writer; reads are safe from any goroutine.
package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/soteria-run/soteria/pkg/kernel"
	"github.com/soteria-run/soteria/pkg/token"
	"github.com/soteria-run/soteria/pkg/violation"
)

// Defaults applied by New when the corresponding field is zero.
const (
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 30 * time.Second

	// DefaultRetention bounds how far back the ring reaches.
	DefaultRetention = 24 * time.Hour

	// DefaultViolationCeiling is the violations-per-minute rate at which
	// the violation component scores zero.
	DefaultViolationCeiling = 30.0

	// DefaultLatencyCeilingMS is the average validation latency at which
	// the latency component scores zero.
	DefaultLatencyCeilingMS = 100.0

	// DefaultCapabilityCeiling is the active capability count at which
	// the capability component scores zero.
	DefaultCapabilityCeiling = 10000

	// DefaultAuditErrorCeiling is the number of new audit write errors in
	// one interval at which the audit component scores zero.
	DefaultAuditErrorCeiling = 5.0
)

// KernelProbe reports kernel liveness and capability counts. Implemented by
// *kernel.Kernel.
type KernelProbe interface {
	Stats(ctx context.Context) (kernel.Stats, error)
}

// ViolationProbe reports violation totals. Implemented by
// *violation.Monitor.
type ViolationProbe interface {
	Stats() violation.Stats
}

// TokenProbe reports validation counters and latency. Implemented by
// *token.Validator.
type TokenProbe interface {
	Stats() token.Stats
}

// AuditProbe reports audit write totals. Implemented by *audit.Logger.
type AuditProbe interface {
	ErrorCount() uint64
	FlushCount() uint64
}

// PoolProbe reports execution pool occupancy and throughput. Implemented
// by *pool.Pool.
type PoolProbe interface {
	QueueDepth() int
	Executed() uint64
}

// WorkflowProbe reports workflow step totals. Implemented by
// *workflow.Coordinator.
type WorkflowProbe interface {
	StepsCompleted() uint64
}

// Sample is one observation of the node. Rate and delta fields compare
// against the previous sample, so the first sample reports them as zero.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`

	// KernelRunning is false when the kernel is stopped or unreachable.
	KernelRunning bool `json:"kernel_running"`

	// CapabilitiesActive counts live capabilities in the kernel.
	CapabilitiesActive int    `json:"capabilities_active"`
	ChecksAllowed      uint64 `json:"checks_allowed_total"`
	ChecksDenied       uint64 `json:"checks_denied_total"`

	// ViolationsTotal is the monitor's lifetime count; ViolationRate is
	// the per-minute rate since the previous sample.
	ViolationsTotal uint64  `json:"violations_total"`
	ViolationRate   float64 `json:"violation_rate_per_min"`
	AlertsTotal     uint64  `json:"alerts_total"`

	// ValidationLatency is the validator's rolling average in
	// milliseconds.
	ValidationLatency float64 `json:"validation_latency_ms"`
	ValidationsTotal  uint64  `json:"validations_total"`

	// AuditErrors is the lifetime count; AuditErrorsNew is the increase
	// since the previous sample.
	AuditErrors    uint64 `json:"audit_errors_total"`
	AuditErrorsNew uint64 `json:"audit_errors_new"`
	AuditFlushes   uint64 `json:"audit_flushes_total"`

	// TasksExecuted and WorkflowSteps are lifetime totals from the pool
	// and the coordinator; PoolQueueDepth is the queue length at sampling
	// time.
	TasksExecuted  uint64 `json:"tasks_executed_total"`
	PoolQueueDepth int    `json:"pool_queue_depth"`
	WorkflowSteps  uint64 `json:"workflow_steps_total"`

	AgentsActive   int    `json:"agents_active"`
	SessionsActive int    `json:"sessions_active"`
	MemoryBytes    uint64 `json:"memory_bytes"`
	Goroutines     int    `json:"goroutines"`

	// HealthScore blends the weighted components, 0 to 1.
	HealthScore float64 `json:"health_score"`
}

// Config configures a Collector. Every probe is optional: subsystems that
// are not wired do not degrade the health score.
type Config struct {
	// Kernel, Violations, Tokens, and Audit feed the security figures.
	Kernel     KernelProbe
	Violations ViolationProbe
	Tokens     TokenProbe
	Audit      AuditProbe

	// Pool and Workflow feed the throughput figures.
	Pool     PoolProbe
	Workflow WorkflowProbe

	// AgentCount and SessionCount report node occupancy.
	AgentCount   func() int
	SessionCount func() int

	// Meter mirrors each sample into OTEL instruments. Optional.
	Meter metric.Meter

	// Interval is the sampling cadence. Defaults to DefaultInterval.
	Interval time.Duration

	// Retention bounds the ring; capacity is Retention/Interval.
	// Defaults to DefaultRetention.
	Retention time.Duration

	// Score ceilings; see the defaults for their meaning.
	ViolationCeiling  float64
	LatencyCeilingMS  float64
	CapabilityCeiling int
	AuditErrorCeiling float64

	// Logger receives collector logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Collector samples the probes on a ticker into a bounded ring.
type Collector struct {
	kernel       KernelProbe
	violations   ViolationProbe
	tokens       TokenProbe
	audit        AuditProbe
	pool         PoolProbe
	workflow     WorkflowProbe
	agentCount   func() int
	sessionCount func() int
	instruments  *instruments
	interval     time.Duration
	retention    time.Duration

	violationCeiling  float64
	latencyCeiling    float64
	capabilityCeiling int
	auditErrorCeiling float64

	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	buf     []Sample
	head    int
	size    int
	prev    Sample
	prevSet bool
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a Collector from cfg.
func New(cfg Config) (*Collector, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.ViolationCeiling <= 0 {
		cfg.ViolationCeiling = DefaultViolationCeiling
	}
	if cfg.LatencyCeilingMS <= 0 {
		cfg.LatencyCeilingMS = DefaultLatencyCeilingMS
	}
	if cfg.CapabilityCeiling <= 0 {
		cfg.CapabilityCeiling = DefaultCapabilityCeiling
	}
	if cfg.AuditErrorCeiling <= 0 {
		cfg.AuditErrorCeiling = DefaultAuditErrorCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	capacity := int(cfg.Retention / cfg.Interval)
	if capacity < 1 {
		capacity = 1
	}

	var inst *instruments
	if cfg.Meter != nil {
		var err error
		if inst, err = newInstruments(cfg.Meter); err != nil {
			return nil, err
		}
	}

	return &Collector{
		kernel:            cfg.Kernel,
		violations:        cfg.Violations,
		tokens:            cfg.Tokens,
		audit:             cfg.Audit,
		pool:              cfg.Pool,
		workflow:          cfg.Workflow,
		agentCount:        cfg.AgentCount,
		sessionCount:      cfg.SessionCount,
		instruments:       inst,
		interval:          cfg.Interval,
		retention:         cfg.Retention,
		violationCeiling:  cfg.ViolationCeiling,
		latencyCeiling:    cfg.LatencyCeilingMS,
		capabilityCeiling: cfg.CapabilityCeiling,
		auditErrorCeiling: cfg.AuditErrorCeiling,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		buf:               make([]Sample, capacity),
		quit:              make(chan struct{}),
	}, nil
}

// Start takes an immediate sample and begins the sampling loop.
func (c *Collector) Start() {
	c.collectOnce()
	c.wg.Add(1)
	go c.run()
}

// Close stops the sampling loop. Retained samples stay readable.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collectOnce()
		case <-c.quit:
			return
		}
	}
}

func (c *Collector) collectOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()
	c.Collect(ctx)
}

// Collect takes one sample now, appends it to the ring, and returns it.
func (c *Collector) Collect(ctx context.Context) Sample {
	s := Sample{
		Timestamp:   c.now(),
		MemoryBytes: heapInUse(),
		Goroutines:  runtime.NumGoroutine(),
	}

	if c.kernel != nil {
		if ks, err := c.kernel.Stats(ctx); err != nil {
			c.logger.Warn("Kernel stats unavailable", "error", err)
		} else {
			s.KernelRunning = ks.Running
			s.CapabilitiesActive = ks.Active
			s.ChecksAllowed = ks.ChecksAllowed
			s.ChecksDenied = ks.ChecksDenied
		}
	}
	if c.violations != nil {
		vs := c.violations.Stats()
		s.ViolationsTotal = vs.Total
		s.AlertsTotal = vs.Alerts
	}
	if c.tokens != nil {
		ts := c.tokens.Stats()
		s.ValidationLatency = ts.AvgLatencyMS
		s.ValidationsTotal = ts.Validations
	}
	if c.audit != nil {
		s.AuditErrors = c.audit.ErrorCount()
		s.AuditFlushes = c.audit.FlushCount()
	}
	if c.pool != nil {
		s.PoolQueueDepth = c.pool.QueueDepth()
		s.TasksExecuted = c.pool.Executed()
	}
	if c.workflow != nil {
		s.WorkflowSteps = c.workflow.StepsCompleted()
	}
	if c.agentCount != nil {
		s.AgentsActive = c.agentCount()
	}
	if c.sessionCount != nil {
		s.SessionsActive = c.sessionCount()
	}

	c.mu.Lock()
	prev := c.prev
	if c.prevSet {
		// Counter resets (a replaced monitor or logger) read as a zero
		// delta rather than a negative one.
		if gap := s.Timestamp.Sub(c.prev.Timestamp); gap > 0 && s.ViolationsTotal >= c.prev.ViolationsTotal {
			s.ViolationRate = float64(s.ViolationsTotal-c.prev.ViolationsTotal) / gap.Minutes()
		}
		if s.AuditErrors >= c.prev.AuditErrors {
			s.AuditErrorsNew = s.AuditErrors - c.prev.AuditErrors
		}
	}
	s.HealthScore = c.score(s)
	c.pushLocked(s)
	c.prev, c.prevSet = s, true
	c.mu.Unlock()

	c.instruments.record(ctx, s, prev)
	return s
}

// pushLocked appends to the ring, overwriting the oldest sample once the
// ring is full. Callers hold c.mu.
func (c *Collector) pushLocked(s Sample) {
	if c.size < len(c.buf) {
		c.buf[(c.head+c.size)%len(c.buf)] = s
		c.size++
		return
	}
	c.buf[c.head] = s
	c.head = (c.head + 1) % len(c.buf)
}

// Latest returns the newest sample, if any.
func (c *Collector) Latest() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.size == 0 {
		return Sample{}, false
	}
	return c.buf[(c.head+c.size-1)%len(c.buf)], true
}

// Samples returns the retained samples, oldest first.
func (c *Collector) Samples() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, 0, c.size)
	for i := 0; i < c.size; i++ {
		out = append(out, c.buf[(c.head+i)%len(c.buf)])
	}
	return out
}

// Since returns the retained samples taken at or after cutoff, oldest
// first.
func (c *Collector) Since(cutoff time.Time) []Sample {
	all := c.Samples()
	for i, s := range all {
		if !s.Timestamp.Before(cutoff) {
			return all[i:]
		}
	}
	return nil
}

// Stats reports collector gauges.
func (c *Collector) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := map[string]any{
		"samples_retained": c.size,
		"capacity":         len(c.buf),
		"interval_seconds": c.interval.Seconds(),
	}
	if c.size > 0 {
		stats["health_score"] = c.buf[(c.head+c.size-1)%len(c.buf)].HealthScore
	}
	return stats
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
