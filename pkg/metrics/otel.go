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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments mirror each sample into OTEL so the prometheus exporter can
// serve them. Point-in-time figures become gauges; lifetime totals become
// counters fed by the delta against the previous sample.
type instruments struct {
	healthScore       metric.Float64Gauge
	capabilities      metric.Int64Gauge
	agents            metric.Int64Gauge
	sessions          metric.Int64Gauge
	violationRate     metric.Float64Gauge
	validationLatency metric.Float64Gauge
	poolQueueDepth    metric.Int64Gauge

	capabilityChecks metric.Int64Counter
	tokenValidations metric.Int64Counter
	violations       metric.Int64Counter
	tasksExecuted    metric.Int64Counter
	workflowSteps    metric.Int64Counter
	auditFlushes     metric.Int64Counter
	auditErrors      metric.Int64Counter
	samples          metric.Int64Counter
}

var (
	allowedAttr = metric.WithAttributes(attribute.String("decision", "allowed"))
	deniedAttr  = metric.WithAttributes(attribute.String("decision", "denied"))
)

func newInstruments(meter metric.Meter) (*instruments, error) {
	healthScore, err := meter.Float64Gauge(
		"soteria_health_score",
		metric.WithDescription("Blended node health score, 0 to 1"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating health score gauge: %w", err)
	}

	capabilities, err := meter.Int64Gauge(
		"soteria_capabilities_active",
		metric.WithDescription("Live capabilities in the security kernel"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capabilities gauge: %w", err)
	}

	agents, err := meter.Int64Gauge(
		"soteria_agents_active",
		metric.WithDescription("Agents running on this node"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating agents gauge: %w", err)
	}

	sessions, err := meter.Int64Gauge(
		"soteria_sessions_active",
		metric.WithDescription("Sessions open on this node"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sessions gauge: %w", err)
	}

	violationRate, err := meter.Float64Gauge(
		"soteria_violation_rate_per_minute",
		metric.WithDescription("Security violations per minute"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating violation rate gauge: %w", err)
	}

	validationLatency, err := meter.Float64Gauge(
		"soteria_validation_latency_ms",
		metric.WithDescription("Rolling average token validation latency"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating validation latency gauge: %w", err)
	}

	poolQueueDepth, err := meter.Int64Gauge(
		"soteria_pool_queue_depth",
		metric.WithDescription("Requests waiting for a worker slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pool queue depth gauge: %w", err)
	}

	capabilityChecks, err := meter.Int64Counter(
		"soteria_capability_checks_total",
		metric.WithDescription("Capability checks by decision"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating capability checks counter: %w", err)
	}

	tokenValidations, err := meter.Int64Counter(
		"soteria_token_validations_total",
		metric.WithDescription("Token validations performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token validations counter: %w", err)
	}

	violations, err := meter.Int64Counter(
		"soteria_violations_total",
		metric.WithDescription("Security violations recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating violations counter: %w", err)
	}

	tasksExecuted, err := meter.Int64Counter(
		"soteria_tasks_executed_total",
		metric.WithDescription("Pool tasks that ran to any outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tasks executed counter: %w", err)
	}

	workflowSteps, err := meter.Int64Counter(
		"soteria_workflow_steps_total",
		metric.WithDescription("Workflow steps completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating workflow steps counter: %w", err)
	}

	auditFlushes, err := meter.Int64Counter(
		"soteria_audit_flushes_total",
		metric.WithDescription("Audit batches accepted by a destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating audit flushes counter: %w", err)
	}

	auditErrors, err := meter.Int64Counter(
		"soteria_audit_errors_total",
		metric.WithDescription("Audit write failures and dropped entries"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating audit errors counter: %w", err)
	}

	samples, err := meter.Int64Counter(
		"soteria_metric_samples_total",
		metric.WithDescription("Samples taken by the metrics collector"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating samples counter: %w", err)
	}

	return &instruments{
		healthScore:       healthScore,
		capabilities:      capabilities,
		agents:            agents,
		sessions:          sessions,
		violationRate:     violationRate,
		validationLatency: validationLatency,
		poolQueueDepth:    poolQueueDepth,
		capabilityChecks:  capabilityChecks,
		tokenValidations:  tokenValidations,
		violations:        violations,
		tasksExecuted:     tasksExecuted,
		workflowSteps:     workflowSteps,
		auditFlushes:      auditFlushes,
		auditErrors:       auditErrors,
		samples:           samples,
	}, nil
}

func (i *instruments) record(ctx context.Context, s, prev Sample) {
	if i == nil {
		return
	}
	i.healthScore.Record(ctx, s.HealthScore)
	i.capabilities.Record(ctx, int64(s.CapabilitiesActive))
	i.agents.Record(ctx, int64(s.AgentsActive))
	i.sessions.Record(ctx, int64(s.SessionsActive))
	i.violationRate.Record(ctx, s.ViolationRate)
	i.validationLatency.Record(ctx, s.ValidationLatency)
	i.poolQueueDepth.Record(ctx, int64(s.PoolQueueDepth))

	// Probe totals re-publish as increments; a reset reads as a zero
	// delta rather than a negative one.
	i.capabilityChecks.Add(ctx, delta(s.ChecksAllowed, prev.ChecksAllowed), allowedAttr)
	i.capabilityChecks.Add(ctx, delta(s.ChecksDenied, prev.ChecksDenied), deniedAttr)
	i.tokenValidations.Add(ctx, delta(s.ValidationsTotal, prev.ValidationsTotal))
	i.violations.Add(ctx, delta(s.ViolationsTotal, prev.ViolationsTotal))
	i.tasksExecuted.Add(ctx, delta(s.TasksExecuted, prev.TasksExecuted))
	i.workflowSteps.Add(ctx, delta(s.WorkflowSteps, prev.WorkflowSteps))
	i.auditFlushes.Add(ctx, delta(s.AuditFlushes, prev.AuditFlushes))
	i.auditErrors.Add(ctx, delta(s.AuditErrors, prev.AuditErrors))
	i.samples.Add(ctx, 1)
}

func delta(cur, prev uint64) int64 {
	if cur < prev {
		return 0
	}
	return int64(cur - prev)
}
