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

import "time"

// Health score component weights. They sum to 1.
const (
	weightKernel       = 0.30
	weightViolations   = 0.25
	weightCapabilities = 0.20
	weightLatency      = 0.15
	weightAudit        = 0.10
)

// Health status strings.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Health is the blended view of the newest sample.
type Health struct {
	// Status buckets the score: healthy at 0.8 and above, degraded at
	// 0.5, unhealthy below, unknown before the first sample.
	Status string `json:"status"`

	// Score is the weighted blend, 0 to 1.
	Score float64 `json:"score"`

	// Components holds each weighted input's own 0-to-1 score.
	Components map[string]float64 `json:"components,omitempty"`

	SampledAt time.Time `json:"sampled_at"`
}

// StatusFor buckets a health score.
func StatusFor(score float64) string {
	switch {
	case score >= 0.8:
		return StatusHealthy
	case score >= 0.5:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Health returns the blended health of the newest sample.
func (c *Collector) Health() Health {
	s, ok := c.Latest()
	if !ok {
		return Health{Status: StatusUnknown}
	}
	return Health{
		Status:     StatusFor(s.HealthScore),
		Score:      s.HealthScore,
		Components: c.components(s),
		SampledAt:  s.Timestamp,
	}
}

// components scores each weighted health input from the sample. Every score
// starts at 1 and degrades toward 0 as the figure approaches its ceiling;
// an unwired kernel probe scores full rather than reading as a down kernel.
func (c *Collector) components(s Sample) map[string]float64 {
	kernelScore := 0.0
	if s.KernelRunning || c.kernel == nil {
		kernelScore = 1
	}
	return map[string]float64{
		"kernel":       kernelScore,
		"violations":   1 - clamp01(s.ViolationRate/c.violationCeiling),
		"capabilities": 1 - clamp01(float64(s.CapabilitiesActive)/float64(c.capabilityCeiling)),
		"latency":      1 - clamp01(s.ValidationLatency/c.latencyCeiling),
		"audit":        1 - clamp01(float64(s.AuditErrorsNew)/c.auditErrorCeiling),
	}
}

func (c *Collector) score(s Sample) float64 {
	comps := c.components(s)
	return weightKernel*comps["kernel"] +
		weightViolations*comps["violations"] +
		weightCapabilities*comps["capabilities"] +
		weightLatency*comps["latency"] +
		weightAudit*comps["audit"]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
