package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/kernel"
	"github.com/soteria-run/soteria/pkg/token"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{1.0, StatusHealthy},
		{0.8, StatusHealthy},
		{0.79, StatusDegraded},
		{0.5, StatusDegraded},
		{0.49, StatusUnhealthy},
		{0, StatusUnhealthy},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.score), "score %v", tc.score)
	}
}

func TestHealthBeforeFirstSample(t *testing.T) {
	c := newTestCollector(t, nil)
	h := c.Health()
	assert.Equal(t, StatusUnknown, h.Status)
	assert.Zero(t, h.Score)
	assert.Empty(t, h.Components)
}

func TestHealthyNodeScoresFull(t *testing.T) {
	k := &fakeKernel{stats: kernel.Stats{Running: true, Active: 3}}
	c := newTestCollector(t, func(cfg *Config) { cfg.Kernel = k })

	s := c.Collect(context.Background())
	assert.InDelta(t, 1.0, s.HealthScore, 0.001)

	h := c.Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.InDelta(t, 1.0, h.Components["kernel"], 0.001)
	assert.InDelta(t, 1.0, h.Components["violations"], 0.001)
	assert.InDelta(t, 1.0, h.Components["latency"], 0.001)
	assert.InDelta(t, 1.0, h.Components["audit"], 0.001)
	assert.Equal(t, s.Timestamp, h.SampledAt)
}

func TestUnwiredProbesDoNotDegrade(t *testing.T) {
	c := newTestCollector(t, nil)
	s := c.Collect(context.Background())
	assert.InDelta(t, 1.0, s.HealthScore, 0.001)
	assert.Equal(t, StatusHealthy, c.Health().Status)
}

func TestViolationRateAtCeilingCostsItsWeight(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	k := &fakeKernel{stats: kernel.Stats{Running: true}}
	v := &fakeViolations{}
	c := newTestCollector(t, func(cfg *Config) {
		cfg.Kernel = k
		cfg.Violations = v
		cfg.Clock = clock.Now
	})

	c.Collect(context.Background())
	v.set(uint64(DefaultViolationCeiling), 1)
	clock.Advance(time.Minute)
	s := c.Collect(context.Background())

	assert.InDelta(t, 0.75, s.HealthScore, 0.001)
	h := c.Health()
	assert.Equal(t, StatusDegraded, h.Status)
	assert.InDelta(t, 0.0, h.Components["violations"], 0.001)
}

func TestCapabilityCountAtCeilingCostsItsWeight(t *testing.T) {
	k := &fakeKernel{stats: kernel.Stats{Running: true, Active: 200}}
	c := newTestCollector(t, func(cfg *Config) {
		cfg.Kernel = k
		cfg.CapabilityCeiling = 200
	})

	s := c.Collect(context.Background())
	assert.InDelta(t, 0.80, s.HealthScore, 0.001)
	assert.Equal(t, StatusHealthy, c.Health().Status)
}

func TestLatencyDegradesProportionally(t *testing.T) {
	k := &fakeKernel{stats: kernel.Stats{Running: true}}
	tok := &fakeTokens{stats: token.Stats{AvgLatencyMS: 50}}
	c := newTestCollector(t, func(cfg *Config) {
		cfg.Kernel = k
		cfg.Tokens = tok
	})

	s := c.Collect(context.Background())
	// Half the latency ceiling costs half the latency weight.
	assert.InDelta(t, 1-0.15*0.5, s.HealthScore, 0.001)
}

func TestCompoundDegradationGoesUnhealthy(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	k := &fakeKernel{err: errors.New("kernel stopped")}
	v := &fakeViolations{}
	c := newTestCollector(t, func(cfg *Config) {
		cfg.Kernel = k
		cfg.Violations = v
		cfg.Clock = clock.Now
	})

	c.Collect(context.Background())
	v.set(uint64(DefaultViolationCeiling), 2)
	clock.Advance(time.Minute)
	s := c.Collect(context.Background())

	require.InDelta(t, 0.45, s.HealthScore, 0.001)
	assert.Equal(t, StatusUnhealthy, c.Health().Status)
}

func TestCustomCeilings(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	k := &fakeKernel{stats: kernel.Stats{Running: true}}
	aud := &fakeAudit{}
	c := newTestCollector(t, func(cfg *Config) {
		cfg.Kernel = k
		cfg.Audit = aud
		cfg.AuditErrorCeiling = 2
		cfg.Clock = clock.Now
	})

	c.Collect(context.Background())
	aud.set(1)
	clock.Advance(30 * time.Second)
	s := c.Collect(context.Background())

	// One new error against a ceiling of two costs half the audit weight.
	assert.InDelta(t, 1-0.10*0.5, s.HealthScore, 0.001)
}
