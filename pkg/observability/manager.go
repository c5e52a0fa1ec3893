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

package observability

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and metrics registry for one node.
type Manager struct {
	mu sync.RWMutex

	config         Config
	tracerProvider trace.TracerProvider
	tracerShutdown func(context.Context) error
	metrics        *Metrics
	initialized    bool
}

// NewManager returns an uninitialized Manager. Call Initialize before use;
// an uninitialized Manager behaves as a noop.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// NoopManager returns a Manager with everything disabled.
func NoopManager() *Manager {
	return &Manager{}
}

// Initialize builds the configured exporters. Safe to call on a Manager
// with everything disabled.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	provider, shutdown, err := initTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	metrics, err := initMetrics(m.config.Metrics)
	if err != nil {
		if shutdown != nil {
			_ = shutdown(ctx)
		}
		return err
	}

	m.tracerProvider = provider
	m.tracerShutdown = shutdown
	m.metrics = metrics
	m.initialized = true
	return nil
}

// Tracer returns a named tracer, noop until Initialize succeeds.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Meter returns the OTEL meter, or nil when metrics are disabled.
func (m *Manager) Meter() metric.Meter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics.Meter()
}

// Metrics returns the metrics sink, nil when disabled. A nil *Metrics is
// safe to call.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsEnabled reports whether a scrape endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics != nil
}

// MetricsPath returns the configured scrape path.
func (m *Manager) MetricsPath() string {
	if m.config.Metrics.Endpoint == "" {
		return DefaultMetricsPath
	}
	return m.config.Metrics.Endpoint
}

// Shutdown flushes and stops both exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.tracerShutdown != nil {
		if err := m.tracerShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		m.tracerShutdown = nil
	}
	if err := m.metrics.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.metrics = nil
	m.initialized = false
	return errors.Join(errs...)
}
