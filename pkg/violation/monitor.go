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

// Package violation aggregates security violations into alerts.
//
// Each violation type keeps a sliding window of occurrences; crossing the
// type's threshold raises one severity-classified alert, then a cooldown
// suppresses re-alerting for that type. Pattern detectors run on every
// violation in addition to the window counts: path traversal markers in the
// resource, repeated invalid capabilities from one principal, and request
// rates suggesting denial of service.
package violation

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soteria-run/soteria/pkg/audit"
	"github.com/soteria-run/soteria/pkg/token"
)

// Defaults applied by NewMonitor when the corresponding Config field is zero.
const (
	// DefaultWindow is the sliding window length.
	DefaultWindow = 5 * time.Minute

	// DefaultCooldown suppresses repeat alerts per type.
	DefaultCooldown = 15 * time.Minute

	// DefaultThreshold applies to types without an explicit threshold.
	DefaultThreshold = 25

	// DefaultHistoryLimit bounds the retained violation records.
	DefaultHistoryLimit = 1000
)

// bruteForceLimit is the per-principal invalid_capability count above which
// the brute-force detector fires.
const bruteForceLimit = 20

// dosRateLimit is the requests-per-second figure above which a
// rate_limit_exceeded violation counts as a potential DoS.
const dosRateLimit = 1000.0

var defaultThresholds = map[string]int{
	TypeInvalidCapability:     10,
	TypeOperationNotPermitted: 25,
	TypePathNotAllowed:        15,
	TypeToolNotAllowed:        15,
	TypeResourceNotPermitted:  25,
	TypeOutsideTimeWindow:     25,
	TypePermissionDenied:      25,
	TypeRateLimitExceeded:     50,
}

var baseSeverity = map[string]Severity{
	TypeInvalidCapability:     SeverityHigh,
	TypeOperationNotPermitted: SeverityMedium,
	TypePathNotAllowed:        SeverityHigh,
	TypeToolNotAllowed:        SeverityMedium,
	TypeResourceNotPermitted:  SeverityMedium,
	TypeOutsideTimeWindow:     SeverityLow,
	TypePermissionDenied:      SeverityMedium,
	TypeRateLimitExceeded:     SeverityMedium,
}

var patternSeverity = map[string]Severity{
	PatternPathTraversal: SeverityHigh,
	PatternBruteForce:    SeverityCritical,
	PatternDOS:           SeverityCritical,
}

// Auditor receives alert audit events. *audit.Logger satisfies it.
type Auditor interface {
	Log(eventType, principalID string, details map[string]any) audit.Entry
}

// Config configures a Monitor.
type Config struct {
	// Window is the sliding window length per violation type.
	Window time.Duration

	// Cooldown suppresses repeat alerts for the same type.
	Cooldown time.Duration

	// Thresholds overrides per-type alert thresholds.
	Thresholds map[string]int

	// HistoryLimit bounds retained violation records.
	HistoryLimit int

	// Audit, when set, receives a violation_alert event per alert.
	Audit Auditor

	// Publish, when set, receives every alert for the alert topic.
	Publish func(Alert)

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Stats is a point-in-time snapshot of monitor counters.
type Stats struct {
	Total  uint64            `json:"total_violations"`
	ByType map[string]uint64 `json:"by_type"`
	Alerts uint64            `json:"alerts_raised"`
}

// Monitor aggregates violations into alerts. Safe for concurrent use.
type Monitor struct {
	window       time.Duration
	cooldown     time.Duration
	thresholds   map[string]int
	historyLimit int
	audit        Auditor
	publish      func(Alert)
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	events      map[string][]time.Time
	byPrincipal map[string][]time.Time
	lastAlert   map[string]time.Time
	history     []Violation
	subscribers []func(Alert)
	total       uint64
	byType      map[string]uint64
	alerts      uint64
}

var _ token.ViolationReporter = (*Monitor)(nil)
var _ Auditor = (*audit.Logger)(nil)

// NewMonitor creates a violation monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	thresholds := make(map[string]int, len(defaultThresholds)+len(cfg.Thresholds))
	for t, n := range defaultThresholds {
		thresholds[t] = n
	}
	for t, n := range cfg.Thresholds {
		thresholds[t] = n
	}

	return &Monitor{
		window:       cfg.Window,
		cooldown:     cfg.Cooldown,
		thresholds:   thresholds,
		historyLimit: cfg.HistoryLimit,
		audit:        cfg.Audit,
		publish:      cfg.Publish,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		events:       make(map[string][]time.Time),
		byPrincipal:  make(map[string][]time.Time),
		lastAlert:    make(map[string]time.Time),
		byType:       make(map[string]uint64),
	}
}

// Subscribe registers fn to receive every alert. Subscribers run on the
// reporting goroutine and must return quickly.
func (m *Monitor) Subscribe(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetThresholds overrides per-type alert thresholds at runtime. Types
// not named keep their current threshold.
func (m *Monitor) SetThresholds(thresholds map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, n := range thresholds {
		m.thresholds[t] = n
	}
}

// ReportViolation records a violation described by its parts. It satisfies
// the reporter contract of the token validator.
func (m *Monitor) ReportViolation(violationType, principalID, resource, operation string, details map[string]any) {
	m.Record(Violation{
		Type:        violationType,
		PrincipalID: principalID,
		Resource:    resource,
		Operation:   operation,
		Details:     details,
	})
}

// Record stores the violation, updates the sliding windows, and raises any
// alerts the thresholds or pattern detectors call for.
func (m *Monitor) Record(v Violation) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = m.now()
	}

	m.mu.Lock()
	m.total++
	m.byType[v.Type]++
	m.history = append(m.history, v)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}

	alerts := m.evaluate(v)
	m.alerts += uint64(len(alerts))
	subscribers := append(([]func(Alert))(nil), m.subscribers...)
	m.mu.Unlock()

	for _, a := range alerts {
		m.emit(a, subscribers)
	}
}

// Recent returns up to limit violations, newest first.
func (m *Monitor) Recent(limit int) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Violation, 0, limit)
	for i := len(m.history) - 1; i >= len(m.history)-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := make(map[string]uint64, len(m.byType))
	for t, n := range m.byType {
		byType[t] = n
	}
	return Stats{Total: m.total, ByType: byType, Alerts: m.alerts}
}

// evaluate updates the windows for v and returns the alerts to raise.
// Callers hold the mutex.
func (m *Monitor) evaluate(v Violation) []Alert {
	now := v.Timestamp
	cutoff := now.Add(-m.window)
	var alerts []Alert

	window := appendPruned(m.events[v.Type], now, cutoff)
	m.events[v.Type] = window

	threshold := m.thresholds[v.Type]
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(window) >= threshold && m.cooldownElapsed(v.Type, now) {
		severity := baseSeverity[v.Type]
		if severity == "" {
			severity = SeverityMedium
		}
		if len(window) >= 2*threshold {
			severity = escalate(severity)
		}
		alerts = append(alerts, Alert{
			ID:          uuid.NewString(),
			Type:        v.Type,
			Severity:    severity,
			Count:       len(window),
			Threshold:   threshold,
			PrincipalID: v.PrincipalID,
			Timestamp:   now,
			Details: map[string]any{
				"window_seconds": int(m.window.Seconds()),
			},
		})
	}

	if suspiciousResource(v.Resource) {
		alerts = m.appendPattern(alerts, PatternPathTraversal, v, 1, 1, now)
	}

	if v.Type == TypeInvalidCapability && v.PrincipalID != "" {
		principalWindow := appendPruned(m.byPrincipal[v.PrincipalID], now, cutoff)
		m.byPrincipal[v.PrincipalID] = principalWindow
		if len(principalWindow) > bruteForceLimit {
			alerts = m.appendPattern(alerts, PatternBruteForce, v, len(principalWindow), bruteForceLimit, now)
		}
	}

	if v.Type == TypeRateLimitExceeded {
		if rate, ok := numberDetail(v.Details, "requests_per_second"); ok && rate > dosRateLimit {
			alerts = m.appendPattern(alerts, PatternDOS, v, int(rate), int(dosRateLimit), now)
		}
	}

	return alerts
}

// appendPattern adds a suspicious-pattern alert unless its cooldown is
// still active. Pattern cooldowns are keyed per pattern and principal.
func (m *Monitor) appendPattern(alerts []Alert, pattern string, v Violation, count, threshold int, now time.Time) []Alert {
	key := TypeSuspiciousPattern + ":" + pattern + ":" + v.PrincipalID
	if !m.cooldownElapsed(key, now) {
		return alerts
	}
	return append(alerts, Alert{
		ID:          uuid.NewString(),
		Type:        TypeSuspiciousPattern,
		Severity:    patternSeverity[pattern],
		Count:       count,
		Threshold:   threshold,
		PrincipalID: v.PrincipalID,
		Timestamp:   now,
		Details: map[string]any{
			"pattern":  pattern,
			"resource": v.Resource,
		},
	})
}

// cooldownElapsed reports whether an alert under key may fire now, and if
// so records the firing time.
func (m *Monitor) cooldownElapsed(key string, now time.Time) bool {
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastAlert[key] = now
	return true
}

func (m *Monitor) emit(a Alert, subscribers []func(Alert)) {
	m.logger.Warn("Security violation alert",
		"type", a.Type,
		"severity", string(a.Severity),
		"count", a.Count,
		"threshold", a.Threshold,
		"principal", a.PrincipalID,
	)
	if m.audit != nil {
		m.audit.Log(audit.EventViolationAlert, a.PrincipalID, map[string]any{
			"alert_id":  a.ID,
			"type":      a.Type,
			"severity":  string(a.Severity),
			"count":     a.Count,
			"threshold": a.Threshold,
		})
	}
	if m.publish != nil {
		m.publish(a)
	}
	for _, fn := range subscribers {
		fn(a)
	}
}

// appendPruned drops samples at or before cutoff and appends now.
func appendPruned(window []time.Time, now, cutoff time.Time) []time.Time {
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return append(pruned, now)
}

// suspiciousResource reports whether the resource carries path traversal
// markers, including the percent-encoded form.
func suspiciousResource(resource string) bool {
	if strings.Contains(resource, "../") || strings.Contains(resource, `..\`) {
		return true
	}
	return strings.Contains(strings.ToLower(resource), "%2e%2e")
}

func numberDetail(details map[string]any, key string) (float64, bool) {
	switch n := details[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
