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

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window is a rate limiting time window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// DefaultPerMinute is the per-client ceiling applied when limiting is
// enabled without explicit rules.
const DefaultPerMinute int64 = 120

// Duration returns the span of the window, or zero for unknown windows.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Limit caps requests per caller key inside one window.
type Limit struct {
	// Window is the counting window.
	Window Window `json:"window"`

	// Max is the number of requests admitted per window.
	Max int64 `json:"max"`
}

// Usage is the standing of one limit for one key.
type Usage struct {
	Window    Window    `json:"window"`
	Current   int64     `json:"current"`
	Max       int64     `json:"max"`
	Remaining int64     `json:"remaining"`
	WindowEnd time.Time `json:"window_end"`
}

// Result reports a limit decision across all configured windows.
type Result struct {
	// Allowed is false when any window is exhausted.
	Allowed bool `json:"allowed"`

	// Reason names the first exhausted window.
	Reason string `json:"reason,omitempty"`

	// Usages holds the standing of every configured window.
	Usages []Usage `json:"usages"`

	// RetryAfter is the wait until the earliest exhausted window reopens.
	// Zero when allowed.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// MostRestrictive returns the usage closest to its cap, nil when empty.
func (r *Result) MostRestrictive() *Usage {
	var worst *Usage
	for i := range r.Usages {
		u := &r.Usages[i]
		if worst == nil || u.Remaining < worst.Remaining {
			worst = u
		}
	}
	return worst
}

// ViolationReporter receives a typed violation when a caller trips a
// limit. The violation monitor satisfies it.
type ViolationReporter interface {
	ReportViolation(violationType, principalID, resource, operation string, details map[string]any)
}

// Limiter enforces fixed-window request limits per caller key.
type Limiter struct {
	limits []Limit
	store  Store
	now    func() time.Time

	// mu serializes check-and-record so concurrent requests cannot
	// slip past a window together.
	mu sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore overrides the default in-memory store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		l.store = s
	}
}

// WithClock overrides time.Now in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New builds a limiter. At least one limit is required; every window
// must be known and every cap positive.
func New(limits []Limit, opts ...Option) (*Limiter, error) {
	if len(limits) == 0 {
		return nil, fmt.Errorf("at least one limit is required")
	}
	for _, lim := range limits {
		if lim.Window.Duration() <= 0 {
			return nil, fmt.Errorf("unknown rate limit window %q", lim.Window)
		}
		if lim.Max <= 0 {
			return nil, fmt.Errorf("rate limit for %s window must be positive, got %d", lim.Window, lim.Max)
		}
	}

	l := &Limiter{
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l, nil
}

// Limits returns the configured limits.
func (l *Limiter) Limits() []Limit {
	out := make([]Limit, len(l.limits))
	copy(out, l.limits)
	return out
}

// Allow admits one request for key, recording it in every window, or
// rejects it without recording when any window is exhausted.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, fmt.Errorf("rate limit key cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := &Result{Allowed: true, Usages: make([]Usage, 0, len(l.limits))}

	counts := make([]int64, len(l.limits))
	ends := make([]time.Time, len(l.limits))
	var earliestRetry time.Time

	for i, lim := range l.limits {
		current, windowEnd, err := l.store.Usage(ctx, key, lim.Window)
		if err != nil {
			return nil, fmt.Errorf("failed to read usage for %s window: %w", lim.Window, err)
		}
		if !windowEnd.After(now) {
			current = 0
			windowEnd = now.Add(lim.Window.Duration())
		}
		counts[i], ends[i] = current, windowEnd

		if current+1 > lim.Max {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("%s window limit exceeded (%d/%d)", lim.Window, current, lim.Max)
			}
			if earliestRetry.IsZero() || windowEnd.Before(earliestRetry) {
				earliestRetry = windowEnd
			}
		}
	}

	if !result.Allowed {
		for i, lim := range l.limits {
			result.Usages = append(result.Usages, usageFor(lim, counts[i], ends[i]))
		}
		if wait := earliestRetry.Sub(now); wait > 0 {
			result.RetryAfter = wait
		}
		return result, nil
	}

	for i, lim := range l.limits {
		current, windowEnd, err := l.store.Increment(ctx, key, lim.Window, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to record usage for %s window: %w", lim.Window, err)
		}
		counts[i], ends[i] = current, windowEnd
		result.Usages = append(result.Usages, usageFor(lim, current, windowEnd))
	}

	return result, nil
}

// Check reports the standing for key without recording a request.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, fmt.Errorf("rate limit key cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := &Result{Allowed: true, Usages: make([]Usage, 0, len(l.limits))}
	var earliestRetry time.Time

	for _, lim := range l.limits {
		current, windowEnd, err := l.store.Usage(ctx, key, lim.Window)
		if err != nil {
			return nil, fmt.Errorf("failed to read usage for %s window: %w", lim.Window, err)
		}
		if !windowEnd.After(now) {
			current = 0
			windowEnd = now.Add(lim.Window.Duration())
		}
		result.Usages = append(result.Usages, usageFor(lim, current, windowEnd))

		if current >= lim.Max {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("%s window limit exceeded (%d/%d)", lim.Window, current, lim.Max)
			}
			if earliestRetry.IsZero() || windowEnd.Before(earliestRetry) {
				earliestRetry = windowEnd
			}
		}
	}

	if !result.Allowed {
		if wait := earliestRetry.Sub(now); wait > 0 {
			result.RetryAfter = wait
		}
	}
	return result, nil
}

// Reset drops all windows for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("rate limit key cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Reset(ctx, key)
}

// DeleteExpired drops windows that ended before the cutoff. Call it
// periodically to keep the store from accumulating idle callers.
func (l *Limiter) DeleteExpired(ctx context.Context, cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.DeleteExpired(ctx, cutoff)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func usageFor(lim Limit, current int64, windowEnd time.Time) Usage {
	remaining := lim.Max - current
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Window:    lim.Window,
		Current:   current,
		Max:       lim.Max,
		Remaining: remaining,
		WindowEnd: windowEnd,
	}
}
