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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLimiter builds a limiter and store sharing one adjustable clock.
func testLimiter(t *testing.T, limits []Limit, now *time.Time) (*Limiter, *MemoryStore) {
	t.Helper()
	clock := func() time.Time { return *now }
	store := NewMemoryStore()
	store.now = clock
	l, err := New(limits, WithStore(store), WithClock(clock))
	require.NoError(t, err)
	return l, store
}

func TestNewValidatesLimits(t *testing.T) {
	_, err := New(nil)
	assert.ErrorContains(t, err, "at least one limit")

	_, err = New([]Limit{{Window: "fortnight", Max: 10}})
	assert.ErrorContains(t, err, "unknown rate limit window")

	_, err = New([]Limit{{Window: WindowMinute, Max: 0}})
	assert.ErrorContains(t, err, "must be positive")
}

func TestAllowCountsPerWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 2}}, &now)
	ctx := context.Background()

	first, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Usages[0].Current)
	assert.Equal(t, int64(1), first.Usages[0].Remaining)

	second, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(0), second.Usages[0].Remaining)

	third, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Contains(t, third.Reason, "minute window limit exceeded")
	assert.Greater(t, third.RetryAfter, time.Duration(0))

	// The rejected request must not consume quota.
	standing, err := l.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), standing.Usages[0].Current)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 1}}, &now)
	ctx := context.Background()

	first, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	blocked, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestWindowLapseReopens(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 1}}, &now)
	ctx := context.Background()

	first, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	blocked, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	now = now.Add(61 * time.Second)

	reopened, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, reopened.Allowed)
	assert.Equal(t, int64(1), reopened.Usages[0].Current)
}

func TestAllowChecksEveryWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{
		{Window: WindowMinute, Max: 10},
		{Window: WindowHour, Max: 2},
	}, &now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// Minute has room, hour does not.
	blocked, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)
	assert.Contains(t, blocked.Reason, "hour window")

	// A new minute does not help while the hour window stands.
	now = now.Add(2 * time.Minute)
	blocked, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)
}

func TestCheckDoesNotRecord(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 5}}, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(0), res.Usages[0].Current)
	}
}

func TestReset(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 1}}, &now)
	ctx := context.Background()

	_, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx, "10.0.0.1"))

	reopened, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, reopened.Allowed)

	blocked, err := l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)
}

func TestDeleteExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, store := testLimiter(t, []Limit{{Window: WindowMinute, Max: 5}}, &now)
	ctx := context.Background()

	_, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Size())

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.DeleteExpired(ctx, now))
	assert.Equal(t, 0, store.Size())
}

func TestMostRestrictive(t *testing.T) {
	res := &Result{Usages: []Usage{
		{Window: WindowMinute, Max: 10, Remaining: 7},
		{Window: WindowHour, Max: 100, Remaining: 3},
	}}
	worst := res.MostRestrictive()
	require.NotNil(t, worst)
	assert.Equal(t, WindowHour, worst.Window)

	empty := &Result{}
	assert.Nil(t, empty.MostRestrictive())
}
