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
	"sync"
	"time"
)

// Store persists window counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// Usage returns the current count and window end for key in window.
	// A key that was never counted reports zero with a fresh window.
	Usage(ctx context.Context, key string, w Window) (int64, time.Time, error)

	// Increment adds n to the count for key in window, starting a fresh
	// window when the previous one lapsed. It returns the new count and
	// the window end.
	Increment(ctx context.Context, key string, w Window, n int64) (int64, time.Time, error)

	// Reset drops all windows for key.
	Reset(ctx context.Context, key string) error

	// DeleteExpired drops windows that ended before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// counterKey uniquely identifies one caller's window counter.
type counterKey struct {
	Key    string
	Window Window
}

// counterRecord holds one window's running count.
type counterRecord struct {
	Count     int64
	WindowEnd time.Time
}

// MemoryStore is an in-memory Store for single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[counterKey]*counterRecord
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[counterKey]*counterRecord),
		now:  time.Now,
	}
}

// Usage implements Store.
func (s *MemoryStore) Usage(ctx context.Context, key string, w Window) (int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	record, ok := s.data[counterKey{Key: key, Window: w}]
	if !ok || !record.WindowEnd.After(now) {
		return 0, now.Add(w.Duration()), nil
	}
	return record.Count, record.WindowEnd, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, w Window, n int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ck := counterKey{Key: key, Window: w}
	record, ok := s.data[ck]
	if !ok || !record.WindowEnd.After(now) {
		record = &counterRecord{Count: n, WindowEnd: now.Add(w.Duration())}
		s.data[ck] = record
		return record.Count, record.WindowEnd, nil
	}

	record.Count += n
	return record.Count, record.WindowEnd, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ck := range s.data {
		if ck.Key == key {
			delete(s.data, ck)
		}
	}
	return nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ck, record := range s.data {
		if record.WindowEnd.Before(cutoff) {
			delete(s.data, ck)
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[counterKey]*counterRecord)
	return nil
}

// Size returns the number of live counters.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
