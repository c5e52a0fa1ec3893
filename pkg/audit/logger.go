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

// Package audit records security-relevant events as tamper-evident entries.
//
// Entries carry a per-node gap-free sequence number and an HMAC-SHA256
// checksum. The logger buffers up to MaxBufferSize entries and flushes on
// buffer-full or every FlushInterval to the configured destinations
// (structured log, daily JSON-lines file, syslog).
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxBufferSize = 100
	DefaultFlushInterval = 30 * time.Second
)

// Config configures an audit Logger.
type Config struct {
	// NodeID identifies this node in every entry.
	NodeID string

	// Secret is the HMAC key for entry checksums.
	Secret []byte

	// MaxBufferSize caps the in-memory buffer; reaching it triggers an
	// immediate synchronous flush.
	MaxBufferSize int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration

	// Destinations receive flushed batches. At least one is required for
	// persistence; with none configured entries are still sequenced and
	// verifiable in the buffer.
	Destinations []Destination

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Logger buffers and flushes audit entries. All methods are safe for
// concurrent use; sequence numbers are linearised by the internal mutex.
type Logger struct {
	nodeID        string
	secret        []byte
	maxBufferSize int
	flushInterval time.Duration
	destinations  []Destination
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	buffer []Entry
	seq    uint64

	flushes     atomic.Uint64
	flushErrors atomic.Uint64
	dropped     atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Logger and starts its periodic flush loop.
func New(cfg Config) *Logger {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Logger{
		nodeID:        cfg.NodeID,
		secret:        append([]byte(nil), cfg.Secret...),
		maxBufferSize: cfg.MaxBufferSize,
		flushInterval: cfg.FlushInterval,
		destinations:  cfg.Destinations,
		logger:        cfg.Logger,
		now:           func() time.Time { return time.Now().UTC() },
		buffer:        make([]Entry, 0, cfg.MaxBufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Log buffers an entry. When the buffer reaches capacity the whole buffer
// is flushed synchronously before Log returns.
func (l *Logger) Log(eventType, principalID string, details map[string]any) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.nextEntryLocked(eventType, principalID, details)
	l.buffer = append(l.buffer, entry)
	if len(l.buffer) >= l.maxBufferSize {
		l.flushLocked()
	}
	return entry
}

// LogSync writes an entry straight to the destinations, bypassing the
// buffer. The sequence counter is shared with Log, so ordering between the
// two paths stays gap-free.
func (l *Logger) LogSync(eventType, principalID string, details map[string]any) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.nextEntryLocked(eventType, principalID, details)
	l.writeLocked([]Entry{entry})
	return entry
}

func (l *Logger) nextEntryLocked(eventType, principalID string, details map[string]any) Entry {
	l.seq++
	entry := Entry{
		Timestamp:      l.now(),
		SequenceNumber: l.seq,
		EventType:      eventType,
		PrincipalID:    principalID,
		Details:        details,
		Node:           l.nodeID,
	}
	entry.Checksum = entry.checksum(l.secret)
	return entry
}

// Flush writes every buffered entry to the destinations.
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

func (l *Logger) flushLocked() {
	if len(l.buffer) == 0 {
		return
	}
	batch := l.buffer
	l.buffer = make([]Entry, 0, l.maxBufferSize)

	if !l.writeLocked(batch) {
		// Every destination refused the batch. Keep what still fits so
		// records are not silently discarded.
		space := l.maxBufferSize - len(l.buffer)
		if space > len(batch) {
			space = len(batch)
		}
		l.buffer = append(l.buffer, batch[:space]...)
		if overflow := len(batch) - space; overflow > 0 {
			l.dropped.Add(uint64(overflow))
			l.logger.Error("audit entries dropped after flush failure", "count", overflow)
		}
	}
}

// writeLocked reports whether at least one destination accepted the batch.
// With no destinations configured the batch is considered accepted.
func (l *Logger) writeLocked(batch []Entry) bool {
	if len(l.destinations) == 0 {
		l.flushes.Add(1)
		return true
	}
	accepted := false
	for _, dest := range l.destinations {
		if err := dest.Write(batch); err != nil {
			l.flushErrors.Add(1)
			l.logger.Error("audit flush failed", "error", err)
			continue
		}
		accepted = true
	}
	if accepted {
		l.flushes.Add(1)
	}
	return accepted
}

// VerifyIntegrity recomputes the checksum of every buffered entry and
// returns the number that fail to match.
func (l *Logger) VerifyIntegrity() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	tampered := 0
	for i := range l.buffer {
		if !l.buffer[i].VerifyChecksum(l.secret) {
			tampered++
		}
	}
	return tampered
}

// ErrorCount totals destination write failures and dropped entries. The
// metrics collector samples it for health scoring.
func (l *Logger) ErrorCount() uint64 {
	return l.flushErrors.Load() + l.dropped.Load()
}

// FlushCount totals accepted destination writes, periodic flushes and
// synchronous entries alike. The metrics collector samples it.
func (l *Logger) FlushCount() uint64 {
	return l.flushes.Load()
}

// Stats reports the logger's counters.
func (l *Logger) Stats() map[string]any {
	l.mu.Lock()
	buffered := len(l.buffer)
	seq := l.seq
	l.mu.Unlock()

	return map[string]any{
		"sequence":     seq,
		"buffered":     buffered,
		"flushes":      l.flushes.Load(),
		"flush_errors": l.flushErrors.Load(),
		"dropped":      l.dropped.Load(),
	}
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stop:
			return
		}
	}
}

// Close stops the flush loop, flushes remaining entries, and closes every
// destination.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
	l.Flush()

	var firstErr error
	for _, dest := range l.destinations {
		if err := dest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
