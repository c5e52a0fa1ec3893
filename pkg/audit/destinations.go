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

package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Destination receives flushed audit batches.
type Destination interface {
	// Write persists a batch. A batch is either fully accepted or the
	// error is reported to the logger's failure counter.
	Write(entries []Entry) error

	// Close releases destination resources.
	Close() error
}

// SlogDestination emits entries on the structured logger.
type SlogDestination struct {
	logger *slog.Logger
}

// NewSlogDestination creates a destination writing to logger, or the slog
// default when nil.
func NewSlogDestination(logger *slog.Logger) *SlogDestination {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogDestination{logger: logger}
}

func (d *SlogDestination) Write(entries []Entry) error {
	for _, e := range entries {
		d.logger.Info("audit",
			"seq", e.SequenceNumber,
			"event", e.EventType,
			"principal", e.PrincipalID,
			"node", e.Node,
		)
	}
	return nil
}

func (d *SlogDestination) Close() error { return nil }

// FileDestination appends JSON-lines to one file per UTC day in dir.
// Files are named audit-<YYYY-MM-DD>.jsonl.
type FileDestination struct {
	dir string

	mu      sync.Mutex
	day     string
	current *os.File
}

// NewFileDestination creates the audit directory if needed.
func NewFileDestination(dir string) (*FileDestination, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &FileDestination{dir: dir}, nil
}

func (d *FileDestination) Write(entries []Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		file, err := d.fileFor(e.Timestamp)
		if err != nil {
			return err
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode audit entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := file.Write(line); err != nil {
			return fmt.Errorf("failed to write audit entry: %w", err)
		}
	}
	return nil
}

// fileFor rolls to a new file when the entry's UTC day changes.
func (d *FileDestination) fileFor(ts time.Time) (*os.File, error) {
	day := ts.UTC().Format("2006-01-02")
	if d.current != nil && d.day == day {
		return d.current, nil
	}
	if d.current != nil {
		d.current.Close()
		d.current = nil
	}
	path := filepath.Join(d.dir, "audit-"+day+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	d.day = day
	d.current = file
	return file, nil
}

func (d *FileDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		err := d.current.Close()
		d.current = nil
		return err
	}
	return nil
}

// SyslogDestination forwards entries to the local syslog daemon.
type SyslogDestination struct {
	writer *syslog.Writer
}

// NewSyslogDestination connects to syslog with the given tag.
func NewSyslogDestination(tag string) (*SyslogDestination, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_AUTHPRIV, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}
	return &SyslogDestination{writer: w}, nil
}

func (d *SyslogDestination) Write(entries []Entry) error {
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := d.writer.Info(string(line)); err != nil {
			return err
		}
	}
	return nil
}

func (d *SyslogDestination) Close() error {
	return d.writer.Close()
}
