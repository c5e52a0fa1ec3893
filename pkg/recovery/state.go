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

// Package recovery takes periodic JSON snapshots of component state and
// restores them after a cold start or a partial loss.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Component names a snapshot section.
type Component string

const (
	ComponentSecurity Component = "security"
	ComponentConfig   Component = "config"
	ComponentAgents   Component = "agents"
	ComponentSessions Component = "sessions"
)

// restoreOrder fixes restoration priority: the kernel's capability state
// must exist before config reapplies policy, and agents before the sessions
// that reference them.
var restoreOrder = []Component{ComponentSecurity, ComponentConfig, ComponentAgents, ComponentSessions}

// Typed failures, mirrored onto the HTTP error kinds.
var (
	// ErrNoBackups means the backup directory holds no snapshots.
	ErrNoBackups = errors.New("no backups found")

	// ErrBackupNotFound means no snapshot with that id exists.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupTooOld means the snapshot's age exceeds the restore limit.
	ErrBackupTooOld = errors.New("backup too old")

	// ErrMissingFields means a required component section is absent.
	ErrMissingFields = errors.New("backup missing required fields")

	// ErrMissingMetadata means the snapshot header is incomplete.
	ErrMissingMetadata = errors.New("backup missing metadata")

	// ErrInvalidTimestamp means the snapshot's created_at does not parse.
	ErrInvalidTimestamp = errors.New("backup timestamp invalid")
)

// StateProvider exports one component's durable state and restores it.
// ExportState returns any JSON-marshallable value; RestoreState receives
// the raw section bytes and owns decoding them.
type StateProvider interface {
	ExportState(ctx context.Context) (any, error)
	RestoreState(ctx context.Context, state json.RawMessage) error
}

// snapshotVersion is written into every snapshot header.
const snapshotVersion = 1

// Snapshot is the on-disk form. CreatedAt stays a string so a malformed
// timestamp is detected at verification rather than rejected at decode.
type Snapshot struct {
	Version    int                           `json:"version"`
	Node       string                        `json:"node"`
	CreatedAt  string                        `json:"created_at"`
	Components map[Component]json.RawMessage `json:"components"`
}

// verify checks the snapshot header and age before any restoration.
func (s *Snapshot) verify(now time.Time, maxAge time.Duration) (time.Time, error) {
	if s.Version == 0 || s.Node == "" {
		return time.Time{}, ErrMissingMetadata
	}
	if s.CreatedAt == "" {
		return time.Time{}, fmt.Errorf("%w: no created_at", ErrMissingMetadata)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s.CreatedAt)
	}
	if age := now.Sub(createdAt); age > maxAge {
		return time.Time{}, fmt.Errorf("%w: %s old, limit %s", ErrBackupTooOld, age.Round(time.Second), maxAge)
	}
	if len(s.Components) == 0 {
		return time.Time{}, fmt.Errorf("%w: no components", ErrMissingFields)
	}
	return createdAt, nil
}

// Info describes one stored backup.
type Info struct {
	// ID is the snapshot's file name, used to address recoveries.
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}
