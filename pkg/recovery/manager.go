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

package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
)

// Defaults applied by New when the corresponding field is zero.
const (
	// DefaultInterval is the cadence of periodic snapshots.
	DefaultInterval = 5 * time.Minute

	// DefaultKeep is how many snapshots are retained, newest first.
	DefaultKeep = 24

	// DefaultMaxAge is the oldest a snapshot may be and still restore.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Maintenance event types published on bus.TopicSystemMaintenance.
const (
	EventBackupCreated     = "backup_created"
	EventRecoveryCompleted = "recovery_completed"
)

// Config configures a Manager.
type Config struct {
	// Dir is the backup directory. Required.
	Dir string

	// Node stamps snapshots with their origin. Required.
	Node string

	// Providers map each component to its state source. At least one is
	// required; cold recovery restores every configured component.
	Providers map[Component]StateProvider

	// Bus receives backup and recovery events. Optional.
	Bus bus.Bus

	// Interval is the snapshot cadence. Defaults to DefaultInterval.
	Interval time.Duration

	// Keep bounds retained snapshots. Defaults to DefaultKeep.
	Keep int

	// MaxAge bounds restorable snapshot age. Defaults to DefaultMaxAge.
	MaxAge time.Duration

	// Logger receives manager logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Manager takes periodic snapshots and restores them on demand.
type Manager struct {
	node      string
	providers map[Component]StateProvider
	store     *storage
	bus       bus.Bus
	interval  time.Duration
	keep      int
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	snapMu sync.Mutex

	snapshots  atomic.Uint64
	failures   atomic.Uint64
	recoveries atomic.Uint64
	pruned     atomic.Uint64

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New builds a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("recovery manager requires a node id")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("recovery manager requires at least one state provider")
	}
	for component := range cfg.Providers {
		if !knownComponent(component) {
			return nil, fmt.Errorf("unknown recovery component %q", component)
		}
	}
	store, err := newStorage(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		node:      cfg.Node,
		providers: cfg.Providers,
		store:     store,
		bus:       cfg.Bus,
		interval:  cfg.Interval,
		keep:      cfg.Keep,
		maxAge:    cfg.MaxAge,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		quit:      make(chan struct{}),
	}, nil
}

func knownComponent(c Component) bool {
	for _, known := range restoreOrder {
		if c == known {
			return true
		}
	}
	return false
}

// Start takes an immediate snapshot and begins the periodic loop.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.SnapshotNow(ctx); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	m.wg.Add(1)
	go m.run()
	return nil
}

// Close stops the snapshot loop. Stored backups remain on disk.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			if _, err := m.SnapshotNow(ctx); err != nil {
				m.logger.Error("Periodic snapshot failed", "error", err)
			}
			cancel()
		case <-m.quit:
			return
		}
	}
}

// SnapshotNow exports every configured component and writes one snapshot.
// A failing export aborts the whole snapshot: a backup missing a section
// could not serve a cold recovery.
func (m *Manager) SnapshotNow(ctx context.Context) (Info, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	createdAt := m.now().UTC()
	snap := Snapshot{
		Version:    snapshotVersion,
		Node:       m.node,
		CreatedAt:  createdAt.Format(time.RFC3339Nano),
		Components: make(map[Component]json.RawMessage, len(m.providers)),
	}
	for _, component := range restoreOrder {
		provider, ok := m.providers[component]
		if !ok {
			continue
		}
		state, err := provider.ExportState(ctx)
		if err != nil {
			m.failures.Add(1)
			return Info{}, fmt.Errorf("exporting %s state: %w", component, err)
		}
		raw, err := json.Marshal(state)
		if err != nil {
			m.failures.Add(1)
			return Info{}, fmt.Errorf("encoding %s state: %w", component, err)
		}
		snap.Components[component] = raw
	}

	info, err := m.store.save(snap, createdAt)
	if err != nil {
		m.failures.Add(1)
		return Info{}, err
	}
	m.snapshots.Add(1)

	if deleted, err := m.store.prune(m.keep); err != nil {
		m.logger.Warn("Backup pruning failed", "error", err)
	} else if deleted > 0 {
		m.pruned.Add(uint64(deleted))
	}

	m.publish(EventBackupCreated, map[string]any{
		"backup_id":  info.ID,
		"components": len(snap.Components),
		"size_bytes": info.SizeBytes,
	})
	m.logger.Info("Snapshot written", "backup_id", info.ID, "components", len(snap.Components))
	return info, nil
}

// Backups lists stored snapshots, newest first.
func (m *Manager) Backups() ([]Info, error) {
	return m.store.list()
}

// Latest returns the newest stored snapshot.
func (m *Manager) Latest() (Info, error) {
	infos, err := m.store.list()
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, ErrNoBackups
	}
	return infos[0], nil
}

// ColdRecovery restores every configured component from the named backup,
// in priority order. An empty id restores from the newest backup.
func (m *Manager) ColdRecovery(ctx context.Context, backupID string) error {
	components := make([]Component, 0, len(m.providers))
	for _, component := range restoreOrder {
		if _, ok := m.providers[component]; ok {
			components = append(components, component)
		}
	}
	return m.recover(ctx, backupID, components, "cold")
}

// PartialRecovery restores only the named components from the backup,
// still in priority order.
func (m *Manager) PartialRecovery(ctx context.Context, backupID string, components []Component) error {
	if len(components) == 0 {
		return fmt.Errorf("partial recovery requires at least one component")
	}
	requested := make(map[Component]bool, len(components))
	for _, component := range components {
		if !knownComponent(component) {
			return fmt.Errorf("unknown recovery component %q", component)
		}
		if _, ok := m.providers[component]; !ok {
			return fmt.Errorf("no provider configured for component %q", component)
		}
		requested[component] = true
	}
	ordered := make([]Component, 0, len(requested))
	for _, component := range restoreOrder {
		if requested[component] {
			ordered = append(ordered, component)
		}
	}
	return m.recover(ctx, backupID, ordered, "partial")
}

func (m *Manager) recover(ctx context.Context, backupID string, components []Component, mode string) error {
	if backupID == "" {
		latest, err := m.Latest()
		if err != nil {
			return err
		}
		backupID = latest.ID
	}

	snap, err := m.store.load(backupID)
	if err != nil {
		return err
	}
	if _, err := snap.verify(m.now(), m.maxAge); err != nil {
		return err
	}
	for _, component := range components {
		if _, ok := snap.Components[component]; !ok {
			return fmt.Errorf("%w: no %s section in %s", ErrMissingFields, component, backupID)
		}
	}

	for _, component := range components {
		if err := m.providers[component].RestoreState(ctx, snap.Components[component]); err != nil {
			return fmt.Errorf("restoring %s from %s: %w", component, backupID, err)
		}
		m.logger.Info("Component restored", "component", component, "backup_id", backupID)
	}

	m.recoveries.Add(1)
	m.publish(EventRecoveryCompleted, map[string]any{
		"backup_id":  backupID,
		"mode":       mode,
		"components": componentNames(components),
	})
	return nil
}

func componentNames(components []Component) []string {
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = string(c)
	}
	return names
}

// Stats reports snapshot and recovery counters.
func (m *Manager) Stats() map[string]any {
	return map[string]any{
		"node":              m.node,
		"snapshots_taken":   m.snapshots.Load(),
		"snapshot_failures": m.failures.Load(),
		"recoveries":        m.recoveries.Load(),
		"backups_pruned":    m.pruned.Load(),
		"keep":              m.keep,
		"interval_seconds":  m.interval.Seconds(),
	}
}

type maintenanceEvent struct {
	Type      string         `json:"type"`
	Node      string         `json:"node"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (m *Manager) publish(eventType string, details map[string]any) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(maintenanceEvent{
		Type:      eventType,
		Node:      m.node,
		Details:   details,
		Timestamp: m.now(),
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(bus.Message{Topic: bus.TopicSystemMaintenance, Type: eventType, Node: m.node, Payload: payload})
}
