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

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SessionState is the durable form of one session, enough to recreate
// it after a restart. Subagents are deliberately excluded: they are
// transient workers respawned on demand.
type SessionState struct {
	ID          string         `json:"id"`
	AgentType   string         `json:"agent_type"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ExportSession returns the durable state of one session.
func (m *Manager) ExportSession(id string) (SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionState{}, false
	}
	return SessionState{
		ID:          rec.id,
		AgentType:   rec.agentType,
		AgentConfig: cloneMeta(rec.agentConfig),
		Metadata:    cloneMeta(rec.metadata),
		CreatedAt:   rec.createdAt,
	}, true
}

// ExportSessions returns the durable state of every live session,
// ordered by creation time.
func (m *Manager) ExportSessions() []SessionState {
	m.mu.RLock()
	out := make([]SessionState, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, SessionState{
			ID:          rec.id,
			AgentType:   rec.agentType,
			AgentConfig: cloneMeta(rec.agentConfig),
			Metadata:    cloneMeta(rec.metadata),
			CreatedAt:   rec.createdAt,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RestoreSessions recreates the given sessions. Sessions whose id is
// already live are skipped, so replaying a snapshot over a running
// manager is safe. Individual failures do not abort the rest.
func (m *Manager) RestoreSessions(ctx context.Context, states []SessionState) error {
	var errs []error
	for _, st := range states {
		if st.ID == "" || st.AgentType == "" {
			errs = append(errs, fmt.Errorf("session state missing id or agent type"))
			continue
		}
		if _, ok := m.Get(st.ID); ok {
			continue
		}
		_, err := m.StartSession(ctx, StartSessionRequest{
			ID:          st.ID,
			AgentType:   st.AgentType,
			AgentConfig: st.AgentConfig,
			Metadata:    st.Metadata,
		})
		if err != nil && !errors.Is(err, ErrSessionExists) {
			errs = append(errs, fmt.Errorf("restoring session %s: %w", st.ID, err))
		}
	}
	return errors.Join(errs...)
}
