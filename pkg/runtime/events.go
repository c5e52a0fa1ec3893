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

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/revocation"
	"github.com/soteria-run/soteria/pkg/session"
	"github.com/soteria-run/soteria/pkg/violation"
)

// publishAlert fans violation alerts out on the security alert topic.
func (rt *Runtime) publishAlert(alert violation.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	_ = rt.bus.Publish(bus.Message{
		Topic:   bus.TopicSecurityAlerts,
		Type:    "violation_alert",
		Node:    rt.cfg.Node,
		Payload: payload,
	})
}

// broadcastRevocation announces a local revocation to the cluster.
func (rt *Runtime) broadcastRevocation(msg revocation.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = rt.bus.Publish(bus.Message{
		Topic:   bus.TopicSecurityRevocations,
		Type:    "token_revoked",
		Node:    rt.cfg.Node,
		Payload: payload,
	})
}

// announceRotation tells the cluster a new signing key is live so peers
// in remote validation mode refresh early.
func (rt *Runtime) announceRotation(oldKID, newKID string) {
	payload, err := json.Marshal(map[string]string{"old_kid": oldKID, "new_kid": newKID})
	if err != nil {
		return
	}
	_ = rt.bus.Publish(bus.Message{
		Topic:   bus.TopicSystemMaintenance,
		Type:    "key_rotated",
		Node:    rt.cfg.Node,
		Payload: payload,
	})
}

// startEventLoops subscribes the runtime to the topics it reacts to:
// session lifecycle events drive registry membership, revocation
// broadcasts from peers land in the local cache.
func (rt *Runtime) startEventLoops() error {
	sessionSub, err := rt.bus.Subscribe(bus.TopicSystemSessions)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	revocationSub, err := rt.bus.Subscribe(bus.TopicSecurityRevocations)
	if err != nil {
		sessionSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to revocation broadcasts: %w", err)
	}
	rt.subs = append(rt.subs, sessionSub, revocationSub)

	rt.wg.Add(2)
	go rt.sessionEventLoop(sessionSub)
	go rt.revocationLoop(revocationSub)
	return nil
}

type sessionEventPayload struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details"`
}

func (rt *Runtime) sessionEventLoop(sub *bus.Subscription) {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.stopCh:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			// Peers register their own agents; gossip carries them here.
			if msg.Node != "" && msg.Node != rt.cfg.Node {
				continue
			}
			rt.handleSessionEvent(msg)
		}
	}
}

func (rt *Runtime) handleSessionEvent(msg bus.Message) {
	var ev sessionEventPayload
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		rt.logger.Warn("Undecodable session event", "type", msg.Type, "error", err)
		return
	}
	switch ev.Type {
	case session.EventSessionStarted:
		rt.registerLocalAgent(ev.SessionID+"-agent", detailString(ev.Details, "agent_type"), ev.SessionID)
	case session.EventSessionStopped:
		rt.unregisterLocalAgent(ev.SessionID + "-agent")
	case session.EventSubagentSpawned:
		rt.registerLocalAgent(detailString(ev.Details, "subagent_id"), detailString(ev.Details, "agent_type"), ev.SessionID)
	case session.EventSubagentTerminated:
		rt.unregisterLocalAgent(detailString(ev.Details, "subagent_id"))
	}
}

func (rt *Runtime) registerLocalAgent(agentID, agentType, sessionID string) {
	if agentID == "" {
		return
	}
	entry := registry.Entry{
		AgentID:   agentID,
		Node:      rt.cfg.Node,
		Type:      agentType,
		SessionID: sessionID,
	}
	if runner, ok := rt.sessions.AgentRunner(agentID); ok {
		entry.Capabilities = runner.Capabilities()
		if entry.Type == "" {
			entry.Type = runner.Info().Type
		}
		entry.Specialisation = runner.Info().Specialisation
	}
	if err := rt.registry.Register(entry); err != nil {
		rt.logger.Warn("Could not register agent", "agent_id", agentID, "error", err)
	}
}

func (rt *Runtime) unregisterLocalAgent(agentID string) {
	if agentID == "" {
		return
	}
	if err := rt.registry.Unregister(agentID); err != nil {
		rt.logger.Debug("Could not unregister agent", "agent_id", agentID, "error", err)
	}
}

func (rt *Runtime) revocationLoop(sub *bus.Subscription) {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.stopCh:
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			// Self-published revocations are already in the cache.
			if msg.Node == rt.cfg.Node {
				continue
			}
			var rev revocation.Message
			if err := json.Unmarshal(msg.Payload, &rev); err != nil {
				rt.logger.Warn("Undecodable revocation broadcast", "error", err)
				continue
			}
			rt.revocations.Apply(rev.JTI, rev.ExpiresAt)
		}
	}
}

// startMaintenance runs the periodic housekeeping loop: registry load
// refresh for local agents, lapsed rate limit counters, and, when
// configured, idle session reaping.
func (rt *Runtime) startMaintenance() {
	idle := rt.cfg.Sessions.IdleTimeout.Duration()
	interval := rt.cfg.Sessions.ReapInterval.Duration()
	if idle <= 0 {
		interval = rt.cfg.Registry.GossipInterval.Duration()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.stopCh:
				return
			case <-ticker.C:
				rt.refreshLoads()
				rt.sweepRateLimits()
				if idle > 0 {
					rt.reapIdleSessions(idle)
				}
			}
		}
	}()
}

func (rt *Runtime) refreshLoads() {
	for _, s := range rt.sessions.List() {
		runner, ok := rt.sessions.AgentRunner(s.AgentID)
		if !ok || !runner.Running() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		report, err := runner.Status(ctx)
		cancel()
		if err != nil {
			continue
		}
		if err := rt.registry.UpdateLoad(s.AgentID, len(report.ActiveTasks), report.QueueLength); err != nil {
			rt.logger.Debug("Could not refresh agent load", "agent_id", s.AgentID, "error", err)
		}
	}
}

// sweepRateLimits drops lapsed per-client counters so idle callers do
// not accumulate store entries.
func (rt *Runtime) sweepRateLimits() {
	if rt.limiter == nil {
		return
	}
	now := time.Now()
	if rt.clock != nil {
		now = rt.clock()
	}
	if err := rt.limiter.DeleteExpired(context.Background(), now); err != nil {
		rt.logger.Debug("Could not sweep rate limit counters", "error", err)
	}
}

func (rt *Runtime) reapIdleSessions(idleFor time.Duration) {
	for _, s := range rt.sessions.IdleSessions(idleFor) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rt.sessions.StopSession(ctx, s.ID)
		cancel()
		if err != nil {
			rt.logger.Warn("Could not reap idle session", "session_id", s.ID, "error", err)
			continue
		}
		rt.logger.Info("Reaped idle session", "session_id", s.ID, "idle_for", idleFor)
	}
}

func detailString(details map[string]any, key string) string {
	v, _ := details[key].(string)
	return v
}
