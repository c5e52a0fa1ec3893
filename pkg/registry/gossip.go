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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
)

// LocalResolver resolves agent ids hosted on this node to live targets.
type LocalResolver interface {
	ResolveAgent(agentID string) (agent.MessageTarget, bool)
}

// ResolverFunc adapts a function to LocalResolver.
type ResolverFunc func(agentID string) (agent.MessageTarget, bool)

// ResolveAgent implements LocalResolver.
func (f ResolverFunc) ResolveAgent(agentID string) (agent.MessageTarget, bool) { return f(agentID) }

// gossipState is one replica's full view, tombstones included.
type gossipState struct {
	Node    string  `json:"node"`
	Entries []Entry `json:"entries"`
}

// mailPayload is an agent-to-agent message in transit.
type mailPayload struct {
	From string         `json:"from"`
	Body map[string]any `json:"body"`
}

func topicAgentMail(agentID string) string { return "agent:" + agentID + ":mail" }

// Start joins gossip and begins periodic state broadcasts. It is a no-op
// without a bus.
func (r *Registry) Start() error {
	if r.bus == nil {
		return nil
	}
	sub, err := r.bus.Subscribe(TopicRegistry)
	if err != nil {
		return fmt.Errorf("subscribing to registry gossip: %w", err)
	}
	r.gossipSub = sub
	r.wg.Add(1)
	go r.gossipLoop(sub)
	r.logger.Info("Registry gossip started", "node", r.node, "interval", r.gossipEvery)
	return nil
}

// Close leaves gossip, stops mail delivery, and rejects further mutations.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, ms := range r.mail {
		ms.sub.Unsubscribe()
		close(ms.stop)
		delete(r.mail, id)
	}
	gossipSub := r.gossipSub
	r.mu.Unlock()

	close(r.quit)
	if gossipSub != nil {
		gossipSub.Unsubscribe()
	}
	r.wg.Wait()
	return nil
}

func (r *Registry) gossipLoop(sub *bus.Subscription) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.gossipEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Broadcast(); err != nil {
				r.logger.Debug("Gossip broadcast failed", "error", err)
			}
			r.mu.Lock()
			r.gcLocked()
			r.mu.Unlock()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			r.handleGossip(msg)
		case <-r.quit:
			return
		}
	}
}

// Broadcast publishes this replica's full state, tombstones included, so
// peers can converge without waiting for the next tick.
func (r *Registry) Broadcast() error {
	if r.bus == nil {
		return nil
	}
	r.mu.RLock()
	state := gossipState{Node: r.node, Entries: make([]Entry, 0, len(r.entries))}
	for _, e := range r.entries {
		state.Entries = append(state.Entries, e)
	}
	r.mu.RUnlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding gossip state: %w", err)
	}
	err = r.bus.Publish(bus.Message{
		Topic:     TopicRegistry,
		Type:      "registry_state",
		Node:      r.node,
		Payload:   payload,
		Timestamp: r.now(),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.gossiped++
	r.mu.Unlock()
	return nil
}

func (r *Registry) handleGossip(msg bus.Message) {
	if msg.Node == r.node {
		return
	}
	var state gossipState
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		r.logger.Warn("Dropping malformed gossip", "error", err)
		return
	}
	if state.Node == r.node {
		return
	}
	applied := 0
	for _, e := range state.Entries {
		if r.mergeEntry(e) {
			applied++
		}
	}
	if applied > 0 {
		r.logger.Debug("Gossip merged", "from", state.Node, "entries", applied)
	}
}

// Route resolves an agent id to a deliverable target: the live local runner
// for agents on this node, or a bus-backed relay for remote ones.
func (r *Registry) Route(ctx context.Context, agentID string) (agent.MessageTarget, error) {
	e, err := r.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	if e.Node == r.node {
		if r.resolver == nil {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		target, ok := r.resolver.ResolveAgent(agentID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return target, nil
	}
	if r.bus == nil {
		return nil, fmt.Errorf("%w: %s is on node %s and no bus is configured", ErrAgentNotFound, agentID, e.Node)
	}
	return &remoteTarget{registry: r, agentID: e.AgentID}, nil
}

var _ agent.MessageRouter = (*Registry)(nil)

// remoteTarget relays messages to an agent hosted on another node.
type remoteTarget struct {
	registry *Registry
	agentID  string
}

// Deliver implements agent.MessageTarget over the bus.
func (t *remoteTarget) Deliver(from string, msg map[string]any) error {
	payload, err := json.Marshal(mailPayload{From: from, Body: msg})
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", t.agentID, err)
	}
	return t.registry.bus.Publish(bus.Message{
		Topic:     topicAgentMail(t.agentID),
		Type:      "agent_message",
		Node:      t.registry.node,
		Payload:   payload,
		Timestamp: t.registry.now(),
	})
}

// mailSub is one local agent's mail subscription.
type mailSub struct {
	sub  *bus.Subscription
	stop chan struct{}
}

// subscribeMailLocked starts mail delivery for a locally hosted agent.
func (r *Registry) subscribeMailLocked(agentID string) {
	if r.bus == nil || r.resolver == nil {
		return
	}
	if _, ok := r.mail[agentID]; ok {
		return
	}
	sub, err := r.bus.Subscribe(topicAgentMail(agentID))
	if err != nil {
		r.logger.Warn("Mail subscription failed", "agent_id", agentID, "error", err)
		return
	}
	ms := &mailSub{sub: sub, stop: make(chan struct{})}
	r.mail[agentID] = ms
	r.wg.Add(1)
	go r.deliverMail(agentID, ms)
}

func (r *Registry) unsubscribeMailLocked(agentID string) {
	ms, ok := r.mail[agentID]
	if !ok {
		return
	}
	ms.sub.Unsubscribe()
	close(ms.stop)
	delete(r.mail, agentID)
}

func (r *Registry) deliverMail(agentID string, ms *mailSub) {
	defer r.wg.Done()
	for {
		select {
		case msg, ok := <-ms.sub.C:
			if !ok {
				return
			}
			var m mailPayload
			if err := json.Unmarshal(msg.Payload, &m); err != nil {
				r.logger.Warn("Dropping malformed agent message", "agent_id", agentID, "error", err)
				continue
			}
			target, ok := r.resolver.ResolveAgent(agentID)
			if !ok {
				r.logger.Warn("Mail for unresolvable local agent", "agent_id", agentID, "from", m.From)
				continue
			}
			if err := target.Deliver(m.From, m.Body); err != nil {
				r.logger.Warn("Mail delivery failed", "agent_id", agentID, "from", m.From, "error", err)
				continue
			}
			r.mu.Lock()
			r.delivered++
			r.mu.Unlock()
		case <-ms.stop:
			return
		case <-r.quit:
			return
		}
	}
}
