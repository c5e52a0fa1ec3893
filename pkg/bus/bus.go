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

// Package bus provides at-most-once topic pub/sub with request-reply.
//
// Two implementations share one message envelope: an in-process Broker for
// single-node deployments and a NATS-backed bus for clusters. Delivery is
// at-most-once with per-subscriber buffers; subscribers that fall behind
// lose messages. FIFO holds per publisher, subscriber, and topic triple.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Well-known topics.
const (
	// TopicAgents carries agent lifecycle events for all agents.
	TopicAgents = "agents"

	// TopicSecurityAlerts carries violation alerts.
	TopicSecurityAlerts = "security:alerts"

	// TopicSecurityRevocations carries token revocation broadcasts.
	TopicSecurityRevocations = "security:revocations"

	// TopicSecurityAudit carries audit event notifications.
	TopicSecurityAudit = "security:audit"

	// TopicSystemMaintenance carries cluster heartbeats and maintenance
	// notices.
	TopicSystemMaintenance = "system:maintenance"

	// TopicSystemSessions carries session lifecycle events.
	TopicSystemSessions = "system:sessions"
)

// TopicAgent is the per-agent event topic.
func TopicAgent(agentID string) string { return "agent:" + agentID }

// TopicSession is the per-session event topic.
func TopicSession(sessionID string) string { return "session:" + sessionID }

// DefaultRequestTimeout applies to Request calls whose context has no
// deadline.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrClosed indicates the bus was closed.
	ErrClosed = errors.New("bus closed")

	// ErrNoResponders indicates a request reached no subscriber.
	ErrNoResponders = errors.New("no responders on subject")
)

// Message is the unit of delivery.
type Message struct {
	// Topic names the channel the message was published on.
	Topic string `json:"topic"`

	// Type tags the payload for dispatch without decoding it.
	Type string `json:"type,omitempty"`

	// Node identifies the publishing node, when relevant.
	Node string `json:"node,omitempty"`

	// ReplyTo carries the reply topic for request messages.
	ReplyTo string `json:"reply_to,omitempty"`

	// Payload is the JSON-encoded body.
	Payload []byte `json:"payload,omitempty"`

	// Timestamp is stamped at publish when zero.
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the pub/sub surface shared by the in-process Broker and the NATS
// bus.
type Bus interface {
	// Publish sends the message to current subscribers of its topic.
	Publish(msg Message) error

	// Subscribe starts receiving messages published to topic.
	Subscribe(topic string) (*Subscription, error)

	// Request publishes to topic and waits for a single reply. Without a
	// context deadline DefaultRequestTimeout applies.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Reply answers a request message received from a subscription.
	Reply(msg Message, payload []byte) error

	// Close releases the bus. Subscriptions stop receiving.
	Close() error
}

// Subscription is a live topic subscription. Receive from C with a select
// against your own shutdown signal: after Unsubscribe no further messages
// arrive, but C is not guaranteed to be closed on every implementation.
type Subscription struct {
	// C delivers messages in publish order per publisher.
	C <-chan Message

	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
