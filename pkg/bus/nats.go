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

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is the cluster Bus backed by a NATS connection. Messages travel
// as JSON envelopes on the subject named by Message.Topic; request-reply
// maps onto native NATS inboxes.
type NATSBus struct {
	conn   *nats.Conn
	node   string
	logger *slog.Logger
}

// NATSConfig configures a cluster bus connection.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// Node identifies this node in published envelopes.
	Node string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ConnectNATS establishes the cluster bus connection. The connection
// retries on failure and reconnects indefinitely.
func ConnectNATS(cfg NATSConfig) (*NATSBus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("soteria-"+cfg.Node),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info("Connected to NATS", "url", cfg.URL, "node", cfg.Node)
	return &NATSBus{conn: conn, node: cfg.Node, logger: logger}, nil
}

// Publish implements Bus.
func (n *NATSBus) Publish(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Node == "" {
		msg.Node = n.node
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if err := n.conn.Publish(msg.Topic, data); err != nil {
		return translateNATSErr(err)
	}
	return nil
}

// Subscribe implements Bus. Messages that fail to decode are dropped with
// a warning; a slow consumer loses messages rather than blocking the
// connection.
func (n *NATSBus) Subscribe(topic string) (*Subscription, error) {
	ch := make(chan Message, subscriberBuffer)
	sub, err := n.conn.Subscribe(topic, func(m *nats.Msg) {
		msg, err := decodeNATSMsg(m)
		if err != nil {
			n.logger.Warn("Dropping undecodable bus message", "topic", topic, "error", err)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
	if err != nil {
		return nil, translateNATSErr(err)
	}
	return &Subscription{
		C: ch,
		// The channel stays open: a handler may be in flight when
		// interest is removed, so closing here could panic a send.
		cancel: func() { _ = sub.Unsubscribe() },
	}, nil
}

// Request implements Bus using native NATS request-reply.
func (n *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	req := Message{Topic: topic, Node: n.node, Payload: payload, Timestamp: time.Now()}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding bus request: %w", err)
	}
	resp, err := n.conn.RequestWithContext(ctx, topic, data)
	if err != nil {
		return nil, translateNATSErr(err)
	}
	reply, err := decodeNATSMsg(resp)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// Reply implements Bus, answering on the request's native reply subject.
func (n *NATSBus) Reply(msg Message, payload []byte) error {
	if msg.ReplyTo == "" {
		return ErrNoResponders
	}
	return n.Publish(Message{Topic: msg.ReplyTo, Payload: payload})
}

// Close drains the connection so in-flight handlers finish.
func (n *NATSBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return translateNATSErr(err)
	}
	return nil
}

func decodeNATSMsg(m *nats.Msg) (Message, error) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding bus message: %w", err)
	}
	msg.Topic = m.Subject
	if m.Reply != "" {
		msg.ReplyTo = m.Reply
	}
	return msg, nil
}

func translateNATSErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrNoResponders, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

var (
	_ Bus = (*Broker)(nil)
	_ Bus = (*NATSBus)(nil)
)
