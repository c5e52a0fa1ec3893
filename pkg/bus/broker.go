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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// publishBuffer sizes the central publish channel.
	publishBuffer = 100

	// subscriberBuffer sizes each subscriber's delivery channel.
	subscriberBuffer = 50
)

// Broker is the in-process Bus. A single dispatch goroutine drains the
// publish channel and fans each message out to the subscribers of its
// topic, dropping for subscribers whose buffers are full.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*brokerSub]struct{}

	eventCh chan Message
	quit    chan struct{}
	done    chan struct{}

	running   atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64

	logger *slog.Logger
}

type brokerSub struct {
	topic string
	ch    chan Message
}

// NewBroker returns a stopped broker. Call Start before publishing.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics:  make(map[string]map[*brokerSub]struct{}),
		eventCh: make(chan Message, publishBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the dispatch goroutine.
func (b *Broker) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	go b.run()
	b.logger.Debug("Event broker started")
}

// Stop terminates dispatch and closes every subscriber channel. Messages
// still queued are discarded.
func (b *Broker) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.quit)
	<-b.done

	b.mu.Lock()
	for _, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[*brokerSub]struct{})
	b.mu.Unlock()
	b.logger.Debug("Event broker stopped")
}

// Close implements Bus.
func (b *Broker) Close() error {
	b.Stop()
	return nil
}

// Publish queues the message for dispatch. It never blocks: when the
// publish channel is full the message is dropped and counted.
func (b *Broker) Publish(msg Message) error {
	if !b.running.Load() {
		return ErrClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- msg:
		b.published.Add(1)
		return nil
	case <-b.quit:
		return ErrClosed
	default:
		b.dropped.Add(1)
		b.logger.Debug("Broker publish channel full, message dropped", "topic", msg.Topic, "type", msg.Type)
		return nil
	}
}

// Subscribe registers a subscriber for topic.
func (b *Broker) Subscribe(topic string) (*Subscription, error) {
	if !b.running.Load() {
		return nil, ErrClosed
	}
	sub := &brokerSub{topic: topic, ch: make(chan Message, subscriberBuffer)}

	b.mu.Lock()
	if !b.running.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*brokerSub]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		C:      sub.ch,
		cancel: func() { b.unsubscribe(sub) },
	}, nil
}

// Request publishes to topic with a one-off reply inbox and waits for the
// first answer.
func (b *Broker) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	inbox := "_inbox:" + uuid.NewString()
	sub, err := b.Subscribe(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(Message{Topic: topic, ReplyTo: inbox, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-sub.C:
		if !ok {
			return nil, ErrClosed
		}
		return reply.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers a request message by publishing to its reply inbox.
func (b *Broker) Reply(msg Message, payload []byte) error {
	if msg.ReplyTo == "" {
		return ErrNoResponders
	}
	return b.Publish(Message{Topic: msg.ReplyTo, Payload: payload})
}

// Stats reports publish and drop counters plus the live subscriber count.
func (b *Broker) Stats() map[string]any {
	b.mu.RLock()
	subscribers := 0
	for _, set := range b.topics {
		subscribers += len(set)
	}
	b.mu.RUnlock()
	return map[string]any{
		"running":          b.running.Load(),
		"published_total":  b.published.Load(),
		"dropped_total":    b.dropped.Load(),
		"subscriber_count": subscribers,
	}
}

func (b *Broker) unsubscribe(sub *brokerSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.ch)
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case msg := <-b.eventCh:
			b.broadcast(msg)
		case <-b.quit:
			return
		}
	}
}

func (b *Broker) broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[msg.Topic] {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full. Delivery is at-most-once, drop.
			b.dropped.Add(1)
		}
	}
}
