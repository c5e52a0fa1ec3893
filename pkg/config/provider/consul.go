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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// consulWaitTime bounds each blocking query so the watch loop can notice
// context cancellation.
const consulWaitTime = 5 * time.Minute

// ConsulProvider loads config from a consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	client *api.Client
	key    string

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewConsulProvider creates a provider reading the given KV key. An empty
// address uses the consul client's standard defaults (CONSUL_HTTP_ADDR or
// localhost:8500).
func NewConsulProvider(address, key string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{client: client, key: key}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the KV key.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch polls the key with blocking queries and signals on modify-index
// changes.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	ch := make(chan struct{}, 1)
	go p.watchLoop(watchCtx, ch)

	slog.Info("Watching consul key", "key", p.key)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		opts := &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  consulWaitTime,
		}
		pair, meta, err := p.client.KV().Get(p.key, opts.WithContext(ctx))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consul watch error", "key", p.key, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		// First pass primes the index without signalling: the caller
		// already loaded the current value.
		if lastIndex == 0 {
			lastIndex = meta.LastIndex
			continue
		}
		// Index going backwards means the key was reset; start over.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		if meta.LastIndex == lastIndex || pair == nil {
			lastIndex = meta.LastIndex
			continue
		}
		lastIndex = meta.LastIndex

		select {
		case ch <- struct{}{}:
			slog.Debug("Consul key changed", "key", p.key)
		default:
			// Change already pending
		}
	}
}

// Close stops watching. The consul client itself holds no connections that
// need closing.
func (p *ConsulProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return nil
}

// Ensure ConsulProvider implements Provider
var _ Provider = (*ConsulProvider)(nil)
