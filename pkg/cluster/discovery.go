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

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// Discovery strategies selectable at init.
const (
	StrategyStatic     = "static"
	StrategyMulticast  = "multicast"
	StrategyKubernetes = "kubernetes"
	StrategyConsul     = "consul"
)

// Multicast defaults.
const (
	DefaultMulticastGroup  = "239.255.72.11:7946"
	DefaultDiscoveryWindow = time.Second

	announcePrefix = "soteria:announce:"
	memberPrefix   = "soteria:member:"
	maxPacket      = 256
)

// ErrNotSupported marks a discovery strategy that is stubbed in this build.
var ErrNotSupported = errors.New("discovery strategy not supported in this build")

// Discovery enumerates cluster member node ids.
type Discovery interface {
	// Discover returns the node ids of known peers, excluding the caller.
	Discover(ctx context.Context) ([]string, error)

	// Name identifies the strategy for logs and stats.
	Name() string
}

// DiscoveryConfig selects and configures a discovery strategy.
type DiscoveryConfig struct {
	// Strategy is one of static, multicast, kubernetes, consul.
	Strategy string

	// Node is this node's id, excluded from results and used in announces.
	Node string

	// Members is the configured peer list for the static strategy.
	Members []string

	// MulticastGroup is the UDP group address for the multicast strategy.
	// Defaults to DefaultMulticastGroup.
	MulticastGroup string

	// ConsulAddress points the consul strategy at an agent. Optional; the
	// client falls back to its standard defaults.
	ConsulAddress string

	// ConsulService is the catalog service name holding cluster members.
	ConsulService string

	// Logger receives discovery logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewDiscovery builds the configured strategy.
func NewDiscovery(cfg DiscoveryConfig) (Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Strategy {
	case StrategyStatic, "":
		return &StaticDiscovery{Members: cfg.Members, Self: cfg.Node}, nil
	case StrategyMulticast:
		group := cfg.MulticastGroup
		if group == "" {
			group = DefaultMulticastGroup
		}
		return NewMulticastDiscovery(group, cfg.Node, cfg.Logger)
	case StrategyKubernetes:
		return &KubernetesDiscovery{logger: cfg.Logger}, nil
	case StrategyConsul:
		return NewConsulDiscovery(cfg.ConsulAddress, cfg.ConsulService, cfg.Node)
	default:
		return nil, fmt.Errorf("unknown discovery strategy %q", cfg.Strategy)
	}
}

// StaticDiscovery returns a configured member list.
type StaticDiscovery struct {
	// Members is the configured peer list.
	Members []string

	// Self is filtered from results.
	Self string
}

// Discover implements Discovery.
func (d *StaticDiscovery) Discover(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		if m != "" && m != d.Self {
			out = append(out, m)
		}
	}
	return out, nil
}

// Name implements Discovery.
func (d *StaticDiscovery) Name() string { return StrategyStatic }

// MulticastDiscovery finds peers over UDP multicast: Discover announces this
// node to the group and collects replies for a short window, while Respond
// answers peer announces. Both sides of the exchange carry plain node ids.
type MulticastDiscovery struct {
	group  *net.UDPAddr
	node   string
	window time.Duration
	logger *slog.Logger
}

// NewMulticastDiscovery builds a multicast strategy on the given group
// address, e.g. "239.255.72.11:7946".
func NewMulticastDiscovery(group, node string, logger *slog.Logger) (*MulticastDiscovery, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolving multicast group %s: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MulticastDiscovery{
		group:  addr,
		node:   node,
		window: DefaultDiscoveryWindow,
		logger: logger,
	}, nil
}

// Discover implements Discovery.
func (d *MulticastDiscovery) Discover(ctx context.Context) ([]string, error) {
	recv, err := net.ListenMulticastUDP("udp4", nil, d.group)
	if err != nil {
		return nil, fmt.Errorf("joining multicast group: %w", err)
	}
	defer recv.Close()

	send, err := net.DialUDP("udp4", nil, d.group)
	if err != nil {
		return nil, fmt.Errorf("opening multicast sender: %w", err)
	}
	defer send.Close()
	if _, err := send.Write([]byte(announcePrefix + d.node)); err != nil {
		return nil, fmt.Errorf("sending announce: %w", err)
	}

	deadline := time.Now().Add(d.window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = recv.SetReadDeadline(deadline)

	seen := make(map[string]struct{})
	buf := make([]byte, maxPacket)
	for {
		n, _, err := recv.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if peer, ok := parsePeerPacket(string(buf[:n])); ok && peer != d.node {
			seen[peer] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for peer := range seen {
		out = append(out, peer)
	}
	return out, nil
}

// Respond answers peer announces until ctx is cancelled. Run it on every
// node using the multicast strategy.
func (d *MulticastDiscovery) Respond(ctx context.Context) error {
	recv, err := net.ListenMulticastUDP("udp4", nil, d.group)
	if err != nil {
		return fmt.Errorf("joining multicast group: %w", err)
	}
	go func() {
		<-ctx.Done()
		recv.Close()
	}()

	send, err := net.DialUDP("udp4", nil, d.group)
	if err != nil {
		recv.Close()
		return fmt.Errorf("opening multicast sender: %w", err)
	}
	defer send.Close()

	buf := make([]byte, maxPacket)
	for {
		n, _, err := recv.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkt := string(buf[:n])
		if peer, found := strings.CutPrefix(pkt, announcePrefix); found && peer != d.node {
			if _, err := send.Write([]byte(memberPrefix + d.node)); err != nil {
				d.logger.Debug("Multicast reply failed", "error", err)
			}
		}
	}
}

// Name implements Discovery.
func (d *MulticastDiscovery) Name() string { return StrategyMulticast }

// parsePeerPacket extracts the node id from an announce or member packet.
func parsePeerPacket(pkt string) (string, bool) {
	if peer, found := strings.CutPrefix(pkt, announcePrefix); found && peer != "" {
		return peer, true
	}
	if peer, found := strings.CutPrefix(pkt, memberPrefix); found && peer != "" {
		return peer, true
	}
	return "", false
}

// KubernetesDiscovery is a stub: pod enumeration needs in-cluster
// credentials and an API client this build does not carry.
type KubernetesDiscovery struct {
	logger *slog.Logger
}

// Discover implements Discovery.
func (d *KubernetesDiscovery) Discover(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: kubernetes", ErrNotSupported)
}

// Name implements Discovery.
func (d *KubernetesDiscovery) Name() string { return StrategyKubernetes }

// ConsulDiscovery enumerates members from a consul catalog service.
type ConsulDiscovery struct {
	client  *api.Client
	service string
	node    string
}

// NewConsulDiscovery connects to a consul agent. An empty address uses the
// client's standard defaults.
func NewConsulDiscovery(address, service, node string) (*ConsulDiscovery, error) {
	if service == "" {
		return nil, fmt.Errorf("consul discovery requires a service name")
	}
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	return &ConsulDiscovery{client: client, service: service, node: node}, nil
}

// Discover implements Discovery: passing instances of the service.
func (d *ConsulDiscovery) Discover(ctx context.Context) ([]string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := d.client.Health().Service(d.service, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("querying consul service %s: %w", d.service, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		id := e.Service.ID
		if id == "" {
			id = e.Node.Node
		}
		if id != "" && id != d.node {
			out = append(out, id)
		}
	}
	return out, nil
}

// Register advertises this node as a service instance.
func (d *ConsulDiscovery) Register(ctx context.Context) error {
	reg := &api.AgentServiceRegistration{
		ID:   d.node,
		Name: d.service,
		Tags: []string{"soteria"},
	}
	if err := d.client.Agent().ServiceRegisterOpts(reg, (api.ServiceRegisterOpts{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("registering with consul: %w", err)
	}
	return nil
}

// Deregister withdraws this node's service instance.
func (d *ConsulDiscovery) Deregister() error {
	if err := d.client.Agent().ServiceDeregister(d.node); err != nil {
		return fmt.Errorf("deregistering from consul: %w", err)
	}
	return nil
}

// Name implements Discovery.
func (d *ConsulDiscovery) Name() string { return StrategyConsul }
