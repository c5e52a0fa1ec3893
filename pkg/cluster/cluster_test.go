package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/bus"
)

func newTestBus(t *testing.T) *bus.Broker {
	t.Helper()
	b := bus.NewBroker(nil)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func newTestManager(t *testing.T, b *bus.Broker, node string, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		Node:              node,
		Bus:               b,
		HeartbeatInterval: 20 * time.Millisecond,
		NodeTimeout:       120 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerConfig{Bus: bus.NewBroker(nil)})
	require.Error(t, err)
	_, err = NewManager(ManagerConfig{Node: "n1"})
	require.Error(t, err)
}

func TestHeartbeatJoinsPeers(t *testing.T) {
	b := newTestBus(t)
	m1 := newTestManager(t, b, "n1", nil)
	m2 := newTestManager(t, b, "n2", nil)

	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusHealthy && m2.Status("n1") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	members := m1.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "n1", members[0].ID)
	assert.Equal(t, "n2", members[1].ID)
	assert.ElementsMatch(t, []string{"n1", "n2"}, m1.HealthyNodes())
}

func TestHeartbeatCarriesNodeFigures(t *testing.T) {
	b := newTestBus(t)
	m1 := newTestManager(t, b, "n1", nil)
	newTestManager(t, b, "n2", func(cfg *ManagerConfig) {
		cfg.AgentCount = func() int { return 7 }
		cfg.Memory = func() uint64 { return 4096 }
	})

	require.Eventually(t, func() bool {
		for _, n := range m1.Members() {
			if n.ID == "n2" && n.AgentCount == 7 && n.MemoryBytes == 4096 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeerTimeoutMarksUnhealthy(t *testing.T) {
	b := newTestBus(t)
	m1 := newTestManager(t, b, "n1", nil)
	m2 := newTestManager(t, b, "n2", nil)

	events, err := b.Subscribe(TopicMembership)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m2.Close())
	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-events.C:
				var ev MemberEvent
				if json.Unmarshal(msg.Payload, &ev) == nil &&
					ev.Type == EventNodeDown && ev.Node == "n2" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSilentPeerRecovers(t *testing.T) {
	b := newTestBus(t)
	m1 := newTestManager(t, b, "n1", nil)
	m2 := newTestManager(t, b, "n2", nil)

	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m2.Close())
	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	// The node comes back under the same id.
	newTestManager(t, b, "n2", nil)
	require.Eventually(t, func() bool {
		return m1.Status("n2") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaticDiscoverySeedsMembers(t *testing.T) {
	b := newTestBus(t)
	m := newTestManager(t, b, "n1", func(cfg *ManagerConfig) {
		cfg.Discovery = &StaticDiscovery{Members: []string{"n1", "peer-a", "peer-b"}, Self: "n1"}
	})

	assert.Equal(t, StatusUnknown, m.Status("peer-a"))
	assert.Equal(t, StatusUnknown, m.Status("peer-b"))
	assert.Len(t, m.Members(), 3)

	// Seeded peers that never heartbeat go unhealthy after the timeout.
	require.Eventually(t, func() bool {
		return m.Status("peer-a") == StatusUnhealthy && m.Status("peer-b") == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelfStaysHealthy(t *testing.T) {
	b := newTestBus(t)
	m := newTestManager(t, b, "solo", nil)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusHealthy, m.Status("solo"))
	assert.Equal(t, StatusUnknown, m.Status("never-seen"))
}

func TestAddRemoveNode(t *testing.T) {
	b := newTestBus(t)
	m := newTestManager(t, b, "n1", nil)

	m.AddNode("n9")
	assert.Equal(t, StatusUnknown, m.Status("n9"))
	m.AddNode("n1")
	assert.Len(t, m.Members(), 2)

	m.RemoveNode("n9")
	assert.Equal(t, StatusUnknown, m.Status("n9"))
	assert.Len(t, m.Members(), 1)
	m.RemoveNode("n1")
	assert.Len(t, m.Members(), 1)
}

func TestStats(t *testing.T) {
	b := newTestBus(t)
	m := newTestManager(t, b, "n1", func(cfg *ManagerConfig) {
		cfg.Discovery = &StaticDiscovery{Members: []string{"ghost"}}
	})

	stats := m.Stats()
	assert.Equal(t, "n1", stats["node"])
	assert.Equal(t, 2, stats["members"])
	assert.Equal(t, StrategyStatic, stats["discovery"])
}

func TestStaticDiscoveryFiltersSelf(t *testing.T) {
	d := &StaticDiscovery{Members: []string{"a", "", "b", "a"}, Self: "a"}
	got, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, StrategyStatic, d.Name())
}

func TestKubernetesDiscoveryIsStub(t *testing.T) {
	d := &KubernetesDiscovery{}
	_, err := d.Discover(context.Background())
	require.ErrorIs(t, err, ErrNotSupported)
	assert.Equal(t, StrategyKubernetes, d.Name())
}

func TestNewDiscoveryFactory(t *testing.T) {
	d, err := NewDiscovery(DiscoveryConfig{Strategy: "", Members: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, StrategyStatic, d.Name())

	d, err = NewDiscovery(DiscoveryConfig{Strategy: StrategyMulticast, Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, StrategyMulticast, d.Name())

	_, err = NewDiscovery(DiscoveryConfig{Strategy: StrategyMulticast, MulticastGroup: "127.0.0.1:9"})
	require.Error(t, err)

	d, err = NewDiscovery(DiscoveryConfig{Strategy: StrategyKubernetes})
	require.NoError(t, err)
	assert.Equal(t, StrategyKubernetes, d.Name())

	_, err = NewDiscovery(DiscoveryConfig{Strategy: StrategyConsul})
	require.Error(t, err, "consul strategy requires a service name")

	d, err = NewDiscovery(DiscoveryConfig{Strategy: StrategyConsul, ConsulService: "soteria", Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, StrategyConsul, d.Name())

	_, err = NewDiscovery(DiscoveryConfig{Strategy: "gossipnet"})
	require.Error(t, err)
}

func TestParsePeerPacket(t *testing.T) {
	cases := []struct {
		pkt  string
		peer string
		ok   bool
	}{
		{"soteria:announce:n1", "n1", true},
		{"soteria:member:n2", "n2", true},
		{"soteria:announce:", "", false},
		{"noise", "", false},
	}
	for _, tc := range cases {
		peer, ok := parsePeerPacket(tc.pkt)
		assert.Equal(t, tc.ok, ok, tc.pkt)
		assert.Equal(t, tc.peer, peer, tc.pkt)
	}
}
