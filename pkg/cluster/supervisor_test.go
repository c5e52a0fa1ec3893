package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/bus"
)

// fakeHost is an in-memory NodeAgentHost with scriptable failures.
type fakeHost struct {
	mu           sync.Mutex
	agents       map[string]StartSpec
	failStart    map[string]error
	failSnapshot map[string]error
	failStop     map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		agents:       make(map[string]StartSpec),
		failStart:    make(map[string]error),
		failSnapshot: make(map[string]error),
		failStop:     make(map[string]error),
	}
}

func (h *fakeHost) StartAgent(ctx context.Context, spec StartSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failStart[spec.AgentID]; err != nil {
		return err
	}
	h.agents[spec.AgentID] = spec
	return nil
}

func (h *fakeHost) StopAgent(ctx context.Context, agentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failStop[agentID]; err != nil {
		return err
	}
	if _, ok := h.agents[agentID]; !ok {
		return fmt.Errorf("agent %s not hosted here", agentID)
	}
	delete(h.agents, agentID)
	return nil
}

func (h *fakeHost) SnapshotAgent(ctx context.Context, agentID string) (StartSpec, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failSnapshot[agentID]; err != nil {
		return StartSpec{}, err
	}
	spec, ok := h.agents[agentID]
	if !ok {
		return StartSpec{}, fmt.Errorf("agent %s not hosted here", agentID)
	}
	return spec, nil
}

func (h *fakeHost) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]AgentSummary, 0, len(h.agents))
	for id, spec := range h.agents {
		out = append(out, AgentSummary{AgentID: id, Type: spec.Type, SessionID: spec.SessionID, Status: "ready"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (h *fakeHost) refuseStart(agentID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failStart[agentID] = err
}

func (h *fakeHost) refuseSnapshot(agentID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failSnapshot[agentID] = err
}

func (h *fakeHost) has(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.agents[agentID]
	return ok
}

func (h *fakeHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

type testNode struct {
	manager *Manager
	sup     *Supervisor
	host    *fakeHost
}

func newTestNode(t *testing.T, b *bus.Broker, id string) *testNode {
	t.Helper()
	m := newTestManager(t, b, id, nil)
	host := newFakeHost()
	sup, err := NewSupervisor(SupervisorConfig{Node: id, Bus: b, Members: m, Host: host})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	t.Cleanup(func() { _ = sup.Close() })
	return &testNode{manager: m, sup: sup, host: host}
}

func newTestPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	b := newTestBus(t)
	n1 := newTestNode(t, b, "n1")
	n2 := newTestNode(t, b, "n2")
	require.Eventually(t, func() bool {
		return n1.manager.Status("n2") == StatusHealthy && n2.manager.Status("n1") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
	return n1, n2
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSupervisorValidation(t *testing.T) {
	b := newTestBus(t)
	m := newTestManager(t, b, "n1", nil)
	host := newFakeHost()

	_, err := NewSupervisor(SupervisorConfig{Bus: b, Members: m, Host: host})
	require.Error(t, err)
	_, err = NewSupervisor(SupervisorConfig{Node: "n1", Members: m, Host: host})
	require.Error(t, err)
	_, err = NewSupervisor(SupervisorConfig{Node: "n1", Bus: b, Host: host})
	require.Error(t, err)
	_, err = NewSupervisor(SupervisorConfig{Node: "n1", Bus: b, Members: m})
	require.Error(t, err)
}

func TestStartStopAgentAcrossNodes(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	spec := StartSpec{AgentID: "a1", Type: "coder", SessionID: "s1"}
	require.NoError(t, n1.sup.StartAgentOn(ctx, "n2", spec))
	assert.True(t, n2.host.has("a1"))
	assert.False(t, n1.host.has("a1"))

	agents, err := n1.sup.AgentsOn(ctx, "n2")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].AgentID)
	assert.Equal(t, "coder", agents[0].Type)

	require.NoError(t, n1.sup.StopAgentOn(ctx, "n2", "a1"))
	assert.False(t, n2.host.has("a1"))

	err = n1.sup.StopAgentOn(ctx, "n2", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node n2")
}

func TestLocalOperationsSkipTheBus(t *testing.T) {
	b := newTestBus(t)
	n1 := newTestNode(t, b, "n1")
	ctx := testCtx(t)

	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: "local", Type: "tester"}))
	assert.True(t, n1.host.has("local"))

	agents, err := n1.sup.AgentsOn(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestSnapshotAgentOn(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	spec := StartSpec{AgentID: "a1", Type: "coder", Snapshot: map[string]any{"cursor": "42"}}
	require.NoError(t, n2.sup.StartAgentOn(ctx, "n2", spec))

	got, err := n1.sup.SnapshotAgentOn(ctx, "n2", "a1")
	require.NoError(t, err)
	assert.Equal(t, "coder", got.Type)
	assert.Equal(t, "42", got.Snapshot["cursor"])

	_, err = n1.sup.SnapshotAgentOn(ctx, "n2", "ghost")
	require.Error(t, err)
}

func TestEnumerateAgents(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: "a1", Type: "coder"}))
	require.NoError(t, n1.sup.StartAgentOn(ctx, "n2", StartSpec{AgentID: "b1", Type: "tester"}))
	require.NoError(t, n1.sup.StartAgentOn(ctx, "n2", StartSpec{AgentID: "b2", Type: "tester"}))

	placement, err := n1.sup.EnumerateAgents(ctx)
	require.NoError(t, err)
	require.Len(t, placement, 2)
	assert.Len(t, placement["n1"], 1)
	assert.Len(t, placement["n2"], 2)
	assert.Equal(t, 2, n2.host.count())
}

func TestUnreachableNodeErrors(t *testing.T) {
	b := newTestBus(t)
	n1 := newTestNode(t, b, "n1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := n1.sup.StartAgentOn(ctx, "nowhere", StartSpec{AgentID: "a1", Type: "coder"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestUnknownControlOpIsRejected(t *testing.T) {
	b := newTestBus(t)
	newTestNode(t, b, "n1")

	payload, err := json.Marshal(map[string]string{"op": "explode"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := b.Request(ctx, topicNodeControl("n1"), payload)
	require.NoError(t, err)

	var resp controlResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown control op")
}

func TestMoveAgentCarriesSnapshot(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	spec := StartSpec{AgentID: "a1", Type: "coder", SessionID: "s1", Snapshot: map[string]any{"progress": "half"}}
	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", spec))

	require.NoError(t, n1.sup.MoveAgent(ctx, "a1", "n1", "n2"))
	assert.False(t, n1.host.has("a1"))
	require.True(t, n2.host.has("a1"))

	moved, err := n2.host.SnapshotAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "half", moved.Snapshot["progress"])
	assert.Equal(t, "s1", moved.SessionID)

	stats := n1.sup.Stats()
	assert.Equal(t, uint64(1), stats["moves_succeeded"])
	assert.Equal(t, uint64(0), stats["moves_failed_total"])
}

func TestMoveAgentRestoresSourceOnTargetFailure(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: "a1", Type: "coder"}))
	n2.host.refuseStart("a1", errors.New("no capacity"))

	err := n1.sup.MoveAgent(ctx, "a1", "n1", "n2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")
	assert.True(t, n1.host.has("a1"), "source agent must be restored after an aborted move")
	assert.False(t, n2.host.has("a1"))
	assert.Equal(t, uint64(1), n1.sup.Stats()["moves_failed_total"])
}

func TestMoveAgentSnapshotFailureLeavesSourceRunning(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: "a1", Type: "coder"}))
	n1.host.refuseSnapshot("a1", errors.New("state not serialisable"))

	err := n1.sup.MoveAgent(ctx, "a1", "n1", "n2")
	require.Error(t, err)
	assert.True(t, n1.host.has("a1"))
	assert.False(t, n2.host.has("a1"))
}

func TestRebalanceClusterEvensPlacement(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: id, Type: "coder"}))
	}

	report, err := n1.sup.RebalanceCluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 4, report.TotalAgents)
	assert.Equal(t, 2, report.TargetPerNode)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, n1.host.count())
	assert.Equal(t, 2, n2.host.count())
}

func TestRebalanceSingleNodeIsNoop(t *testing.T) {
	b := newTestBus(t)
	n1 := newTestNode(t, b, "n1")
	ctx := testCtx(t)

	require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: "a1", Type: "coder"}))
	report, err := n1.sup.RebalanceCluster(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Moves)
	assert.Equal(t, 1, n1.host.count())
}

func TestRebalanceRecordsAbandonedMoves(t *testing.T) {
	n1, n2 := newTestPair(t)
	ctx := testCtx(t)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, n1.sup.StartAgentOn(ctx, "n1", StartSpec{AgentID: id, Type: "coder"}))
		n2.host.refuseStart(id, errors.New("node full"))
	}

	report, err := n1.sup.RebalanceCluster(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Succeeded)
	assert.NotZero(t, report.Failed)
	for _, mv := range report.Moves {
		assert.Contains(t, mv.Error, "node full")
	}
	// Every abandoned move restored its agent on the source.
	assert.Equal(t, 4, n1.host.count())
	assert.Zero(t, n2.host.count())
}
