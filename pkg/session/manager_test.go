package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
)

var errAgentBroken = errors.New("agent broken")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testConstructors registers a permanent kind ("maintenance"), a
// temporary kind ("tool_executor"), and a permanent helper ("tester").
// Every kind answers "work" and dies fatally on "explode".
func testConstructors(t *testing.T) *agent.ConstructorRegistry {
	t.Helper()
	reg := agent.NewConstructorRegistry()
	for _, kind := range []string{"maintenance", "tool_executor", "tester"} {
		kind := kind
		require.NoError(t, reg.Register(kind, func(map[string]any) (agent.Agent, error) {
			return &agent.FuncAgent{
				AgentType: kind,
				Tags:      []string{"work", "explode"},
				Handler: func(_ context.Context, task agent.TaskSpec, _ *agent.State) (any, error) {
					if task.Type == "explode" {
						return nil, errAgentBroken
					}
					return "ok", nil
				},
				Fatal: func(err error) bool { return errors.Is(err, errAgentBroken) },
			}, nil
		}))
	}
	return reg
}

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Constructors: testConstructors(t),
		Logger:       slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartSessionAndGet(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := testContext(t)

	sess, err := m.StartSession(ctx, StartSessionRequest{
		ID:        "s1",
		AgentType: "maintenance",
		Metadata:  map[string]any{"owner": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "s1-agent", sess.AgentID)
	assert.Equal(t, "maintenance", sess.AgentType)
	assert.Equal(t, map[string]any{"owner": "ops"}, sess.Metadata)
	assert.Zero(t, sess.Subagents)

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	runner, err := m.SessionRunner("s1")
	require.NoError(t, err)
	out, err := runner.Execute(ctx, agent.TaskSpec{Type: "work"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	assert.Len(t, m.List(), 1)
	assert.Equal(t, 1, m.Stats()["active_sessions"])
}

func TestStartSessionRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)
	_, err = m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestStartSessionUnknownAgentType(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.StartSession(testContext(t), StartSessionRequest{AgentType: "ghost"})
	require.ErrorContains(t, err, "unknown agent type")
	assert.Empty(t, m.List())
}

func TestSpawnAndListSubagents(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)

	tester, err := m.SpawnSubagent(ctx, "s1", "tester", map[string]any{"suite": "unit"})
	require.NoError(t, err)
	tool, err := m.SpawnSubagent(ctx, "s1", "tool_executor", nil)
	require.NoError(t, err)

	subs, err := m.ListSessionSubagents("s1")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	// Each subagent runs under the supervisor matching its policy.
	_, ok := m.Supervisor(agent.RestartPermanent).Get(tester.ID)
	assert.True(t, ok, "tester is a permanent kind")
	_, ok = m.Supervisor(agent.RestartTemporary).Get(tool.ID)
	assert.True(t, ok, "tool_executor is a temporary kind")

	sess, _ := m.Get("s1")
	assert.Equal(t, 2, sess.Subagents)

	_, err = m.ListSessionSubagents("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSpawnSubagentRequiresSession(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.SpawnSubagent(testContext(t), "missing", "tester", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStopSessionStopsSubagentsFirst(t *testing.T) {
	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(broker.Stop)

	m := newTestManager(t, func(cfg *Config) { cfg.Bus = broker })
	ctx := testContext(t)

	sess, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)
	sub1, err := m.SpawnSubagent(ctx, "s1", "tester", nil)
	require.NoError(t, err)
	sub2, err := m.SpawnSubagent(ctx, "s1", "tool_executor", nil)
	require.NoError(t, err)

	sub, err := broker.Subscribe(bus.TopicAgents)
	require.NoError(t, err)

	require.NoError(t, m.StopSession(ctx, "s1"))

	// All three agents stop; the session agent stops last.
	var stopped []string
	deadline := time.After(3 * time.Second)
	for len(stopped) < 3 {
		select {
		case msg := <-sub.C:
			if msg.Type == agent.EventAgentStopped {
				var ev agent.Event
				require.NoError(t, unmarshalEvent(msg.Payload, &ev))
				stopped = append(stopped, ev.AgentID)
			}
		case <-deadline:
			t.Fatalf("saw %d stop events: %v", len(stopped), stopped)
		}
	}
	assert.ElementsMatch(t, []string{sess.AgentID, sub1.ID, sub2.ID}, stopped)
	assert.Equal(t, sess.AgentID, stopped[2], "session agent stops after its subagents")

	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Supervisor(agent.RestartPermanent).Count())
	assert.Equal(t, 0, m.Supervisor(agent.RestartTemporary).Count())

	require.NoError(t, m.StopSession(ctx, "s1"), "stopping twice is not an error")
	require.ErrorIs(t, m.StopSession(ctx, "other"), ErrSessionNotFound)
}

func TestSubagentCrashRemovesRecord(t *testing.T) {
	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(broker.Stop)

	m := newTestManager(t, func(cfg *Config) { cfg.Bus = broker })
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)
	sub, err := m.SpawnSubagent(ctx, "s1", "tool_executor", nil)
	require.NoError(t, err)

	events, err := broker.Subscribe(bus.TopicSystemSessions)
	require.NoError(t, err)

	runner, ok := m.AgentRunner(sub.ID)
	require.True(t, ok)
	_, err = runner.Execute(ctx, agent.TaskSpec{Type: "explode"})
	require.ErrorIs(t, err, errAgentBroken)

	require.Eventually(t, func() bool {
		subs, err := m.ListSessionSubagents("s1")
		return err == nil && len(subs) == 0
	}, 3*time.Second, 10*time.Millisecond)

	// The session itself survives its subagent.
	_, ok = m.Get("s1")
	assert.True(t, ok)

	seen := awaitSessionEvent(t, events, EventSubagentTerminated)
	assert.Equal(t, "s1", seen.SessionID)
	assert.Equal(t, sub.ID, seen.Details["subagent_id"])
	assert.Contains(t, seen.Details["cause"], "agent broken")
}

func TestSessionAgentDeathTearsDownSession(t *testing.T) {
	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(broker.Stop)

	m := newTestManager(t, func(cfg *Config) { cfg.Bus = broker })
	ctx := testContext(t)

	// A temporary-kind session agent is not restarted after a fatal error.
	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "tool_executor"})
	require.NoError(t, err)
	_, err = m.SpawnSubagent(ctx, "s1", "tester", nil)
	require.NoError(t, err)

	events, err := broker.Subscribe(bus.TopicSystemSessions)
	require.NoError(t, err)

	runner, err := m.SessionRunner("s1")
	require.NoError(t, err)
	_, err = runner.Execute(ctx, agent.TaskSpec{Type: "explode"})
	require.ErrorIs(t, err, errAgentBroken)

	require.Eventually(t, func() bool {
		_, ok := m.Get("s1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return m.Supervisor(agent.RestartPermanent).Count() == 0
	}, 3*time.Second, 10*time.Millisecond, "orphaned subagents must be stopped")

	seen := awaitSessionEvent(t, events, EventSessionStopped)
	assert.Equal(t, "agent_exit", seen.Details["reason"])
}

func TestSessionAgentRestartKeepsSession(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)

	first, err := m.SessionRunner("s1")
	require.NoError(t, err)
	_, err = first.Execute(ctx, agent.TaskSpec{Type: "explode"})
	require.ErrorIs(t, err, errAgentBroken)

	require.Eventually(t, func() bool {
		cur, err := m.SessionRunner("s1")
		return err == nil && cur != first && cur.Running()
	}, 3*time.Second, 10*time.Millisecond, "permanent session agent should be replaced")

	_, ok := m.Get("s1")
	assert.True(t, ok, "session survives an agent restart")
}

func TestTouchAndIdleSessions(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(t, func(cfg *Config) { cfg.Clock = clock.Now })
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)

	assert.Empty(t, m.IdleSessions(time.Hour))

	clock.Advance(2 * time.Hour)
	idle := m.IdleSessions(time.Hour)
	require.Len(t, idle, 1)
	assert.Equal(t, "s1", idle[0].ID)

	require.NoError(t, m.Touch("s1"))
	assert.Empty(t, m.IdleSessions(time.Hour))

	require.ErrorIs(t, m.Touch("missing"), ErrSessionNotFound)
}

func TestCloseStopsAllSessions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := testContext(t)

	_, err := m.StartSession(ctx, StartSessionRequest{ID: "s1", AgentType: "maintenance"})
	require.NoError(t, err)
	_, err = m.StartSession(ctx, StartSessionRequest{ID: "s2", AgentType: "tester"})
	require.NoError(t, err)
	_, err = m.SpawnSubagent(ctx, "s1", "tool_executor", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.List())
	assert.Equal(t, 0, m.Supervisor(agent.RestartPermanent).Count())
	assert.Equal(t, 0, m.Supervisor(agent.RestartTemporary).Count())
}

func unmarshalEvent(payload []byte, ev *agent.Event) error {
	return json.Unmarshal(payload, ev)
}

func awaitSessionEvent(t *testing.T, sub *bus.Subscription, eventType string) sessionEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-sub.C:
			if msg.Type != eventType {
				continue
			}
			var ev sessionEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			return ev
		case <-deadline:
			t.Fatalf("no %s event observed", eventType)
			return sessionEvent{}
		}
	}
}
