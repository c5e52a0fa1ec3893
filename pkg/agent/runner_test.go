package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/bus"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echoAgent() *FuncAgent {
	return &FuncAgent{
		AgentType: "tool_executor",
		Tags:      []string{"echo", "work"},
		Handler: func(_ context.Context, task TaskSpec, _ *State) (any, error) {
			return map[string]any{"echo": task.Payload["value"]}, nil
		},
	}
}

func startRunner(t *testing.T, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{Impl: echoAgent(), Logger: slog.Default()}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(testContext(t)))
	t.Cleanup(func() { r.Kill("test cleanup") })
	return r
}

// collectEvents drains the subscription until wanted types were seen or a
// timeout passes, returning the observed event type sequence.
func collectEvents(t *testing.T, sub *bus.Subscription, wanted int) []string {
	t.Helper()
	var types []string
	deadline := time.After(3 * time.Second)
	for len(types) < wanted {
		select {
		case msg, ok := <-sub.C:
			require.True(t, ok)
			types = append(types, msg.Type)
		case <-deadline:
			t.Fatalf("saw %d of %d events: %v", len(types), wanted, types)
		}
	}
	return types
}

func TestExecuteTaskRoundTrip(t *testing.T) {
	r := startRunner(t, nil)

	out, err := r.Execute(testContext(t), TaskSpec{Type: "echo", Payload: map[string]any{"value": "hi"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echo": "hi"}, out)

	report, err := r.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, report.Status)
	assert.Equal(t, uint64(1), report.Completed)
	assert.Empty(t, report.ActiveTasks)
	assert.False(t, report.LastActivity.IsZero())
}

func TestTaskIDsAreMonotonic(t *testing.T) {
	r := startRunner(t, nil)
	ctx := testContext(t)

	for i := 1; i <= 3; i++ {
		result, taskID, err := r.Submit(ctx, TaskSpec{Type: "echo"})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("task-%d", i), taskID)
		res := <-result
		require.NoError(t, res.Err)
		assert.Equal(t, taskID, res.TaskID)
	}
}

func TestRejectsUnhandledTaskType(t *testing.T) {
	r := startRunner(t, nil)

	_, err := r.Execute(testContext(t), TaskSpec{Type: "paint"})
	require.ErrorIs(t, err, ErrTaskRejected)
}

func TestTaskErrorIsCapturedNotFatal(t *testing.T) {
	broken := errors.New("tool exploded")
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(context.Context, TaskSpec, *State) (any, error) {
				return nil, broken
			},
		}
	})

	_, err := r.Execute(testContext(t), TaskSpec{Type: "work"})
	require.ErrorIs(t, err, broken)
	assert.True(t, r.Running(), "a plain task error must not stop the agent")

	report, err := r.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Failed)
	assert.Equal(t, StatusReady, report.Status)
}

func TestTaskPanicIsCaptured(t *testing.T) {
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(context.Context, TaskSpec, *State) (any, error) {
				panic("kaboom")
			},
		}
	})

	_, err := r.Execute(testContext(t), TaskSpec{Type: "work"})
	require.ErrorContains(t, err, "task panicked")
	assert.True(t, r.Running())
}

func TestFatalTaskErrorStopsAgent(t *testing.T) {
	fatal := errors.New("state corrupted")
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(context.Context, TaskSpec, *State) (any, error) {
				return nil, fatal
			},
		}
		cfg.IsFatal = func(err error) bool { return errors.Is(err, fatal) }
	})

	_, err := r.Execute(testContext(t), TaskSpec{Type: "work"})
	require.ErrorIs(t, err, fatal)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on fatal error")
	}
	require.ErrorIs(t, r.Err(), fatal)
	assert.False(t, r.Running())
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(ctx context.Context, _ TaskSpec, _ *State) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	})
	ctx := testContext(t)

	result, taskID, err := r.Submit(ctx, TaskSpec{Type: "work"})
	require.NoError(t, err)
	<-started

	require.NoError(t, r.CancelTask(ctx, taskID))
	res := <-result
	require.ErrorIs(t, res.Err, context.Canceled)

	report, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Cancelled)
	assert.Equal(t, StatusReady, report.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	r := startRunner(t, nil)
	err := r.CancelTask(testContext(t), "task-99")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestBusyWhileTaskRuns(t *testing.T) {
	release := make(chan struct{})
	r := startRunner(t, func(cfg *Config) {
		cfg.SessionID = "s1"
		cfg.Impl = &FuncAgent{
			AgentType: "coder",
			Tags:      []string{"work"},
			Handler: func(ctx context.Context, _ TaskSpec, _ *State) (any, error) {
				select {
				case <-release:
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}
	})
	ctx := testContext(t)

	result, taskID, err := r.Submit(ctx, TaskSpec{Type: "work"})
	require.NoError(t, err)

	report, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, report.Status)
	assert.Equal(t, []string{taskID}, report.ActiveTasks)
	assert.Equal(t, "s1", report.SessionID)
	assert.Equal(t, "coder", report.Type)

	close(release)
	res := <-result
	require.NoError(t, res.Err)

	report, err = r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, report.Status)
}

func TestInitStateSeedsAgentState(t *testing.T) {
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "coder",
			Tags:      []string{"work"},
			Init: func(context.Context, string) (map[string]any, error) {
				return map[string]any{"counter": 41}, nil
			},
			Handler: func(_ context.Context, _ TaskSpec, state *State) (any, error) {
				v, _ := state.Get("counter")
				state.Set("counter", v.(int)+1)
				got, _ := state.Get("counter")
				return got, nil
			},
		}
	})

	out, err := r.Execute(testContext(t), TaskSpec{Type: "work"})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestInitStateErrorFailsStart(t *testing.T) {
	r, err := New(Config{Impl: &FuncAgent{
		AgentType: "coder",
		Tags:      []string{"work"},
		Init: func(context.Context, string) (map[string]any, error) {
			return nil, errors.New("no database")
		},
		Handler: func(context.Context, TaskSpec, *State) (any, error) { return nil, nil },
	}})
	require.NoError(t, err)
	err = r.Start(testContext(t))
	require.ErrorContains(t, err, "initialising state")
	assert.False(t, r.Running())
}

type recordingImpl struct {
	FuncAgent
	mu       sync.Mutex
	received []string
	coords   []map[string]any
}

func (ri *recordingImpl) ReceiveMessage(from string, msg map[string]any) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.received = append(ri.received, fmt.Sprintf("%s:%v", from, msg["text"]))
}

func (ri *recordingImpl) HandleCoordination(msg map[string]any) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.coords = append(ri.coords, msg)
}

func (ri *recordingImpl) seen() []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return append([]string(nil), ri.received...)
}

func (ri *recordingImpl) coordinations() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return len(ri.coords)
}

func newRecordingImpl() *recordingImpl {
	return &recordingImpl{FuncAgent: FuncAgent{
		AgentType: "reviewer",
		Tags:      []string{"review"},
		Handler:   func(context.Context, TaskSpec, *State) (any, error) { return nil, nil },
	}}
}

type mapRouter struct {
	mu      sync.Mutex
	targets map[string]MessageTarget
}

func (m *mapRouter) Route(_ context.Context, agentID string) (MessageTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.targets[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", agentID)
	}
	return target, nil
}

func TestSendRoutesBetweenAgents(t *testing.T) {
	router := &mapRouter{targets: make(map[string]MessageTarget)}
	impl := newRecordingImpl()

	receiver := startRunner(t, func(cfg *Config) {
		cfg.ID = "receiver"
		cfg.Impl = impl
	})
	sender := startRunner(t, func(cfg *Config) {
		cfg.ID = "sender"
		cfg.Router = router
	})
	router.targets["receiver"] = receiver

	require.NoError(t, sender.Send(testContext(t), "receiver", map[string]any{"text": "ping"}))

	require.Eventually(t, func() bool {
		seen := impl.seen()
		return len(seen) == 1 && seen[0] == "sender:ping"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWithoutRouter(t *testing.T) {
	r := startRunner(t, nil)
	err := r.Send(testContext(t), "nobody", map[string]any{})
	require.ErrorIs(t, err, ErrNoRouter)
}

func TestCoordinateReachesHandler(t *testing.T) {
	impl := newRecordingImpl()
	r := startRunner(t, func(cfg *Config) { cfg.Impl = impl })

	require.NoError(t, r.Coordinate(testContext(t), map[string]any{"collaboration_id": "c1"}))
	require.Eventually(t, func() bool { return impl.coordinations() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestLifecycleEventsOnBus(t *testing.T) {
	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(broker.Stop)

	sub, err := broker.Subscribe(bus.TopicAgents)
	require.NoError(t, err)

	r := startRunner(t, func(cfg *Config) { cfg.Bus = broker })
	_, err = r.Execute(testContext(t), TaskSpec{Type: "echo"})
	require.NoError(t, err)
	require.NoError(t, r.Stop(testContext(t), "test done"))

	types := collectEvents(t, sub, 4)
	assert.Equal(t, []string{EventAgentStarted, EventTaskStarted, EventTaskCompleted, EventAgentStopped}, types)
}

func TestProgressEventsPublished(t *testing.T) {
	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(broker.Stop)

	r := startRunner(t, func(cfg *Config) {
		cfg.ID = "prog"
		cfg.Bus = broker
		cfg.Impl = &FuncAgent{
			AgentType: "analyser",
			Tags:      []string{"analyse"},
			Handler: func(ctx context.Context, _ TaskSpec, _ *State) (any, error) {
				ReportProgress(ctx, "parsing", map[string]any{"percent": 50})
				return "ok", nil
			},
		}
	})

	sub, err := broker.Subscribe(bus.TopicAgent("prog"))
	require.NoError(t, err)

	_, err = r.Execute(testContext(t), TaskSpec{Type: "analyse"})
	require.NoError(t, err)

	var sawProgress bool
	deadline := time.After(2 * time.Second)
	for !sawProgress {
		select {
		case msg := <-sub.C:
			if msg.Type == EventTaskProgress {
				sawProgress = true
			}
		case <-deadline:
			t.Fatal("no task_progress event observed")
		}
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	started := make(chan struct{})
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(ctx context.Context, _ TaskSpec, _ *State) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	})
	ctx := testContext(t)

	result, _, err := r.Submit(ctx, TaskSpec{Type: "work"})
	require.NoError(t, err)
	<-started

	require.NoError(t, r.Stop(ctx, "session ended"))
	res := <-result
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, r.Running())
}

func TestKillAbandonsStuckTask(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "tool_executor",
			Tags:      []string{"work"},
			Handler: func(context.Context, TaskSpec, *State) (any, error) {
				close(started)
				<-block
				return nil, nil
			},
		}
	})

	result, _, err := r.Submit(testContext(t), TaskSpec{Type: "work"})
	require.NoError(t, err)
	<-started

	r.Kill("admin request")
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("kill did not stop the agent")
	}
	res := <-result
	require.ErrorIs(t, res.Err, ErrNotRunning)
}

func TestStoppedRunnerRefusesCalls(t *testing.T) {
	r := startRunner(t, nil)
	ctx := testContext(t)
	require.NoError(t, r.Stop(ctx, "done"))

	_, err := r.Execute(ctx, TaskSpec{Type: "echo"})
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = r.Status(ctx)
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, r.Deliver("peer", nil), ErrNotRunning)

	require.NoError(t, r.Stop(ctx, "again"), "stopping a stopped agent is not an error")
}

func TestSnapshotAndRestore(t *testing.T) {
	r := startRunner(t, func(cfg *Config) {
		cfg.Impl = &FuncAgent{
			AgentType: "coder",
			Tags:      []string{"work"},
			Handler: func(_ context.Context, _ TaskSpec, state *State) (any, error) {
				state.Set("progress", "half")
				return nil, nil
			},
		}
	})
	ctx := testContext(t)

	_, err := r.Execute(ctx, TaskSpec{Type: "work"})
	require.NoError(t, err)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "half", snap["progress"])

	require.NoError(t, r.RestoreSnapshot(map[string]any{"progress": "done"}))
	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"progress": "done"}, snap)
}

func TestCanHandleByType(t *testing.T) {
	assert.True(t, CanHandleByType([]string{"echo", "work"}, TaskSpec{Type: "work"}))
	assert.False(t, CanHandleByType([]string{"echo"}, TaskSpec{Type: "work"}))
	assert.False(t, CanHandleByType(nil, TaskSpec{Type: "work"}))
}
