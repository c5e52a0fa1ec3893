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

package main

import (
	"context"

	"github.com/soteria-run/soteria/pkg/agent"
)

// builtinConstructors registers the agent types the stock binary ships
// with. Embedding programs bring their own registry; these exist so a
// fresh node can be exercised end to end without writing any Go.
func builtinConstructors() (*agent.ConstructorRegistry, error) {
	reg := agent.NewConstructorRegistry()

	if err := reg.Register("echo", func(cfg map[string]any) (agent.Agent, error) {
		return echoAgent(), nil
	}); err != nil {
		return nil, err
	}

	return reg, nil
}

// echoAgent answers every task with its own payload and keeps a running
// count in state, so sessions, the pool, and workflows all have a live
// target for smoke tests.
func echoAgent() agent.Agent {
	return &agent.FuncAgent{
		AgentType: "echo",
		Tags:      []string{"echo", "ping"},
		Handler: func(ctx context.Context, task agent.TaskSpec, state *agent.State) (any, error) {
			count := 1
			if v, ok := state.Get("tasks_handled"); ok {
				if n, ok := v.(int); ok {
					count = n + 1
				}
			}
			state.Set("tasks_handled", count)

			if task.Type == "ping" {
				return map[string]any{"pong": true, "seq": count}, nil
			}
			return task.Payload, nil
		},
	}
}
