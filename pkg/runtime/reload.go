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

package runtime

import (
	"fmt"

	"github.com/soteria-run/soteria/pkg/config"
)

// knobs are the settings a running node applies without a restart.
type knobs struct {
	MaxConcurrent int            `json:"max_concurrent"`
	Thresholds    map[string]int `json:"violation_thresholds,omitempty"`
}

// ApplyConfig applies the hot-reloadable parts of a freshly loaded
// configuration: the pool concurrency ceiling and the violation alert
// thresholds. Everything else requires a restart and is ignored here.
func (rt *Runtime) ApplyConfig(next *config.Config) error {
	if next == nil {
		return fmt.Errorf("config is required")
	}
	next.SetDefaults()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return rt.applyKnobs(knobs{
		MaxConcurrent: next.Pool.MaxConcurrent,
		Thresholds:    cloneThresholds(next.Security.Violations.Thresholds),
	})
}

func (rt *Runtime) applyKnobs(k knobs) error {
	rt.knobsMu.Lock()
	defer rt.knobsMu.Unlock()

	if k.MaxConcurrent > 0 && k.MaxConcurrent != rt.knobs.MaxConcurrent {
		if err := rt.pool.UpdateConfig(k.MaxConcurrent); err != nil {
			return fmt.Errorf("updating pool concurrency: %w", err)
		}
		rt.logger.Info("Pool concurrency updated",
			"from", rt.knobs.MaxConcurrent, "to", k.MaxConcurrent)
		rt.knobs.MaxConcurrent = k.MaxConcurrent
	}
	if len(k.Thresholds) > 0 {
		rt.violations.SetThresholds(k.Thresholds)
		if rt.knobs.Thresholds == nil {
			rt.knobs.Thresholds = make(map[string]int, len(k.Thresholds))
		}
		for violationType, threshold := range k.Thresholds {
			rt.knobs.Thresholds[violationType] = threshold
		}
		rt.logger.Info("Violation thresholds updated", "types", len(k.Thresholds))
	}
	return nil
}

func (rt *Runtime) currentKnobs() knobs {
	rt.knobsMu.Lock()
	defer rt.knobsMu.Unlock()
	return knobs{
		MaxConcurrent: rt.knobs.MaxConcurrent,
		Thresholds:    cloneThresholds(rt.knobs.Thresholds),
	}
}

func cloneThresholds(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for violationType, threshold := range in {
		out[violationType] = threshold
	}
	return out
}
