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

package balancer

import (
	"runtime"
	"runtime/metrics"
	"sync"
)

// Sampler reports this node's cpu and memory utilisation as fractions of
// capacity, both in [0, 1].
type Sampler interface {
	Sample() (cpu, memory float64)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() (cpu, memory float64)

// Sample implements Sampler.
func (f SamplerFunc) Sample() (cpu, memory float64) { return f() }

// runtimeSampler measures the Go runtime's own accounting: cpu utilisation
// from the busy share of scheduler cpu-seconds since the previous sample,
// memory from the heap's in-use share of memory obtained from the OS. It
// covers this process only; OS-level figures need an injected Sampler.
type runtimeSampler struct {
	mu        sync.Mutex
	samples   []metrics.Sample
	lastTotal float64
	lastIdle  float64
}

func newRuntimeSampler() *runtimeSampler {
	return &runtimeSampler{
		samples: []metrics.Sample{
			{Name: "/cpu/classes/total:cpu-seconds"},
			{Name: "/cpu/classes/idle:cpu-seconds"},
		},
	}
}

// Sample implements Sampler.
func (s *runtimeSampler) Sample() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Read(s.samples)
	total := s.samples[0].Value.Float64()
	idle := s.samples[1].Value.Float64()

	cpu := 0.0
	if dt := total - s.lastTotal; dt > 0 {
		cpu = clamp01(1 - (idle-s.lastIdle)/dt)
	}
	s.lastTotal, s.lastIdle = total, idle

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mem := 0.0
	if m.Sys > 0 {
		mem = clamp01(float64(m.HeapInuse) / float64(m.Sys))
	}
	return cpu, mem
}
