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

// Package ratelimit throttles requests against the node's HTTP surface.
//
// Limits are fixed windows counted per caller key. A request is checked
// against every configured window atomically and either admitted to all
// of them or rejected with a retry hint. Trips can be reported to the
// violation monitor, where repeated offenders surface as potential DoS.
//
// # Basic Usage
//
//	limiter, err := ratelimit.New([]ratelimit.Limit{
//	    {Window: ratelimit.WindowMinute, Max: 120},
//	    {Window: ratelimit.WindowHour, Max: 2000},
//	})
//
//	result, err := limiter.Allow(ctx, clientIP)
//	if !result.Allowed {
//	    // 429, retry after result.RetryAfter
//	}
//
// # Middleware
//
//	handler = ratelimit.Middleware(ratelimit.MiddlewareConfig{
//	    Limiter:       limiter,
//	    ExcludedPaths: []string{"/health"},
//	    Reporter:      monitor,
//	})(handler)
//
// # Time Windows
//
//   - minute: burst protection
//   - hour: short-term limits
//   - day: daily quotas
package ratelimit
