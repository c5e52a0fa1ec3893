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

package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// violationTypeRateLimit is the violation type reported for trips.
const violationTypeRateLimit = "rate_limit_exceeded"

// KeyFunc extracts the caller key from a request.
type KeyFunc func(r *http.Request) string

// ClientAddress keys by the caller's IP, ignoring the ephemeral port.
// Untrusted proxy headers are deliberately not consulted.
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MiddlewareConfig configures the throttling middleware.
type MiddlewareConfig struct {
	// Limiter enforces the limits. Required; a nil limiter makes the
	// middleware a pass-through.
	Limiter *Limiter

	// KeyFunc extracts the caller key. Defaults to ClientAddress.
	KeyFunc KeyFunc

	// ExcludedPaths bypass throttling, e.g. health probes.
	ExcludedPaths []string

	// Reporter receives a violation per rejected request. Optional.
	Reporter ViolationReporter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Middleware enforces request limits in front of an HTTP handler.
// Rejected requests get 429 with Retry-After; admitted requests carry
// X-RateLimit headers and the Result in their context.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, path := range cfg.ExcludedPaths {
		excluded[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := cfg.Limiter.Allow(r.Context(), key)
			if err != nil {
				// Fail open: a broken store must not take the API down.
				cfg.Logger.Error("Rate limit check failed", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, result)

			if !result.Allowed {
				if cfg.Reporter != nil {
					cfg.Reporter.ReportViolation(violationTypeRateLimit, key, "api"+r.URL.Path, strings.ToLower(r.Method), map[string]any{
						"reason":      result.Reason,
						"retry_after": result.RetryAfter.String(),
					})
				}
				writeLimited(w, result)
				return
			}

			ctx := context.WithValue(r.Context(), resultContextKey{}, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resultContextKey stashes the Result for downstream handlers.
type resultContextKey struct{}

// ResultFromContext returns the rate limit standing recorded for the
// request, nil when throttling did not run.
func ResultFromContext(ctx context.Context) *Result {
	if result, ok := ctx.Value(resultContextKey{}).(*Result); ok {
		return result
	}
	return nil
}

func setRateLimitHeaders(w http.ResponseWriter, result *Result) {
	worst := result.MostRestrictive()
	if worst == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(worst.Max, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(worst.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(worst.WindowEnd.Unix(), 10))
}

func writeLimited(w http.ResponseWriter, result *Result) {
	if result.RetryAfter > 0 {
		seconds := int64(result.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]any{"error": "rate limit exceeded"}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	if result.RetryAfter > 0 {
		body["retry_after_seconds"] = int64(result.RetryAfter.Seconds())
	}
	_ = json.NewEncoder(w).Encode(body)
}
