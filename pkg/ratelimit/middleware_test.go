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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedViolation struct {
	violationType string
	principalID   string
	resource      string
	operation     string
	details       map[string]any
}

type stubReporter struct {
	violations []capturedViolation
}

func (s *stubReporter) ReportViolation(violationType, principalID, resource, operation string, details map[string]any) {
	s.violations = append(s.violations, capturedViolation{
		violationType: violationType,
		principalID:   principalID,
		resource:      resource,
		operation:     operation,
		details:       details,
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newRequest(method, path, remoteAddr string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestMiddlewareSetsHeadersAndContext(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 2}}, &now)

	var seen *Result
	handler := Middleware(MiddlewareConfig{Limiter: l})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ResultFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/agents", "10.0.0.1:51000"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	require.NotNil(t, seen)
	assert.True(t, seen.Allowed)
}

func TestMiddlewareRejectsAndReports(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 1}}, &now)
	reporter := &stubReporter{}

	handler := Middleware(MiddlewareConfig{Limiter: l, Reporter: reporter})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/agents", "10.0.0.1:51000"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodPost, "/agents", "10.0.0.1:51002"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Contains(t, body["reason"], "minute window")

	require.Len(t, reporter.violations, 1)
	v := reporter.violations[0]
	assert.Equal(t, "rate_limit_exceeded", v.violationType)
	assert.Equal(t, "10.0.0.1", v.principalID)
	assert.Equal(t, "api/agents", v.resource)
	assert.Equal(t, "post", v.operation)
	assert.Contains(t, v.details, "retry_after")
}

func TestMiddlewareExcludedPaths(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := testLimiter(t, []Limit{{Window: WindowMinute, Max: 1}}, &now)

	handler := Middleware(MiddlewareConfig{
		Limiter:       l,
		ExcludedPaths: []string{"/health"},
	})(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest(http.MethodGet, "/health", "10.0.0.1:51000"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := Middleware(MiddlewareConfig{})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest(http.MethodGet, "/agents", "10.0.0.1:51000"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

type failingStore struct{}

func (failingStore) Usage(ctx context.Context, key string, w Window) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Increment(ctx context.Context, key string, w Window, n int64) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Reset(ctx context.Context, key string) error { return errors.New("store down") }

func (failingStore) DeleteExpired(ctx context.Context, cutoff time.Time) error {
	return errors.New("store down")
}

func (failingStore) Close() error { return nil }

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	l, err := New([]Limit{{Window: WindowMinute, Max: 1}}, WithStore(failingStore{}))
	require.NoError(t, err)

	handler := Middleware(MiddlewareConfig{Limiter: l})(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest(http.MethodGet, "/agents", "10.0.0.1:51000"))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1", ClientAddress(newRequest(http.MethodGet, "/", "10.0.0.1:51000")))
	assert.Equal(t, "10.0.0.1", ClientAddress(newRequest(http.MethodGet, "/", "10.0.0.1")))
}
