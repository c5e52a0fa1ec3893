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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/ratelimit"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/session"
	"github.com/soteria-run/soteria/pkg/token"
)

func testConstructors(t *testing.T) *agent.ConstructorRegistry {
	t.Helper()
	reg := agent.NewConstructorRegistry()
	require.NoError(t, reg.Register("clerk", func(map[string]any) (agent.Agent, error) {
		return &agent.FuncAgent{
			AgentType: "clerk",
			Tags:      []string{"message", "summarize"},
			Handler: func(_ context.Context, task agent.TaskSpec, _ *agent.State) (any, error) {
				return fmt.Sprintf("ran %s", task.Type), nil
			},
		}, nil
	}))
	return reg
}

type testHarness struct {
	server   *Server
	sessions *session.Manager
	registry *registry.Registry
	broker   *bus.Broker
}

func newTestHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()

	broker := bus.NewBroker(slog.Default())
	broker.Start()
	t.Cleanup(func() { _ = broker.Close() })

	sessions, err := session.NewManager(session.Config{
		Constructors: testConstructors(t),
		Logger:       slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Close(ctx)
	})

	reg, err := registry.New(registry.Config{Node: "node-1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	cfg := Config{
		Version:  "1.2.3",
		Node:     "node-1",
		Sessions: sessions,
		Agents:   reg,
		Bus:      broker,
		Logger:   slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	return &testHarness{server: srv, sessions: sessions, registry: reg, broker: broker}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func startTestSession(t *testing.T, h *testHarness, id string) session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := h.sessions.StartSession(ctx, session.StartSessionRequest{ID: id, AgentType: "clerk"})
	require.NoError(t, err)
	return sess
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "session service")

	sessions, err := session.NewManager(session.Config{Constructors: testConstructors(t)})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sessions.Close(ctx)
	}()

	_, err = New(Config{Sessions: sessions})
	assert.ErrorContains(t, err, "agent directory")

	reg, err := registry.New(registry.Config{Node: "n1"})
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	_, err = New(Config{Sessions: sessions, Agents: reg, AuthEnabled: true})
	assert.ErrorContains(t, err, "token validator")
}

func TestHealthEndpoint(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	h := newTestHarness(t, func(cfg *Config) {
		cfg.Clock = func() time.Time { return now }
	})
	startTestSession(t, h, "s1")
	now = base.Add(1500 * time.Millisecond)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, int64(1500), resp.UptimeMS)
	assert.Equal(t, 1, resp.Sessions)
	assert.Zero(t, resp.Agents)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newTestHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/sessions", map[string]any{
		"id":         "s1",
		"agent_type": "clerk",
		"metadata":   map[string]any{"owner": "ops"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeBody[session.Session](t, rec)
	assert.Equal(t, "s1", created.ID)
	assert.Equal(t, "s1-agent", created.AgentID)
	assert.Equal(t, "clerk", created.AgentType)

	rec = h.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]session.Session](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	rec = h.do(t, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decodeBody[map[string]string](t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSessionValidation(t *testing.T) {
	h := newTestHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/sessions", map[string]any{"metadata": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte("{not json")))
	raw := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	startTestSession(t, h, "dup")
	rec = h.do(t, http.MethodPost, "/sessions", map[string]any{"id": "dup", "agent_type": "clerk"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionMessageAccepted(t *testing.T) {
	h := newTestHarness(t, nil)
	startTestSession(t, h, "s1")

	sub, err := h.broker.Subscribe(bus.TopicSession("s1"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rec := h.do(t, http.MethodPost, "/sessions/s1/messages", map[string]any{
		"message": map[string]any{"text": "hello"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "processing", resp["status"])
	assert.NotEmpty(t, resp["task_id"])

	select {
	case msg := <-sub.C:
		assert.Equal(t, "message_added", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message_added event on the session topic")
	}
}

func TestSessionMessageValidation(t *testing.T) {
	h := newTestHarness(t, nil)
	startTestSession(t, h, "s1")

	rec := h.do(t, http.MethodPost, "/sessions/s1/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/sessions/missing/messages", map[string]any{
		"message": map[string]any{"text": "hello"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionCommandRunsSynchronously(t *testing.T) {
	h := newTestHarness(t, nil)
	startTestSession(t, h, "s1")

	rec := h.do(t, http.MethodPost, "/sessions/s1/commands", map[string]any{"command": "summarize"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "completed", resp["status"])
	assert.Equal(t, "ran summarize", resp["result"])

	rec = h.do(t, http.MethodPost, "/sessions/s1/commands", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/sessions/missing/commands", map[string]any{"command": "summarize"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentEndpoints(t *testing.T) {
	h := newTestHarness(t, nil)
	startTestSession(t, h, "s1")

	require.NoError(t, h.registry.Register(registry.Entry{
		AgentID:   "s1-agent",
		Type:      "clerk",
		SessionID: "s1",
	}))
	require.NoError(t, h.registry.Register(registry.Entry{
		AgentID: "peer-agent",
		Node:    "node-2",
		Type:    "clerk",
	}))

	rec := h.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]agentSummary](t, rec)
	require.Len(t, rows, 2)

	byID := map[string]agentSummary{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	local, ok := byID["s1-agent"]
	require.True(t, ok)
	assert.Equal(t, "s1", local.SessionID)
	assert.Equal(t, string(agent.StatusReady), local.Status)
	assert.NotNil(t, local.StartedAt)

	remote, ok := byID["peer-agent"]
	require.True(t, ok)
	assert.Equal(t, "registered", remote.Status)
	assert.Equal(t, "node-2", remote.Metrics.Node)

	rec = h.do(t, http.MethodGet, "/agents/peer-agent", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/agents/s1-agent/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[agentStatus](t, rec)
	assert.True(t, status.Alive)
	assert.Equal(t, string(agent.StatusReady), status.Status)
	assert.NotNil(t, status.LastActivity)

	rec = h.do(t, http.MethodGet, "/agents/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubValidator struct {
	lastOperation string
	lastResource  string
	err           error
}

func (v *stubValidator) Validate(tokenString, operation, resource string) (*token.Claims, error) {
	v.lastOperation = operation
	v.lastResource = resource
	if v.err != nil {
		return nil, v.err
	}
	return &token.Claims{Subject: "caller"}, nil
}

func TestAuthMiddleware(t *testing.T) {
	validator := &stubValidator{}
	h := newTestHarness(t, func(cfg *Config) {
		cfg.AuthEnabled = true
		cfg.Validator = validator
	})

	rec := h.do(t, http.MethodGet, "/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Basic abc")
	raw := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code)

	authed := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(nil))
		req.Header.Set("Authorization", "Bearer sometoken")
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	validator.err = token.ErrInvalidSignature
	assert.Equal(t, http.StatusUnauthorized, authed(http.MethodGet, "/agents").Code)

	validator.err = fmt.Errorf("%w: read", capability.ErrOperationNotPermitted)
	assert.Equal(t, http.StatusForbidden, authed(http.MethodGet, "/agents").Code)

	validator.err = nil
	rec2 := authed(http.MethodGet, "/agents")
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "read", validator.lastOperation)
	assert.Equal(t, "api/agents", validator.lastResource)

	// Health stays open so probes work without tokens.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHarness(t, nil)

	rec := h.do(t, http.MethodOptions, "/agents", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

type stubKeys struct {
	doc []byte
	err error
}

func (k *stubKeys) JWKS() ([]byte, error) { return k.doc, k.err }

func TestJWKSEndpoint(t *testing.T) {
	doc := []byte(`{"keys":[{"kty":"RSA","kid":"k1","use":"sig","alg":"RS256"}]}`)
	h := newTestHarness(t, func(cfg *Config) {
		cfg.Keys = &stubKeys{doc: doc}
	})

	rec := h.do(t, http.MethodGet, "/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, string(doc), rec.Body.String())
}

type stubReporter struct {
	types []string
}

func (r *stubReporter) ReportViolation(violationType, principalID, resource, operation string, details map[string]any) {
	r.types = append(r.types, violationType)
}

func TestRateLimitedSurface(t *testing.T) {
	limiter, err := ratelimit.New([]ratelimit.Limit{{Window: ratelimit.WindowMinute, Max: 2}})
	require.NoError(t, err)
	defer func() { _ = limiter.Close() }()

	reporter := &stubReporter{}
	h := newTestHarness(t, func(cfg *Config) {
		cfg.RateLimiter = limiter
		cfg.Violations = reporter
	})

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodGet, "/agents", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := h.do(t, http.MethodGet, "/agents", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Len(t, reporter.types, 1)
	assert.Equal(t, "rate_limit_exceeded", reporter.types[0])

	// Health bypasses throttling.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil).Code)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	h := newTestHarness(t, nil)
	assert.NoError(t, h.server.Stop(context.Background()))
}
