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

// Package server exposes the node's HTTP/JSON surface: agent
// introspection, session lifecycle, message and command dispatch,
// health, JWKS, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/observability"
	"github.com/soteria-run/soteria/pkg/ratelimit"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/session"
	"github.com/soteria-run/soteria/pkg/token"
)

// SessionService is the slice of the session manager the HTTP surface
// needs.
type SessionService interface {
	StartSession(ctx context.Context, req session.StartSessionRequest) (session.Session, error)
	StopSession(ctx context.Context, id string) error
	Get(id string) (session.Session, bool)
	List() []session.Session
	SessionRunner(id string) (*agent.Runner, error)
	AgentRunner(agentID string) (*agent.Runner, bool)
	Touch(id string) error
}

// AgentDirectory is the slice of the distributed registry the HTTP
// surface needs.
type AgentDirectory interface {
	Lookup(agentID string) (registry.Entry, error)
	List() []registry.Entry
}

// TokenValidator verifies bearer tokens when auth is enabled.
type TokenValidator interface {
	Validate(tokenString, operation, resource string) (*token.Claims, error)
}

// KeyPublisher exports the node's JWKS document.
type KeyPublisher interface {
	JWKS() ([]byte, error)
}

// Config configures the HTTP server.
type Config struct {
	// Host to bind. Empty binds all interfaces.
	Host string

	// Port to listen on. Defaults to 8080.
	Port int

	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown when Stop's context has
	// no deadline of its own.
	ShutdownTimeout time.Duration

	// Version reported by GET /health.
	Version string

	// Sessions backs the session endpoints. Required.
	Sessions SessionService

	// Agents backs the agent endpoints. Required.
	Agents AgentDirectory

	// Bus broadcasts session message events. Optional.
	Bus bus.Bus

	// Node identifies this node on published events.
	Node string

	// Keys serves GET /.well-known/jwks.json when set.
	Keys KeyPublisher

	// Validator checks bearer tokens. Required when AuthEnabled.
	Validator TokenValidator

	// AuthEnabled turns on bearer-token auth for the API routes.
	AuthEnabled bool

	// RateLimiter throttles requests per client address. Nil disables
	// throttling.
	RateLimiter *ratelimit.Limiter

	// Violations receives rate limit trip reports. Optional.
	Violations ratelimit.ViolationReporter

	// Observability provides tracing middleware and the /metrics
	// handler. Optional.
	Observability *observability.Manager

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Server is the node's HTTP front door.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	started    time.Time
	httpServer *http.Server
}

// New validates the wiring and builds a server. It does not listen
// until Start is called.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session service cannot be nil")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent directory cannot be nil")
	}
	if cfg.AuthEnabled && cfg.Validator == nil {
		return nil, fmt.Errorf("auth enabled without a token validator")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, logger: cfg.Logger, now: now, started: now()}, nil
}

// Handler assembles the router. Exposed so tests can drive the surface
// without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Order: logging -> tracing/metrics -> cors -> rate limit -> auth.
	r.Use(s.loggingMiddleware)
	if s.cfg.Observability != nil {
		r.Use(observability.HTTPMiddleware(
			s.cfg.Observability.Tracer("soteria/server"),
			s.cfg.Observability.Metrics(),
		))
	}
	r.Use(corsMiddleware)

	if s.cfg.RateLimiter != nil {
		// Health probes, peer JWKS refreshes, and metrics scrapes
		// bypass throttling.
		excluded := []string{"/health", "/.well-known/jwks.json"}
		if s.cfg.Observability != nil && s.cfg.Observability.MetricsEnabled() {
			excluded = append(excluded, s.cfg.Observability.MetricsPath())
		}
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:       s.cfg.RateLimiter,
			ExcludedPaths: excluded,
			Reporter:      s.cfg.Violations,
			Logger:        s.logger,
		}))
	}

	r.Get("/health", s.handleHealth)

	if s.cfg.Keys != nil {
		r.Get("/.well-known/jwks.json", s.handleJWKS)
	}
	if s.cfg.Observability != nil && s.cfg.Observability.MetricsEnabled() {
		r.Get(s.cfg.Observability.MetricsPath(), s.cfg.Observability.Metrics().Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(s.authMiddleware)
		}

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Get("/agents/{id}/status", s.handleAgentStatus)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleStopSession)

		r.Post("/sessions/{id}/messages", s.handleSessionMessage)
		r.Post("/sessions/{id}/commands", s.handleSessionCommand)
	})

	return r
}

// Start listens and serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.started = s.now()

	s.logger.Info("http server starting", "addr", addr, "auth", s.cfg.AuthEnabled)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
