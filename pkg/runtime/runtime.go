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

// Package runtime assembles a node from its configuration: the security
// core, the agent services, the cluster services, and the HTTP surface,
// constructed in dependency order and torn down in reverse.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/audit"
	"github.com/soteria-run/soteria/pkg/balancer"
	"github.com/soteria-run/soteria/pkg/bus"
	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/cluster"
	"github.com/soteria-run/soteria/pkg/config"
	"github.com/soteria-run/soteria/pkg/kernel"
	"github.com/soteria-run/soteria/pkg/keys"
	"github.com/soteria-run/soteria/pkg/metrics"
	"github.com/soteria-run/soteria/pkg/observability"
	"github.com/soteria-run/soteria/pkg/pool"
	"github.com/soteria-run/soteria/pkg/ratelimit"
	"github.com/soteria-run/soteria/pkg/recovery"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/revocation"
	"github.com/soteria-run/soteria/pkg/server"
	"github.com/soteria-run/soteria/pkg/session"
	"github.com/soteria-run/soteria/pkg/token"
	"github.com/soteria-run/soteria/pkg/violation"
	"github.com/soteria-run/soteria/pkg/workflow"
)

// Options carries process-level inputs that do not belong in the config
// file.
type Options struct {
	// Constructors supplies the agent implementations this node can
	// host. Required.
	Constructors *agent.ConstructorRegistry

	// Version is the build version reported by GET /health.
	// Defaults to "dev".
	Version string

	// Logger receives runtime logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Runtime owns every component of a node. New wires them, Start brings
// them up, Stop drains and releases them.
type Runtime struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	clock   func() time.Time

	obs    *observability.Manager
	bus    bus.Bus
	broker *bus.Broker

	auditor     *audit.Logger
	violations  *violation.Monitor
	kernel      *kernel.Kernel
	revocations *revocation.Cache
	keys        *keys.Manager
	keysCancel  context.CancelFunc
	issuer      *token.Issuer
	validator   *token.Validator

	constructors *agent.ConstructorRegistry
	sessions     *session.Manager
	registry     *registry.Registry
	pool         *pool.Pool
	workflows    *workflow.Coordinator

	members    *cluster.Manager
	supervisor *cluster.Supervisor
	balancer   *balancer.Balancer

	collector *metrics.Collector
	recovery  *recovery.Manager
	limiter   *ratelimit.Limiter
	server    *server.Server

	knobsMu sync.Mutex
	knobs   knobs

	mu          sync.Mutex
	started     bool
	stopped     bool
	keysStarted bool
	stopCh      chan struct{}
	serverErr   chan error
	subs        []*bus.Subscription
	wg          sync.WaitGroup
}

// New builds every component for the given configuration. Nothing runs
// until Start.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Constructors == nil {
		return nil, fmt.Errorf("agent constructors are required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	rt := &Runtime{
		cfg:          cfg,
		version:      version,
		logger:       logger,
		clock:        opts.Clock,
		constructors: opts.Constructors,
		stopCh:       make(chan struct{}),
		serverErr:    make(chan error, 1),
		knobs: knobs{
			MaxConcurrent: cfg.Pool.MaxConcurrent,
			Thresholds:    cloneThresholds(cfg.Security.Violations.Thresholds),
		},
	}

	if cfg.Observability != nil {
		rt.obs = observability.NewManager(*cfg.Observability)
	} else {
		rt.obs = observability.NoopManager()
	}

	if err := rt.buildBus(); err != nil {
		return nil, err
	}
	if err := rt.buildSecurity(); err != nil {
		return nil, err
	}
	if err := rt.buildAgents(); err != nil {
		return nil, err
	}
	if err := rt.buildCluster(); err != nil {
		return nil, err
	}
	if err := rt.buildSurface(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) buildBus() error {
	if url := rt.cfg.Bus.NATSURL; url != "" {
		nats, err := bus.ConnectNATS(bus.NATSConfig{
			URL:    url,
			Node:   rt.cfg.Node,
			Logger: rt.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to the cluster bus: %w", err)
		}
		rt.bus = nats
		return nil
	}
	rt.broker = bus.NewBroker(rt.logger)
	rt.bus = rt.broker
	return nil
}

// buildSecurity assembles the kernel and its satellites: audit trail,
// violation monitor, capability model, revocation cache, signing keys,
// and the token issuer/validator pair.
func (rt *Runtime) buildSecurity() error {
	strict := rt.cfg.Mode == config.ModeProduction

	signingSecret, err := rt.cfg.Security.ResolveSigningSecret(strict)
	if err != nil {
		return err
	}
	auditSecret, err := rt.cfg.Security.Audit.ResolveChecksumSecret(strict)
	if err != nil {
		return err
	}

	destinations := []audit.Destination{audit.NewSlogDestination(rt.logger)}
	if dir := rt.cfg.Security.Audit.Dir; dir != "" {
		fileDest, err := audit.NewFileDestination(dir)
		if err != nil {
			return fmt.Errorf("failed to initialize the audit file destination: %w", err)
		}
		destinations = append(destinations, fileDest)
	}
	if rt.cfg.Security.Audit.Syslog {
		syslogDest, err := audit.NewSyslogDestination("soteria")
		if err != nil {
			return fmt.Errorf("failed to initialize the audit syslog destination: %w", err)
		}
		destinations = append(destinations, syslogDest)
	}
	rt.auditor = audit.New(audit.Config{
		NodeID:        rt.cfg.Node,
		Secret:        auditSecret,
		MaxBufferSize: rt.cfg.Security.Audit.MaxBufferSize,
		FlushInterval: rt.cfg.Security.Audit.FlushInterval.Duration(),
		Destinations:  destinations,
		Logger:        rt.logger,
	})

	rt.violations = violation.NewMonitor(violation.Config{
		Window:       rt.cfg.Security.Violations.Window.Duration(),
		Cooldown:     rt.cfg.Security.Violations.Cooldown.Duration(),
		Thresholds:   rt.cfg.Security.Violations.Thresholds,
		HistoryLimit: rt.cfg.Security.Violations.HistoryLimit,
		Audit:        rt.auditor,
		Publish:      rt.publishAlert,
		Logger:       rt.logger,
		Clock:        rt.clock,
	})

	modelOpts := []capability.ModelOption{
		capability.WithMaxDelegationDepth(rt.cfg.Security.MaxDelegationDepth),
	}
	if rt.clock != nil {
		modelOpts = append(modelOpts, capability.WithClock(rt.clock))
	}
	model := capability.NewModel(signingSecret, modelOpts...)

	rt.kernel = kernel.New(kernel.Config{
		Model:         model,
		Policies:      rt.cfg.Security.KernelPolicies(),
		Audit:         rt.auditor,
		Violations:    rt.violations,
		Logger:        rt.logger,
		CallTimeout:   rt.cfg.Security.CallTimeout.Duration(),
		SweepInterval: rt.cfg.Security.SweepInterval.Duration(),
		ExpiryGrace:   rt.cfg.Security.ExpiryGrace.Duration(),
		Clock:         rt.clock,
	})

	rt.revocations = revocation.New(revocation.Config{
		Retention:     rt.cfg.Security.Revocation.Retention.Duration(),
		SweepInterval: rt.cfg.Security.Revocation.SweepInterval.Duration(),
		Broadcast:     rt.broadcastRevocation,
		Logger:        rt.logger,
	})

	tokens := rt.cfg.Security.Tokens
	validatorOpts := []token.ValidatorOption{
		token.WithExpectedIssuer(tokens.Issuer),
		token.WithClockSkew(tokens.ClockSkew.Duration()),
		token.WithVerdictTTL(tokens.VerdictTTL.Duration()),
		token.WithViolationReporter(rt.violations),
	}
	if rt.clock != nil {
		validatorOpts = append(validatorOpts, token.WithValidatorClock(rt.clock))
	}

	if tokens.JWKSURL != "" {
		// Remote validation mode: this node trusts a peer's key set and
		// never mints tokens of its own.
		keysCtx, cancel := context.WithCancel(context.Background())
		remote, err := token.NewRemoteKeys(keysCtx, tokens.JWKSURL)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to initialize the remote key set: %w", err)
		}
		rt.keysCancel = cancel
		rt.validator = token.NewValidator(remote, rt.revocations, validatorOpts...)
		return nil
	}

	keyOpts := []keys.Option{
		keys.WithRotationInterval(rt.cfg.Security.Keys.RotationInterval.Duration()),
		keys.WithOverlapPeriod(rt.cfg.Security.Keys.OverlapPeriod.Duration()),
		keys.WithLogger(rt.logger),
		keys.WithRotationCallback(rt.announceRotation),
	}
	if rt.clock != nil {
		keyOpts = append(keyOpts, keys.WithClock(rt.clock))
	}
	keyManager, err := keys.NewManager(keyOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize the key manager: %w", err)
	}
	rt.keys = keyManager

	issuerOpts := []token.IssuerOption{
		token.WithMaxDepth(rt.cfg.Security.MaxDelegationDepth),
		token.WithDefaultTTL(tokens.DefaultTTL.Duration()),
	}
	if rt.clock != nil {
		issuerOpts = append(issuerOpts, token.WithIssuerClock(rt.clock))
	}
	rt.issuer = token.NewIssuer(tokens.Issuer, keyManager, rt.revocations, issuerOpts...)
	rt.validator = token.NewValidator(keyManager, rt.revocations, validatorOpts...)
	return nil
}

// buildAgents assembles the agent services: registry, session manager,
// execution pool, and workflow coordinator. The registry resolves local
// agents through the session manager, and the session manager routes
// outbound messages through the registry, so the registry comes first
// and resolves through a closure.
func (rt *Runtime) buildAgents() error {
	reg, err := registry.New(registry.Config{
		Node:           rt.cfg.Node,
		Bus:            rt.bus,
		Resolver:       registry.ResolverFunc(rt.resolveAgent),
		GossipInterval: rt.cfg.Registry.GossipInterval.Duration(),
		TombstoneTTL:   rt.cfg.Registry.TombstoneTTL.Duration(),
		Logger:         rt.logger,
		Clock:          rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the agent registry: %w", err)
	}
	rt.registry = reg

	sessions, err := session.NewManager(session.Config{
		Constructors:  rt.constructors,
		Bus:           rt.bus,
		Router:        reg,
		MailboxSize:   rt.cfg.Sessions.MailboxSize,
		MaxRestarts:   rt.cfg.Sessions.MaxRestarts,
		RestartWindow: rt.cfg.Sessions.RestartWindow.Duration(),
		Logger:        rt.logger,
		Clock:         rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the session manager: %w", err)
	}
	rt.sessions = sessions

	executionPool, err := pool.New(pool.Config{
		MaxConcurrent: rt.cfg.Pool.MaxConcurrent,
		QueueSize:     rt.cfg.Pool.QueueSize,
		QueueTimeout:  rt.cfg.Pool.QueueTimeout.Duration(),
		Factory:       rt.workerFactory,
		Logger:        rt.logger,
		Clock:         rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the execution pool: %w", err)
	}
	rt.pool = executionPool

	workflows, err := workflow.NewCoordinator(workflow.Config{
		Services:        &agentServices{rt: rt},
		Selector:        reg,
		Bus:             rt.bus,
		StepTimeout:     rt.cfg.Workflow.StepTimeout.Duration(),
		WorkflowTimeout: rt.cfg.Workflow.WorkflowTimeout.Duration(),
		Logger:          rt.logger,
		Clock:           rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the workflow coordinator: %w", err)
	}
	rt.workflows = workflows
	return nil
}

func (rt *Runtime) buildCluster() error {
	if !rt.cfg.Cluster.Enabled {
		return nil
	}

	discovery, err := cluster.NewDiscovery(cluster.DiscoveryConfig{
		Strategy:       rt.cfg.Cluster.Strategy,
		Node:           rt.cfg.Node,
		Members:        rt.cfg.Cluster.Members,
		MulticastGroup: rt.cfg.Cluster.MulticastGroup,
		ConsulAddress:  rt.cfg.Cluster.ConsulAddress,
		ConsulService:  rt.cfg.Cluster.ConsulService,
		Logger:         rt.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cluster discovery: %w", err)
	}

	members, err := cluster.NewManager(cluster.ManagerConfig{
		Node:              rt.cfg.Node,
		Bus:               rt.bus,
		Discovery:         discovery,
		HeartbeatInterval: rt.cfg.Cluster.HeartbeatInterval.Duration(),
		NodeTimeout:       rt.cfg.Cluster.NodeTimeout.Duration(),
		AgentCount:        rt.localAgentCount,
		Logger:            rt.logger,
		Clock:             rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the cluster manager: %w", err)
	}
	rt.members = members

	supervisor, err := cluster.NewSupervisor(cluster.SupervisorConfig{
		Node:    rt.cfg.Node,
		Bus:     rt.bus,
		Members: members,
		Host:    &sessionHost{rt: rt},
		Logger:  rt.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the distributed supervisor: %w", err)
	}
	rt.supervisor = supervisor

	loadBalancer, err := balancer.New(balancer.Config{
		Node:               rt.cfg.Node,
		Bus:                rt.bus,
		Registry:           rt.registry,
		Rebalancer:         supervisor,
		Strategy:           balancer.Strategy(rt.cfg.Balancer.Strategy),
		Interval:           rt.cfg.Balancer.Interval.Duration(),
		RebalanceThreshold: rt.cfg.Balancer.RebalanceThreshold,
		AgentCount:         rt.localAgentCount,
		Logger:             rt.logger,
		Clock:              rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the load balancer: %w", err)
	}
	rt.balancer = loadBalancer
	return nil
}

// buildSurface assembles the metrics collector, the recovery manager,
// and the HTTP server on top of everything else.
func (rt *Runtime) buildSurface() error {
	collector, err := metrics.New(metrics.Config{
		Kernel:           rt.kernel,
		Violations:       rt.violations,
		Tokens:           rt.validator,
		Audit:            rt.auditor,
		Pool:             rt.pool,
		Workflow:         rt.workflows,
		AgentCount:       rt.localAgentCount,
		SessionCount:     func() int { return len(rt.sessions.List()) },
		Meter:            rt.obs.Meter(),
		Interval:         rt.cfg.Metrics.Interval.Duration(),
		Retention:        rt.cfg.Metrics.Retention.Duration(),
		ViolationCeiling: rt.cfg.Metrics.ViolationCeiling,
		LatencyCeilingMS: rt.cfg.Metrics.LatencyCeilingMS,
		Logger:           rt.logger,
		Clock:            rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the metrics collector: %w", err)
	}
	rt.collector = collector

	recoveryManager, err := recovery.New(recovery.Config{
		Dir:  rt.cfg.Recovery.Dir,
		Node: rt.cfg.Node,
		Providers: map[recovery.Component]recovery.StateProvider{
			recovery.ComponentSecurity: &securityProvider{rt: rt},
			recovery.ComponentConfig:   &configProvider{rt: rt},
			recovery.ComponentAgents:   &agentsProvider{rt: rt},
			recovery.ComponentSessions: &sessionsProvider{rt: rt},
		},
		Bus:      rt.bus,
		Interval: rt.cfg.Recovery.Interval.Duration(),
		Keep:     rt.cfg.Recovery.Keep,
		MaxAge:   rt.cfg.Recovery.MaxAge.Duration(),
		Logger:   rt.logger,
		Clock:    rt.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize the recovery manager: %w", err)
	}
	rt.recovery = recoveryManager

	serverCfg := server.Config{
		Host:            rt.cfg.Server.Host,
		Port:            rt.cfg.Server.Port,
		ReadTimeout:     rt.cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    rt.cfg.Server.WriteTimeout.Duration(),
		ShutdownTimeout: rt.cfg.Server.ShutdownTimeout.Duration(),
		Version:         rt.version,
		Sessions:        rt.sessions,
		Agents:          rt.registry,
		Bus:             rt.bus,
		Node:            rt.cfg.Node,
		Validator:       rt.validator,
		AuthEnabled:     rt.cfg.Server.Auth.Enabled,
		Observability:   rt.obs,
		Logger:          rt.logger,
		Clock:           rt.clock,
	}
	if rt.keys != nil {
		serverCfg.Keys = rt.keys
	}
	if rt.cfg.Server.RateLimit.Enabled {
		var limiterOpts []ratelimit.Option
		if rt.clock != nil {
			limiterOpts = append(limiterOpts, ratelimit.WithClock(rt.clock))
		}
		limiter, err := ratelimit.New(rt.cfg.Server.RateLimit.Limits(), limiterOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize the rate limiter: %w", err)
		}
		rt.limiter = limiter
		serverCfg.RateLimiter = limiter
		serverCfg.Violations = rt.violations
	}
	srv, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize the server: %w", err)
	}
	rt.server = srv
	return nil
}

// Start brings the node up: bus, security core, registries, cluster
// services, collectors, and finally the HTTP listener.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	rt.started = true
	rt.mu.Unlock()

	if err := rt.obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	if rt.broker != nil {
		rt.broker.Start()
	}
	if rt.keys != nil {
		rt.keys.Start()
		rt.keysStarted = true
	}
	rt.kernel.Start()
	if err := rt.registry.Start(); err != nil {
		return fmt.Errorf("failed to start the agent registry: %w", err)
	}
	if err := rt.startEventLoops(); err != nil {
		return err
	}
	if rt.members != nil {
		if err := rt.members.Start(ctx); err != nil {
			return fmt.Errorf("failed to start the cluster manager: %w", err)
		}
		if err := rt.supervisor.Start(); err != nil {
			return fmt.Errorf("failed to start the distributed supervisor: %w", err)
		}
		if err := rt.balancer.Start(); err != nil {
			return fmt.Errorf("failed to start the load balancer: %w", err)
		}
	}
	rt.collector.Start()
	if err := rt.recovery.Start(ctx); err != nil {
		return fmt.Errorf("failed to start the recovery manager: %w", err)
	}
	rt.startMaintenance()

	// The listener blocks until Stop; its exit reaches Wait.
	go func() {
		rt.serverErr <- rt.server.Start(ctx)
	}()

	rt.logger.Info("Node started",
		"node", rt.cfg.Node,
		"mode", string(rt.cfg.Mode),
		"port", rt.cfg.Server.Port,
		"cluster", rt.cfg.Cluster.Enabled,
		"agent_types", rt.constructors.Types())
	return nil
}

// Wait blocks until the HTTP listener exits or ctx is done. It returns
// nil on a clean stop and the listener error otherwise.
func (rt *Runtime) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-rt.serverErr:
		return err
	}
}

// Stop drains and releases every component in reverse dependency order.
// A final snapshot is taken while state is still live.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started || rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	var errs []error
	record := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	record("server", rt.server.Stop(ctx))
	if rt.limiter != nil {
		record("rate limiter", rt.limiter.Close())
	}
	if _, err := rt.recovery.SnapshotNow(ctx); err != nil {
		record("final snapshot", err)
	}

	close(rt.stopCh)
	for _, sub := range rt.subs {
		sub.Unsubscribe()
	}
	rt.wg.Wait()

	// The pool, workflow coordinator, and session manager drain
	// independently of each other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.pool.Close(gctx) })
	g.Go(func() error { return rt.workflows.Close() })
	g.Go(func() error { return rt.sessions.Close(gctx) })
	record("drain", g.Wait())

	if rt.balancer != nil {
		record("balancer", rt.balancer.Close())
	}
	if rt.supervisor != nil {
		record("supervisor", rt.supervisor.Close())
	}
	if rt.members != nil {
		record("cluster manager", rt.members.Close())
	}
	record("registry", rt.registry.Close())
	rt.recovery.Close()
	rt.collector.Close()
	rt.kernel.Stop()
	if rt.keysStarted {
		rt.keys.Stop()
	}
	if rt.keysCancel != nil {
		rt.keysCancel()
	}
	record("audit", rt.auditor.Close())
	record("bus", rt.bus.Close())
	record("observability", rt.obs.Shutdown(ctx))

	rt.logger.Info("Node stopped", "node", rt.cfg.Node)
	return errors.Join(errs...)
}

func (rt *Runtime) localAgentCount() int {
	return len(rt.registry.ListOnNode(rt.cfg.Node))
}

// Config returns the node configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Bus returns the event bus.
func (rt *Runtime) Bus() bus.Bus { return rt.bus }

// Kernel returns the security kernel.
func (rt *Runtime) Kernel() *kernel.Kernel { return rt.kernel }

// Issuer returns the token issuer, nil in remote validation mode.
func (rt *Runtime) Issuer() *token.Issuer { return rt.issuer }

// Validator returns the token validator.
func (rt *Runtime) Validator() *token.Validator { return rt.validator }

// Keys returns the signing key manager, nil in remote validation mode.
func (rt *Runtime) Keys() *keys.Manager { return rt.keys }

// Revocations returns the revocation cache.
func (rt *Runtime) Revocations() *revocation.Cache { return rt.revocations }

// Audit returns the audit logger.
func (rt *Runtime) Audit() *audit.Logger { return rt.auditor }

// Violations returns the violation monitor.
func (rt *Runtime) Violations() *violation.Monitor { return rt.violations }

// Sessions returns the session manager.
func (rt *Runtime) Sessions() *session.Manager { return rt.sessions }

// Registry returns the distributed agent registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Pool returns the bounded execution pool.
func (rt *Runtime) Pool() *pool.Pool { return rt.pool }

// Workflows returns the workflow coordinator.
func (rt *Runtime) Workflows() *workflow.Coordinator { return rt.workflows }

// Cluster returns the cluster membership manager, nil when clustering
// is disabled.
func (rt *Runtime) Cluster() *cluster.Manager { return rt.members }

// Metrics returns the health metrics collector.
func (rt *Runtime) Metrics() *metrics.Collector { return rt.collector }

// Recovery returns the snapshot and recovery manager.
func (rt *Runtime) Recovery() *recovery.Manager { return rt.recovery }

// RateLimiter returns the HTTP request limiter, nil when throttling is
// disabled.
func (rt *Runtime) RateLimiter() *ratelimit.Limiter { return rt.limiter }

// Server returns the HTTP server.
func (rt *Runtime) Server() *server.Server { return rt.server }
