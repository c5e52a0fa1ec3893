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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/soteria-run/soteria/pkg/config"
	"github.com/soteria-run/soteria/pkg/config/provider"
	"github.com/soteria-run/soteria/pkg/runtime"
)

// ServeCmd starts an orchestration node.
type ServeCmd struct {
	// Server options
	Port  int  `help:"HTTP port to listen on." default:"8080"`
	Watch bool `help:"Watch config file for changes."`

	// Pool options
	MaxConcurrent int `name:"max-concurrent" help:"Worker pool concurrency ceiling."`

	// Cluster options
	ClusterStrategy string   `name:"cluster-strategy" help:"Cluster discovery strategy (static, multicast, kubernetes, consul). Enables clustering." placeholder:"STRATEGY"`
	ClusterMembers  []string `name:"cluster-members" help:"Static cluster member addresses (comma-separated). Enables clustering." placeholder:"HOST:PORT,..."`
	NATSURL         string   `name:"nats-url" help:"NATS server URL for the cluster bus." placeholder:"nats://HOST:4222"`

	// Security options
	RotationInterval time.Duration `name:"rotation-interval" help:"Signing key rotation interval."`
	AuditDir         string        `name:"audit-dir" help:"Directory for audit log files." type:"path" placeholder:"PATH"`

	// Recovery options
	BackupDir string `name:"backup-dir" help:"Directory for recovery snapshots." type:"path" placeholder:"PATH"`

	// rt is set once the runtime is built; config reloads apply to it.
	rt atomic.Pointer[runtime.Runtime]
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	c.applyOverrides(cfg)

	constructors, err := builtinConstructors()
	if err != nil {
		return fmt.Errorf("failed to register built-in agents: %w", err)
	}

	rt, err := runtime.New(cfg, runtime.Options{
		Constructors: constructors,
		Version:      buildVersion(),
	})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	c.rt.Store(rt)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Start config watching if enabled
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	} else if c.Watch {
		slog.Info("Config watching requires --config; running on defaults")
	}

	printStartupInfo(rt, constructors.Types())

	// Block until a signal lands or the listener fails.
	waitErr := rt.Wait(ctx)
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("Node failed", "error", waitErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	slog.Info("Node stopped")
	return nil
}

// loadConfig loads configuration from a file, or falls back to defaults
// when no --config is given.
func (c *ServeCmd) loadConfig(ctx context.Context, configPath string) (*config.Config, *config.Loader, error) {
	if configPath == "" {
		slog.Info("No config file; using defaults")
		return config.Default(), nil, nil
	}

	p, err := provider.New(provider.ProviderConfig{
		Type: provider.TypeFile,
		Path: configPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config: %w", err)
	}

	loader := config.NewLoader(p, config.WithOnChange(c.onConfigChange))

	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", configPath)
	return cfg, loader, nil
}

// onConfigChange applies a reloaded config to the running node. Reloads
// arriving before the runtime exists are dropped.
func (c *ServeCmd) onConfigChange(next *config.Config) {
	rt := c.rt.Load()
	if rt == nil {
		return
	}
	c.applyOverrides(next)
	if err := rt.ApplyConfig(next); err != nil {
		slog.Error("Config reload rejected", "error", err)
	}
}

// applyOverrides layers CLI flags over the loaded config.
func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Port != 0 && c.Port != 8080 {
		cfg.Server.Port = c.Port
	}
	if c.MaxConcurrent > 0 {
		cfg.Pool.MaxConcurrent = c.MaxConcurrent
	}
	if c.ClusterStrategy != "" {
		cfg.Cluster.Enabled = true
		cfg.Cluster.Strategy = c.ClusterStrategy
	}
	if len(c.ClusterMembers) > 0 {
		cfg.Cluster.Enabled = true
		cfg.Cluster.Members = c.ClusterMembers
	}
	if c.NATSURL != "" {
		cfg.Bus.NATSURL = c.NATSURL
	}
	if c.RotationInterval > 0 {
		cfg.Security.Keys.RotationInterval = config.Duration(c.RotationInterval)
	}
	if c.AuditDir != "" {
		cfg.Security.Audit.Dir = c.AuditDir
	}
	if c.BackupDir != "" {
		cfg.Recovery.Dir = c.BackupDir
	}
}

// printStartupInfo prints the node's endpoints and wiring.
func printStartupInfo(rt *runtime.Runtime, agentTypes []string) {
	cfg := rt.Config()

	displayHost := cfg.Server.Host
	if displayHost == "" || displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}
	addr := fmt.Sprintf("%s:%d", displayHost, cfg.Server.Port)

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"
	fmt.Printf("\n%sSoteria node ready%s\n", greenColor, resetColor)
	fmt.Printf("   Node:        %s\n", cfg.Node)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	fmt.Printf("   Agents:      http://%s/agents\n", addr)
	fmt.Printf("   Sessions:    http://%s/sessions\n", addr)
	if rt.Keys() != nil {
		fmt.Printf("   JWKS:        http://%s/.well-known/jwks.json\n", addr)
	}
	if cfg.Observability != nil && cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s%s\n", addr, cfg.Observability.Metrics.Endpoint)
	}

	if cfg.Cluster.Enabled {
		fmt.Printf("   Cluster:     %s discovery", cfg.Cluster.Strategy)
		if len(cfg.Cluster.Members) > 0 {
			fmt.Printf(" (%d member(s))", len(cfg.Cluster.Members))
		}
		fmt.Println()
		if cfg.Bus.NATSURL != "" {
			fmt.Printf("   Bus:         %s\n", cfg.Bus.NATSURL)
		}
	}

	if cfg.Server.Auth.Enabled {
		fmt.Printf("   Auth:        bearer tokens required\n")
	} else {
		fmt.Printf("   Auth:        disabled\n")
	}
	fmt.Printf("   Agent types: %s\n", strings.Join(agentTypes, ", "))

	fmt.Println("\nPress Ctrl+C to stop")
}
