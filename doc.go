// Package soteria provides a capability-secured agent orchestration
// runtime.
//
// Soteria runs multi-agent workloads behind a security kernel: every
// inter-agent call is checked against signed, delegable capabilities
// with constraint intersection, cascading revocation, and a
// tamper-evident audit trail. Agents are actors with supervised
// lifecycles; nodes gossip their registries and can migrate agents
// across a cluster.
//
// # Quick Start
//
// Install Soteria:
//
//	go install github.com/soteria-run/soteria/cmd/soteria@latest
//
// Start a node with defaults:
//
//	soteria serve
//
// Or with a configuration file, watching it for changes:
//
//	soteria serve --config node.yaml --watch
//
// # Using as Go Library
//
// Embed the runtime and register your own agent implementations:
//
//	import (
//	    "github.com/soteria-run/soteria/pkg/agent"
//	    "github.com/soteria-run/soteria/pkg/config"
//	    "github.com/soteria-run/soteria/pkg/runtime"
//	)
//
//	constructors := agent.NewConstructorRegistry()
//	constructors.Register("researcher", newResearcher)
//
//	rt, err := runtime.New(config.Default(), runtime.Options{
//	    Constructors: constructors,
//	})
//
// The individual layers are importable on their own:
//
//	import (
//	    "github.com/soteria-run/soteria/pkg/capability"
//	    "github.com/soteria-run/soteria/pkg/kernel"
//	    "github.com/soteria-run/soteria/pkg/token"
//	)
//
// # Key Features
//
//   - Capability security: HMAC-signed grants, delegation with
//     constraint intersection, cascading revocation
//   - RS256 capability tokens with JWKS publication and key rotation
//   - Actor-based agents with typed supervisors and restart policies
//   - Session manager for user-facing agent trees
//   - Distributed registry with gossip, cluster membership, and
//     agent migration
//   - Tamper-evident audit chain and violation monitoring
//
// # Alpha Status
//
// Soteria is currently in alpha development. APIs may change, and some
// features are experimental.
//
// # License
//
// Apache-2.0 - See LICENSE for details.
package soteria
