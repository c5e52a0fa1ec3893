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

// Package kernel is the single-writer authority over capability state.
//
// All capability storage, the per-principal index, and the delegation tree
// are owned by one goroutine; every operation is serialised through it, so
// each write is atomic from the caller's viewpoint. Callers block until
// their operation ran or their context expired; on timeout the kernel still
// finishes the operation and the result is discarded.
package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/soteria-run/soteria/pkg/audit"
	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/violation"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	// DefaultCallTimeout bounds synchronous kernel calls whose context
	// carries no deadline.
	DefaultCallTimeout = 10 * time.Second

	// DefaultSweepInterval is the cadence of the expired-capability sweep.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultExpiryGrace is how long an expired capability stays in
	// storage before the sweep removes it.
	DefaultExpiryGrace = time.Hour
)

// Auditor receives security audit events. *audit.Logger satisfies it.
type Auditor interface {
	Log(eventType, principalID string, details map[string]any) audit.Entry
}

var _ Auditor = (*audit.Logger)(nil)

// ViolationReporter receives typed violations from kernel denial paths.
// *violation.Monitor satisfies it.
type ViolationReporter interface {
	ReportViolation(violationType, principalID, resource, operation string, details map[string]any)
}

var _ ViolationReporter = (*violation.Monitor)(nil)

// Config configures a Kernel.
type Config struct {
	// Model signs, validates, and delegates capabilities. Required.
	Model *capability.Model

	// Policies gate capability requests per resource type. A resource
	// type without a policy is unrestricted.
	Policies map[capability.ResourceType]Policy

	// Audit, when set, receives capability lifecycle events.
	Audit Auditor

	// Violations, when set, receives typed violations on denials.
	Violations ViolationReporter

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// CallTimeout bounds calls whose context has no deadline.
	CallTimeout time.Duration

	// SweepInterval is how often expired capabilities are purged.
	SweepInterval time.Duration

	// ExpiryGrace keeps expired capabilities around for forensics before
	// the sweep drops them.
	ExpiryGrace time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Stats is a point-in-time snapshot of kernel counters.
type Stats struct {
	Running            bool   `json:"running"`
	Active             int    `json:"active_capabilities"`
	Created            uint64 `json:"created_total"`
	Delegated          uint64 `json:"delegated_total"`
	Revoked            uint64 `json:"revoked_total"`
	ChecksAllowed      uint64 `json:"checks_allowed_total"`
	ChecksDenied       uint64 `json:"checks_denied_total"`
	PolicyDenials      uint64 `json:"policy_denials_total"`
	ValidationFailures uint64 `json:"validation_failures_total"`
	Swept              uint64 `json:"swept_total"`
}

// Kernel serialises all capability lifecycle operations through one
// goroutine.
type Kernel struct {
	model         *capability.Model
	policies      map[capability.ResourceType]Policy
	audit         Auditor
	violations    ViolationReporter
	logger        *slog.Logger
	callTimeout   time.Duration
	sweepInterval time.Duration
	grace         time.Duration
	now           func() time.Time

	requests chan func()
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool

	// Owned exclusively by the run loop.
	caps        map[string]*capability.Capability
	byPrincipal map[string]map[string]struct{}
	children    map[string]map[string]struct{}
	recent      map[string][]time.Time
	stats       Stats
}

// New creates a kernel. The loop is not running until Start.
func New(cfg Config) *Kernel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = DefaultExpiryGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Kernel{
		model:         cfg.Model,
		policies:      cfg.Policies,
		audit:         cfg.Audit,
		violations:    cfg.Violations,
		logger:        cfg.Logger,
		callTimeout:   cfg.CallTimeout,
		sweepInterval: cfg.SweepInterval,
		grace:         cfg.ExpiryGrace,
		now:           cfg.Clock,
		requests:      make(chan func(), 100),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		caps:          make(map[string]*capability.Capability),
		byPrincipal:   make(map[string]map[string]struct{}),
		children:      make(map[string]map[string]struct{}),
		recent:        make(map[string][]time.Time),
	}
}

// Start runs the kernel loop. A kernel starts at most once.
func (k *Kernel) Start() {
	if !k.running.CompareAndSwap(false, true) {
		return
	}
	go k.run()
	k.logger.Info("Security kernel started")
}

// Stop terminates the loop. Queued operations are discarded; a stopped
// kernel does not restart.
func (k *Kernel) Stop() {
	if !k.running.CompareAndSwap(true, false) {
		return
	}
	close(k.quit)
	<-k.done
	k.logger.Info("Security kernel stopped")
}

// Running reports whether the kernel loop is accepting operations.
func (k *Kernel) Running() bool {
	return k.running.Load()
}

// Request validates the constraints against policy and mints a capability
// for the principal.
func (k *Kernel) Request(ctx context.Context, principalID string, resourceType capability.ResourceType, constraints capability.Constraints) (*capability.Capability, error) {
	var (
		created *capability.Capability
		opErr   error
	)
	if err := k.call(ctx, func() {
		created, opErr = k.handleRequest(principalID, resourceType, constraints)
	}); err != nil {
		return nil, err
	}
	return created, opErr
}

// Validate checks that the presented capability exists in storage, that its
// signature bit-matches the stored one, and, when operation is non-empty,
// that the capability permits the operation on the resource.
func (k *Kernel) Validate(ctx context.Context, c *capability.Capability, operation, resource string) error {
	var opErr error
	if err := k.call(ctx, func() {
		opErr = k.handleValidate(c, operation, resource)
	}); err != nil {
		return err
	}
	return opErr
}

// Delegate mints a narrowed child capability for the target principal and
// links it under the parent in the delegation tree.
func (k *Kernel) Delegate(ctx context.Context, parentID, targetPrincipal string, added capability.Constraints) (*capability.Capability, error) {
	var (
		child *capability.Capability
		opErr error
	)
	if err := k.call(ctx, func() {
		child, opErr = k.handleDelegate(parentID, targetPrincipal, added)
	}); err != nil {
		return nil, err
	}
	return child, opErr
}

// Revoke marks the capability and every transitive delegation revoked and
// returns how many capabilities changed state.
func (k *Kernel) Revoke(ctx context.Context, id string) (int, error) {
	var (
		count int
		opErr error
	)
	if err := k.call(ctx, func() {
		count, opErr = k.handleRevoke(id)
	}); err != nil {
		return 0, err
	}
	return count, opErr
}

// CheckPermission scans the principal's capabilities of the resource type
// and returns the id of the first one permitting the operation.
func (k *Kernel) CheckPermission(ctx context.Context, principalID string, resourceType capability.ResourceType, operation, resource string) (string, error) {
	var (
		capID string
		opErr error
	)
	if err := k.call(ctx, func() {
		capID, opErr = k.handleCheckPermission(principalID, resourceType, operation, resource)
	}); err != nil {
		return "", err
	}
	return capID, opErr
}

// Get returns a copy of the stored capability.
func (k *Kernel) Get(ctx context.Context, id string) (*capability.Capability, error) {
	var (
		found *capability.Capability
		opErr error
	)
	if err := k.call(ctx, func() {
		if stored, ok := k.caps[id]; ok {
			found = cloneCapability(stored)
		} else {
			opErr = ErrNotFound
		}
	}); err != nil {
		return nil, err
	}
	return found, opErr
}

// List returns copies of the principal's capabilities, oldest first.
func (k *Kernel) List(ctx context.Context, principalID string) ([]*capability.Capability, error) {
	var caps []*capability.Capability
	if err := k.call(ctx, func() {
		for id := range k.byPrincipal[principalID] {
			caps = append(caps, cloneCapability(k.caps[id]))
		}
	}); err != nil {
		return nil, err
	}
	sortCapabilities(caps)
	return caps, nil
}

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := k.call(ctx, func() {
		stats = k.stats
		stats.Active = len(k.caps)
		stats.Running = true
	}); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Export returns copies of every stored capability, oldest first, for
// recovery snapshots.
func (k *Kernel) Export(ctx context.Context) ([]*capability.Capability, error) {
	var caps []*capability.Capability
	if err := k.call(ctx, func() {
		for _, stored := range k.caps {
			caps = append(caps, cloneCapability(stored))
		}
	}); err != nil {
		return nil, err
	}
	sortCapabilities(caps)
	return caps, nil
}

// Restore replaces kernel state with the given capabilities, rebuilding the
// principal index and delegation tree from their stored fields.
func (k *Kernel) Restore(ctx context.Context, caps []*capability.Capability) error {
	return k.call(ctx, func() {
		k.caps = make(map[string]*capability.Capability, len(caps))
		k.byPrincipal = make(map[string]map[string]struct{})
		k.children = make(map[string]map[string]struct{})
		for _, c := range caps {
			if c == nil || c.ID == "" {
				continue
			}
			stored := cloneCapability(c)
			k.caps[stored.ID] = stored
			k.index(stored)
		}
		k.logger.Info("Security kernel state restored", "capabilities", len(k.caps))
	})
}

// call hands fn to the kernel loop and waits for it to run. Without a
// deadline on ctx the configured call timeout applies. A timed-out call
// still runs; its result is discarded.
func (k *Kernel) call(ctx context.Context, fn func()) error {
	if !k.running.Load() {
		return ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.callTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	select {
	case k.requests <- func() {
		fn()
		close(done)
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-k.quit:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-k.quit:
		// The loop may have finished fn in the same instant.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (k *Kernel) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-k.requests:
			fn()
		case <-ticker.C:
			k.sweep()
		case <-k.quit:
			return
		}
	}
}

func (k *Kernel) handleRequest(principalID string, resourceType capability.ResourceType, constraints capability.Constraints) (*capability.Capability, error) {
	policy := k.policies[resourceType]

	if policy.RequestsPerMinute > 0 {
		key := principalID + "|" + string(resourceType)
		window := k.pruneRecent(key)
		if len(window) >= policy.RequestsPerMinute {
			k.stats.PolicyDenials++
			k.auditEvent(audit.EventPermissionDenied, principalID, map[string]any{
				"stage":         "request_capability",
				"resource_type": string(resourceType),
				"reason":        ErrRateLimited.Error(),
			})
			k.reportViolation(violation.TypeRateLimitExceeded, principalID, string(resourceType), "request_capability", map[string]any{
				"limit_per_minute": policy.RequestsPerMinute,
			})
			return nil, ErrRateLimited
		}
		k.recent[key] = append(window, k.now())
	}

	if err := policy.admit(constraints); err != nil {
		k.stats.PolicyDenials++
		k.auditEvent(audit.EventPermissionDenied, principalID, map[string]any{
			"stage":         "request_capability",
			"resource_type": string(resourceType),
			"reason":        err.Error(),
		})
		k.reportViolation(violationTypeFor(err), principalID, string(resourceType), "request_capability", nil)
		return nil, err
	}

	created, err := k.model.Create(resourceType, constraints, principalID)
	if err != nil {
		return nil, err
	}

	k.caps[created.ID] = created
	k.index(created)
	k.stats.Created++
	k.auditEvent(audit.EventCapabilityCreated, principalID, map[string]any{
		"capability_id": created.ID,
		"resource_type": string(resourceType),
	})
	return cloneCapability(created), nil
}

func (k *Kernel) handleValidate(c *capability.Capability, operation, resource string) error {
	err := k.validateStored(c, operation, resource)
	if err != nil {
		k.stats.ValidationFailures++
		principal := ""
		if c != nil {
			principal = c.PrincipalID
		}
		k.auditEvent(audit.EventValidationFailed, principal, map[string]any{
			"operation": operation,
			"resource":  resource,
			"reason":    err.Error(),
		})
		k.reportViolation(violationTypeFor(err), principal, resource, operation, nil)
	}
	return err
}

func (k *Kernel) validateStored(c *capability.Capability, operation, resource string) error {
	if c == nil {
		return ErrNotFound
	}
	stored, ok := k.caps[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Signature != c.Signature {
		return ErrSignatureMismatch
	}
	if err := k.model.Validate(stored); err != nil {
		return err
	}
	if operation == "" {
		return nil
	}
	return k.model.Permits(stored, operation, resource)
}

func (k *Kernel) handleDelegate(parentID, targetPrincipal string, added capability.Constraints) (*capability.Capability, error) {
	parent, ok := k.caps[parentID]
	if !ok {
		return nil, ErrNotFound
	}

	child, err := k.model.Delegate(parent, targetPrincipal, added)
	if err != nil {
		return nil, err
	}

	k.caps[child.ID] = child
	k.index(child)
	k.stats.Delegated++
	k.auditEvent(audit.EventCapabilityDelegated, parent.PrincipalID, map[string]any{
		"capability_id":    child.ID,
		"parent_id":        parentID,
		"target_principal": targetPrincipal,
		"depth":            child.DelegationDepth,
	})
	return cloneCapability(child), nil
}

func (k *Kernel) handleRevoke(id string) (int, error) {
	root, ok := k.caps[id]
	if !ok {
		return 0, ErrNotFound
	}

	count := 0
	stack := []string{root.ID}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c, ok := k.caps[next]
		if !ok {
			continue
		}
		if !c.Revoked {
			k.model.Revoke(c)
			count++
		}
		for childID := range k.children[next] {
			stack = append(stack, childID)
		}
	}

	k.stats.Revoked += uint64(count)
	k.auditEvent(audit.EventCapabilityRevoked, root.PrincipalID, map[string]any{
		"capability_id": id,
		"cascade_count": count,
	})
	return count, nil
}

func (k *Kernel) handleCheckPermission(principalID string, resourceType capability.ResourceType, operation, resource string) (string, error) {
	now := k.now()
	for id := range k.byPrincipal[principalID] {
		c := k.caps[id]
		if c == nil || c.ResourceType != resourceType {
			continue
		}
		if c.Revoked || c.Expired(now) {
			continue
		}
		if k.model.Permits(c, operation, resource) == nil {
			k.stats.ChecksAllowed++
			k.auditEvent(audit.EventPermissionChecked, principalID, map[string]any{
				"capability_id": id,
				"operation":     operation,
				"resource":      resource,
				"allowed":       true,
			})
			return id, nil
		}
	}

	k.stats.ChecksDenied++
	k.auditEvent(audit.EventPermissionDenied, principalID, map[string]any{
		"stage":         "check_permission",
		"resource_type": string(resourceType),
		"operation":     operation,
		"resource":      resource,
	})
	k.reportViolation(violation.TypePermissionDenied, principalID, resource, operation, map[string]any{
		"resource_type": string(resourceType),
	})
	return "", ErrPermissionDenied
}

// sweep removes capabilities expired for longer than the grace period and
// prunes the delegation tree and rate-limit windows.
func (k *Kernel) sweep() {
	cutoff := k.now().Add(-k.grace)
	removed := 0
	for id, c := range k.caps {
		if !c.Expired(cutoff) {
			continue
		}
		delete(k.caps, id)
		if ids, ok := k.byPrincipal[c.PrincipalID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(k.byPrincipal, c.PrincipalID)
			}
		}
		delete(k.children, id)
		if c.ParentID != "" {
			if ids, ok := k.children[c.ParentID]; ok {
				delete(ids, id)
				if len(ids) == 0 {
					delete(k.children, c.ParentID)
				}
			}
		}
		removed++
	}
	if removed > 0 {
		k.stats.Swept += uint64(removed)
		k.logger.Debug("Swept expired capabilities", "removed", removed, "active", len(k.caps))
	}

	for key := range k.recent {
		if len(k.pruneRecent(key)) == 0 {
			delete(k.recent, key)
		}
	}
}

// index records the capability in the principal index and, when delegated,
// the delegation tree.
func (k *Kernel) index(c *capability.Capability) {
	ids, ok := k.byPrincipal[c.PrincipalID]
	if !ok {
		ids = make(map[string]struct{})
		k.byPrincipal[c.PrincipalID] = ids
	}
	ids[c.ID] = struct{}{}

	if c.ParentID == "" {
		return
	}
	kids, ok := k.children[c.ParentID]
	if !ok {
		kids = make(map[string]struct{})
		k.children[c.ParentID] = kids
	}
	kids[c.ID] = struct{}{}
}

// pruneRecent drops rate-limit samples older than one minute and stores the
// remainder.
func (k *Kernel) pruneRecent(key string) []time.Time {
	cutoff := k.now().Add(-time.Minute)
	window := k.recent[key][:0]
	for _, t := range k.recent[key] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}
	k.recent[key] = window
	return window
}

func (k *Kernel) auditEvent(eventType, principalID string, details map[string]any) {
	if k.audit == nil {
		return
	}
	k.audit.Log(eventType, principalID, details)
}

func (k *Kernel) reportViolation(violationType, principalID, resource, operation string, details map[string]any) {
	if k.violations == nil {
		return
	}
	k.violations.ReportViolation(violationType, principalID, resource, operation, details)
}

// violationTypeFor maps a denial to its violation type. Scope denials keep
// their specific type; everything else counts as an invalid capability.
func violationTypeFor(err error) string {
	switch {
	case errors.Is(err, capability.ErrOperationNotPermitted):
		return violation.TypeOperationNotPermitted
	case errors.Is(err, capability.ErrPathNotAllowed):
		return violation.TypePathNotAllowed
	case errors.Is(err, capability.ErrToolNotAllowed):
		return violation.TypeToolNotAllowed
	case errors.Is(err, capability.ErrResourceNotPermitted):
		return violation.TypeResourceNotPermitted
	default:
		return violation.TypeInvalidCapability
	}
}

func cloneCapability(c *capability.Capability) *capability.Capability {
	out := *c
	out.Constraints = c.Constraints.Clone()
	return &out
}

func sortCapabilities(caps []*capability.Capability) {
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].IssuedAt.Equal(caps[j].IssuedAt) {
			return caps[i].ID < caps[j].ID
		}
		return caps[i].IssuedAt.Before(caps[j].IssuedAt)
	})
}
