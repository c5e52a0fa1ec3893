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

package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	gocache "github.com/patrickmn/go-cache"

	"github.com/soteria-run/soteria/pkg/capability"
)

// Defaults applied by NewValidator when options leave them unset.
const (
	// DefaultClockSkew tolerates drift between issuer and validator
	// clocks.
	DefaultClockSkew = 300 * time.Second

	// DefaultVerdictTTL bounds how long a signature verification result
	// is reused without redoing the crypto.
	DefaultVerdictTTL = 30 * time.Second
)

// KeyProvider supplies the public keys a validator accepts. Both the local
// key manager and the remote JWKS provider satisfy it.
type KeyProvider interface {
	VerificationKeys() (jwk.Set, error)
}

// RevocationChecker is the read side of the revocation cache.
type RevocationChecker interface {
	IsRevoked(jti string) bool
}

// ViolationReporter receives a typed violation for every validation
// failure. The violation monitor satisfies it.
type ViolationReporter interface {
	ReportViolation(violationType, principalID, resource, operation string, details map[string]any)
}

// Violation type reported for authenticity failures. Scope denials report
// their specific reason instead.
const ViolationInvalidCapability = "invalid_capability"

// verdict is a cached signature verification outcome.
type verdict struct {
	claims *Claims
	err    error
}

// Stats are validation counters plus a rolling latency average, sampled by
// the metrics collector for health scoring.
type Stats struct {
	// Validations counts Validate calls.
	Validations uint64 `json:"validations_total"`

	// Failures counts Validate calls that returned an error.
	Failures uint64 `json:"failures_total"`

	// AvgLatencyMS is an exponential moving average of Validate wall
	// time in milliseconds, weighting the newest call at 0.2.
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Validator authorises tokens without consulting the security kernel: it
// needs only the published keys and the revocation cache.
type Validator struct {
	keys        KeyProvider
	revocations RevocationChecker
	reporter    ViolationReporter
	issuer      string
	clockSkew   time.Duration
	verdicts    *gocache.Cache
	now         func() time.Time

	statsMu     sync.Mutex
	validations uint64
	failures    uint64
	avgLatency  float64
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

// WithExpectedIssuer rejects tokens whose iss claim differs.
func WithExpectedIssuer(issuer string) ValidatorOption {
	return func(v *Validator) { v.issuer = issuer }
}

// WithClockSkew overrides the clock skew tolerance.
func WithClockSkew(skew time.Duration) ValidatorOption {
	return func(v *Validator) { v.clockSkew = skew }
}

// WithViolationReporter wires validation failures to the violation monitor.
func WithViolationReporter(r ViolationReporter) ValidatorOption {
	return func(v *Validator) { v.reporter = r }
}

// WithValidatorClock overrides the time source. Used by tests.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithVerdictTTL overrides how long crypto verdicts are cached. Zero
// disables the cache.
func WithVerdictTTL(ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		if ttl <= 0 {
			v.verdicts = nil
			return
		}
		v.verdicts = gocache.New(ttl, 2*ttl)
	}
}

// NewValidator creates a validator reading keys from the provider and
// revocations from the checker.
func NewValidator(keys KeyProvider, revocations RevocationChecker, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys:        keys,
		revocations: revocations,
		clockSkew:   DefaultClockSkew,
		verdicts:    gocache.New(DefaultVerdictTTL, 2*DefaultVerdictTTL),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate authorises operation on resource under the token. On success the
// decoded claims are returned; every failure is typed and reported as a
// violation.
func (v *Validator) Validate(tokenString, operation, resource string) (*Claims, error) {
	start := time.Now()
	claims, err := v.validate(tokenString, operation, resource)
	v.observe(time.Since(start), err)
	return claims, err
}

func (v *Validator) validate(tokenString, operation, resource string) (*Claims, error) {
	claims, err := v.verify(tokenString)
	if err != nil {
		v.report(ViolationInvalidCapability, claims, resource, operation, err)
		return nil, err
	}

	now := v.now()
	if now.After(claims.ExpiresAt.Add(v.clockSkew)) {
		err := ErrExpired
		v.report(ViolationInvalidCapability, claims, resource, operation, err)
		return nil, err
	}
	if claims.IssuedAt.After(now.Add(v.clockSkew)) {
		err := ErrUsedBeforeIssued
		v.report(ViolationInvalidCapability, claims, resource, operation, err)
		return nil, err
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		err := fmt.Errorf("%w: unexpected issuer", ErrInvalidSignature)
		v.report(ViolationInvalidCapability, claims, resource, operation, err)
		return nil, err
	}

	if v.revocations != nil {
		if v.revocations.IsRevoked(claims.JTI) {
			v.report(ViolationInvalidCapability, claims, resource, operation, ErrRevoked)
			return nil, ErrRevoked
		}
		if claims.Delegation.ParentID != "" && v.revocations.IsRevoked(claims.Delegation.ParentID) {
			// Revoking a parent invalidates its delegations.
			v.report(ViolationInvalidCapability, claims, resource, operation, ErrRevoked)
			return nil, ErrRevoked
		}
	}

	if err := v.checkScope(claims, operation, resource, now); err != nil {
		v.report(violationTypeFor(err), claims, resource, operation, err)
		return nil, err
	}

	return claims, nil
}

func (v *Validator) observe(d time.Duration, err error) {
	ms := float64(d.Microseconds()) / 1000
	v.statsMu.Lock()
	v.validations++
	if err != nil {
		v.failures++
	}
	if v.validations == 1 {
		v.avgLatency = ms
	} else {
		v.avgLatency = 0.8*v.avgLatency + 0.2*ms
	}
	v.statsMu.Unlock()
}

// Stats reports validation counters and the rolling latency average.
func (v *Validator) Stats() Stats {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	return Stats{
		Validations:  v.validations,
		Failures:     v.failures,
		AvgLatencyMS: v.avgLatency,
	}
}

// checkScope applies the operation, resource, and constraint checks.
func (v *Validator) checkScope(claims *Claims, operation, resource string, now time.Time) error {
	if len(claims.Operations) > 0 && !containsString(claims.Operations, operation) {
		return fmt.Errorf("%w: %s", capability.ErrOperationNotPermitted, operation)
	}

	if claims.Resource != "" && !matchResource(claims.Resource, resource) {
		return fmt.Errorf("%w: %s", capability.ErrResourceNotPermitted, resource)
	}

	if paths := claims.Constraints.Paths(); paths != nil {
		if !capability.PathAllowed(paths, resource) {
			return fmt.Errorf("%w: %s", capability.ErrPathNotAllowed, resource)
		}
	}

	if claims.Audience == string(capability.ResourceMCPTool) {
		if tools := claims.Constraints.AllowedTools(); tools != nil && !containsString(tools, resource) {
			return fmt.Errorf("%w: %s", capability.ErrToolNotAllowed, resource)
		}
	}

	if exts := claims.Constraints.AllowedExtensions(); exts != nil {
		if !capability.ExtensionAllowed(exts, resource) {
			return fmt.Errorf("%w: %s", capability.ErrResourceNotPermitted, resource)
		}
	}

	if window, ok := claims.Constraints[capability.ConstraintTimeWindow]; ok {
		if !withinTimeWindow(windowStrings(window), now) {
			return ErrOutsideTimeWindow
		}
	}

	return nil
}

// verify checks the signature and decodes the claims, reusing a recent
// verdict when one is cached. Time, revocation, and scope are rechecked on
// every call.
func (v *Validator) verify(tokenString string) (*Claims, error) {
	var cacheKey string
	if v.verdicts != nil {
		sum := sha256.Sum256([]byte(tokenString))
		cacheKey = hex.EncodeToString(sum[:])
		if cached, found := v.verdicts.Get(cacheKey); found {
			vd := cached.(verdict)
			return vd.claims, vd.err
		}
	}

	claims, err := v.verifyUncached(tokenString)
	if err == nil || cacheable(err) {
		if v.verdicts != nil {
			v.verdicts.SetDefault(cacheKey, verdict{claims: claims, err: err})
		}
	}
	return claims, err
}

func (v *Validator) verifyUncached(tokenString string) (*Claims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, ErrInvalidFormat
	}

	keyset, err := v.keys.VerificationKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVerificationKeys, err)
	}
	if keyset == nil || keyset.Len() == 0 {
		return nil, ErrNoVerificationKeys
	}

	// WithKeySet tries every published key, which carries verification
	// through rotation overlaps.
	tok, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(keyset), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return extractClaims(tok)
}

// cacheable excludes key-provider outages from the verdict cache so
// recovery is observed immediately.
func cacheable(err error) bool {
	return !errors.Is(err, ErrNoVerificationKeys)
}

func (v *Validator) report(violationType string, claims *Claims, resource, operation string, cause error) {
	if v.reporter == nil {
		return
	}
	principal := ""
	if claims != nil {
		principal = claims.Subject
	}
	v.reporter.ReportViolation(violationType, principal, resource, operation, map[string]any{
		"reason": cause.Error(),
	})
}

// violationTypeFor maps scope denials to their violation type.
func violationTypeFor(err error) string {
	switch {
	case errors.Is(err, capability.ErrOperationNotPermitted):
		return "operation_not_permitted"
	case errors.Is(err, capability.ErrPathNotAllowed):
		return "path_not_allowed"
	case errors.Is(err, capability.ErrToolNotAllowed):
		return "tool_not_allowed"
	case errors.Is(err, ErrOutsideTimeWindow):
		return "outside_time_window"
	default:
		return "resource_not_permitted"
	}
}

func containsString(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}

func windowStrings(v any) []string {
	switch w := v.(type) {
	case []string:
		return w
	case []any:
		out := make([]string, 0, len(w))
		for _, e := range w {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
