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

// Package keys manages the RSA signing keys behind capability tokens.
//
// The manager holds one current RS256 signing key and retains rotated-out
// public keys for a configurable overlap period so tokens signed before a
// rotation keep verifying until the overlap lapses.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Defaults applied by NewManager when options leave them unset.
const (
	DefaultRotationInterval = 30 * 24 * time.Hour
	DefaultOverlapPeriod    = 24 * time.Hour
	keyBits                 = 2048
)

// ErrNoSigningKey is returned when the manager holds no usable key.
var ErrNoSigningKey = errors.New("no signing key available")

// managedKey pairs a private key with its published metadata.
type managedKey struct {
	kid       string
	private   jwk.Key
	public    jwk.Key
	createdAt time.Time
	retiredAt time.Time // zero while current
}

// Manager generates, rotates, and publishes signing keys. All methods are
// safe for concurrent use.
type Manager struct {
	rotationInterval time.Duration
	overlapPeriod    time.Duration
	logger           *slog.Logger
	now              func() time.Time
	onRotate         func(oldKID, newKID string)

	mu      sync.RWMutex
	current *managedKey
	retired []*managedKey

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customises a Manager.
type Option func(*Manager)

// WithRotationInterval overrides the automatic rotation cadence.
func WithRotationInterval(d time.Duration) Option {
	return func(m *Manager) { m.rotationInterval = d }
}

// WithOverlapPeriod overrides how long rotated-out keys stay published.
func WithOverlapPeriod(d time.Duration) Option {
	return func(m *Manager) { m.overlapPeriod = d }
}

// WithLogger overrides the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRotationCallback registers a hook invoked after each rotation.
func WithRotationCallback(fn func(oldKID, newKID string)) Option {
	return func(m *Manager) { m.onRotate = fn }
}

// NewManager generates the initial key pair. Call Start to enable automatic
// rotation.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		rotationInterval: DefaultRotationInterval,
		overlapPeriod:    DefaultOverlapPeriod,
		logger:           slog.Default(),
		now:              func() time.Time { return time.Now().UTC() },
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	initial, err := m.generate()
	if err != nil {
		return nil, err
	}
	m.current = initial
	return m, nil
}

func (m *Manager) generate() (*managedKey, error) {
	raw, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	private, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}
	if err := jwk.AssignKeyID(private); err != nil {
		return nil, fmt.Errorf("failed to assign key id: %w", err)
	}
	if err := private.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	if err := private.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &managedKey{
		kid:       private.KeyID(),
		private:   private,
		public:    public,
		createdAt: m.now(),
	}, nil
}

// Start runs the automatic rotation loop until Stop is called.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.rotationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("key rotation failed", "error", err)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts automatic rotation.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

// Rotate generates a fresh signing key. The outgoing public key stays in the
// verification set for the overlap period.
func (m *Manager) Rotate() error {
	next, err := m.generate()
	if err != nil {
		return err
	}

	m.mu.Lock()
	oldKID := ""
	if m.current != nil {
		m.current.retiredAt = m.now()
		oldKID = m.current.kid
		m.retired = append(m.retired, m.current)
	}
	m.current = next
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "old_kid", oldKID, "new_kid", next.kid)
	if m.onRotate != nil {
		m.onRotate(oldKID, next.kid)
	}
	return nil
}

// pruneLocked drops retired keys whose overlap has lapsed.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.overlapPeriod)
	kept := m.retired[:0]
	for _, k := range m.retired {
		if k.retiredAt.After(cutoff) {
			kept = append(kept, k)
		}
	}
	m.retired = kept
}

// SigningKey returns the current private key for RS256 signing.
func (m *Manager) SigningKey() (jwk.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoSigningKey
	}
	return m.current.private, nil
}

// CurrentKID returns the key id tokens are currently signed under.
func (m *Manager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.kid
}

// VerificationKeys returns every currently-acceptable public key: the
// current one plus retired keys still inside their overlap period.
func (m *Manager) VerificationKeys() (jwk.Set, error) {
	m.mu.Lock()
	m.pruneLocked()
	keys := make([]jwk.Key, 0, 1+len(m.retired))
	if m.current != nil {
		keys = append(keys, m.current.public)
	}
	for _, k := range m.retired {
		keys = append(keys, k.public)
	}
	m.mu.Unlock()

	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// JWKS renders the verification keys as a JWKS document for external
// validators.
func (m *Manager) JWKS() ([]byte, error) {
	set, err := m.VerificationKeys()
	if err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
