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

// Package revocation tracks invalidated token ids.
//
// Entries live until the revoked token would have expired anyway, then a
// background sweep drops them. Local revocations are announced through an
// optional broadcast hook so peers can apply them; peer-applied entries are
// idempotent and never re-broadcast.
package revocation

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	// DefaultRetention bounds how long a revocation without a known token
	// expiry is remembered.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is the cadence of the expired-entry sweep.
	DefaultSweepInterval = 5 * time.Minute
)

// Message is the wire form of a revocation broadcast.
type Message struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures a Cache.
type Config struct {
	// Retention bounds entry lifetime when the token expiry is unknown.
	Retention time.Duration

	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration

	// Broadcast, when set, is invoked for every locally-initiated
	// revocation. Peer-applied revocations do not trigger it.
	Broadcast func(Message)

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Cache is a shared set of revoked token ids. Reads take no exclusive lock.
type Cache struct {
	entries   *gocache.Cache
	retention time.Duration
	broadcast func(Message)
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a revocation cache with its sweep running.
func New(cfg Config) *Cache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		entries:   gocache.New(cfg.Retention, cfg.SweepInterval),
		retention: cfg.Retention,
		broadcast: cfg.Broadcast,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Revoke inserts the token id locally and announces it to peers.
func (c *Cache) Revoke(jti string, expiresAt time.Time) {
	c.Apply(jti, expiresAt)
	if c.broadcast != nil {
		c.broadcast(Message{JTI: jti, ExpiresAt: expiresAt})
	}
	c.logger.Debug("token revoked", "jti", jti)
}

// RevokeBatch revokes several token ids, announcing each.
func (c *Cache) RevokeBatch(entries map[string]time.Time) {
	for jti, expiresAt := range entries {
		c.Revoke(jti, expiresAt)
	}
}

// Apply inserts a revocation without broadcasting. Applying the same id
// twice is a no-op, so peer gossip can be replayed safely.
func (c *Cache) Apply(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	ttl := c.retention
	if !expiresAt.IsZero() {
		remaining := expiresAt.Sub(c.now())
		if remaining <= 0 {
			// Already expired; nothing to remember.
			return
		}
		ttl = remaining
	}
	c.entries.Set(jti, struct{}{}, ttl)
}

// IsRevoked reports whether the token id is currently revoked.
func (c *Cache) IsRevoked(jti string) bool {
	_, found := c.entries.Get(jti)
	return found
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}
