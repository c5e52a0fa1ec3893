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
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultJWKSRefreshInterval is the minimum re-fetch cadence for remote key
// sets. Short enough that a rotation propagates well inside the overlap
// period.
const DefaultJWKSRefreshInterval = 15 * time.Minute

// RemoteKeys fetches and caches an issuer's JWKS document, so nodes that do
// not host the key manager can still validate tokens. The underlying cache
// auto-refreshes to pick up rotations.
type RemoteKeys struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewRemoteKeys registers the JWKS URL and performs an initial fetch to
// validate the configuration.
func NewRemoteKeys(ctx context.Context, jwksURL string) (*RemoteKeys, error) {
	cache := jwk.NewCache(ctx)

	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(DefaultJWKSRefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &RemoteKeys{
		jwksURL: jwksURL,
		cache:   cache,
	}, nil
}

// VerificationKeys returns the cached key set, re-fetching when stale.
func (r *RemoteKeys) VerificationKeys() (jwk.Set, error) {
	keyset, err := r.cache.Get(context.Background(), r.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}
	return keyset, nil
}

var _ KeyProvider = (*RemoteKeys)(nil)
