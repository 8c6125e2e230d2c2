// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keyring caches remote servers' Ed25519 verify keys, fetching
// /_matrix/key/v2/server on a miss and honoring a short staleness grace
// period if the origin is unreachable.
package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/internal/caching"
)

// ErrKeyUnavailable is returned when a key cannot be resolved from cache
// and fetching from the origin also failed, one of the signing plane's
// named failure modes.
var ErrKeyUnavailable = fmt.Errorf("keyring: key unavailable")

// minCacheDuration bounds how long a freshly-fetched key is cached even if
// its own valid_until_ts is sooner, to resist verify-key-fetch DoS.
const minCacheDuration = 1 * time.Hour

// Fetcher retrieves a remote server's key response. The default
// implementation calls /_matrix/key/v2/server over HTTP; tests substitute a
// stub.
type Fetcher interface {
	FetchServerKey(ctx context.Context, serverName spec.ServerName) (*ServerKeyResponse, error)
}

// ServerKeyResponse is the body of /_matrix/key/v2/server.
type ServerKeyResponse struct {
	ServerName    spec.ServerName              `json:"server_name"`
	ValidUntilTS  spec.Timestamp               `json:"valid_until_ts"`
	VerifyKeys    map[gomatrixserverlib.KeyID]VerifyKey     `json:"verify_keys"`
	OldVerifyKeys map[gomatrixserverlib.KeyID]OldVerifyKey  `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

type VerifyKey struct {
	Key spec.Base64Bytes `json:"key"`
}

type OldVerifyKey struct {
	Key       spec.Base64Bytes `json:"key"`
	ExpiredTS spec.Timestamp   `json:"expired_ts"`
}

type cacheEntry struct {
	publicKey    ed25519.PublicKey
	validUntilTS spec.Timestamp
	fetchedAt    time.Time
}

// Keyring resolves (serverName, keyID) to a verify key, consulting an L1
// cache before falling back to Fetcher.
type Keyring struct {
	fetcher      Fetcher
	gracePeriod  time.Duration
	mu           sync.RWMutex
	entries      map[string]cacheEntry // key: serverName + "/" + keyID
	cacheMetrics *caching.RistrettoCachePartition[string, caching.ServerKeyResult]
}

func New(fetcher Fetcher, gracePeriod time.Duration, cacheMetrics *caching.RistrettoCachePartition[string, caching.ServerKeyResult]) *Keyring {
	return &Keyring{
		fetcher:      fetcher,
		gracePeriod:  gracePeriod,
		entries:      make(map[string]cacheEntry),
		cacheMetrics: cacheMetrics,
	}
}

func cacheKey(serverName spec.ServerName, keyID gomatrixserverlib.KeyID) string {
	return string(serverName) + "/" + string(keyID)
}

// VerifyKey returns the currently-trusted public key for (serverName,
// keyID), either from cache or by fetching it fresh.
func (k *Keyring) VerifyKey(ctx context.Context, serverName spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error) {
	ck := cacheKey(serverName, keyID)

	k.mu.RLock()
	entry, ok := k.entries[ck]
	k.mu.RUnlock()

	now := spec.Timestamp(time.Now().UnixMilli())
	if ok && now < entry.validUntilTS {
		return entry.publicKey, nil
	}

	fetched, err := k.fetcher.FetchServerKey(ctx, serverName)
	if err != nil {
		// On fetch failure, serve a stale cached entry for a bounded grace
		// period rather than failing the whole request outright.
		if ok && time.Since(entry.fetchedAt) < k.gracePeriod {
			logrus.WithError(err).WithField("server_name", serverName).
				Warn("keyring: serving stale key during fetch outage")
			return entry.publicKey, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	if err := verifySelfSignature(fetched); err != nil {
		return nil, fmt.Errorf("%w: self-signature check failed: %v", ErrKeyUnavailable, err)
	}

	k.storeAll(serverName, fetched)

	k.mu.RLock()
	entry, ok = k.entries[ck]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not present in its own key response", ErrKeyUnavailable, keyID)
	}
	return entry.publicKey, nil
}

func (k *Keyring) storeAll(serverName spec.ServerName, resp *ServerKeyResponse) {
	validUntil := resp.ValidUntilTS
	minValidUntil := spec.Timestamp(time.Now().Add(minCacheDuration).UnixMilli())
	if validUntil < minValidUntil {
		validUntil = minValidUntil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for keyID, vk := range resp.VerifyKeys {
		entry := cacheEntry{
			publicKey:    ed25519.PublicKey(vk.Key),
			validUntilTS: validUntil,
			fetchedAt:    time.Now(),
		}
		k.entries[cacheKey(serverName, keyID)] = entry
		if k.cacheMetrics != nil {
			k.cacheMetrics.Set(cacheKey(serverName, keyID), caching.ServerKeyResult{
				KeyID:        string(keyID),
				PublicKey:    vk.Key,
				ValidUntilTS: int64(validUntil),
			})
		}
	}
	for keyID, ovk := range resp.OldVerifyKeys {
		k.entries[cacheKey(serverName, keyID)] = cacheEntry{
			publicKey:    ed25519.PublicKey(ovk.Key),
			validUntilTS: ovk.ExpiredTS,
			fetchedAt:    time.Now(),
		}
	}
}

// verifySelfSignature checks a /_matrix/key/v2/server response is signed by
// one of the verify keys it itself advertises.
func verifySelfSignature(resp *ServerKeyResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var lastErr error
	for keyID := range resp.VerifyKeys {
		vk, ok := resp.VerifyKeys[keyID]
		if !ok {
			continue
		}
		if err := canonicaljson.VerifyObject(raw, resp.ServerName, keyID, ed25519.PublicKey(vk.Key)); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no verify_keys present")
	}
	return lastErr
}

// HTTPFetcher implements Fetcher against a real remote server over HTTPS,
// falling back to HTTP only if configured.
type HTTPFetcher struct {
	Client            *http.Client
	AllowHTTPFallback bool
}

// FetchServerKey retrieves and decodes serverName's /_matrix/key/v2/server
// document.
func (f *HTTPFetcher) FetchServerKey(ctx context.Context, serverName spec.ServerName) (*ServerKeyResponse, error) {
	schemes := []string{"https"}
	if f.AllowHTTPFallback {
		schemes = append(schemes, "http")
	}
	var resp *http.Response
	var err error
	for _, scheme := range schemes {
		url := fmt.Sprintf("%s://%s/_matrix/key/v2/server", scheme, serverName)
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if resp, err = f.client().Do(req); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyring: unexpected status %d from %s", resp.StatusCode, serverName)
	}
	var out ServerKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("keyring: decode response: %w", err)
	}
	return &out, nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}
