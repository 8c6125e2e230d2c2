// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
)

type stubFetcher struct {
	resp *ServerKeyResponse
	err  error
	n    int
}

func (s *stubFetcher) FetchServerKey(ctx context.Context, serverName spec.ServerName) (*ServerKeyResponse, error) {
	s.n++
	return s.resp, s.err
}

func selfSignedResponse(t *testing.T, serverName spec.ServerName, keyID gomatrixserverlib.KeyID, pub ed25519.PublicKey, priv ed25519.PrivateKey) *ServerKeyResponse {
	t.Helper()
	resp := &ServerKeyResponse{
		ServerName:   serverName,
		ValidUntilTS: spec.Timestamp(time.Now().Add(24 * time.Hour).UnixMilli()),
		VerifyKeys: map[gomatrixserverlib.KeyID]VerifyKey{
			keyID: {Key: spec.Base64Bytes(pub)},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	signed, err := canonicaljson.SignObject(raw, serverName, keyID, priv)
	require.NoError(t, err)
	var out ServerKeyResponse
	require.NoError(t, json.Unmarshal(signed, &out))
	return &out
}

func TestKeyringFetchesAndCaches(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	resp := selfSignedResponse(t, "remote.example.org", "ed25519:1", pub, priv)

	fetcher := &stubFetcher{resp: resp}
	kr := New(fetcher, time.Hour, nil)

	got, err := kr.VerifyKey(context.Background(), "remote.example.org", "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	// Second call should be served from cache, not refetched.
	_, err = kr.VerifyKey(context.Background(), "remote.example.org", "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.n)
}

func TestKeyringServesStaleOnFetchError(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := New(&stubFetcher{err: assertErr}, time.Hour, nil)
	// Seed an already-expired cache entry directly, as if it had been
	// fetched and cached long ago (bypassing the real min-cache-duration
	// floor, which would otherwise make a freshly-fetched entry
	// unreachably "fresh" for this test).
	kr.entries[cacheKey("remote.example.org", "ed25519:1")] = cacheEntry{
		publicKey:    pub,
		validUntilTS: spec.Timestamp(time.Now().Add(-time.Minute).UnixMilli()),
		fetchedAt:    time.Now(),
	}

	got, err := kr.VerifyKey(context.Background(), "remote.example.org", "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

var assertErr = &testError{"fetch failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
