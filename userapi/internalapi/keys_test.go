// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/userapi/api"
)

func uploadOneTimeKey(t *testing.T, a *UserInternalAPI, userID, deviceID string) {
	t.Helper()
	var res UploadKeysResponse
	require.NoError(t, a.PerformUploadKeys(context.Background(), &UploadKeysRequest{
		UserID:   userID,
		DeviceID: deviceID,
		OneTimeKeys: map[string]json.RawMessage{
			"signed_curve25519:AAAAAA": json.RawMessage(`{"key":"base64+key","signatures":{}}`),
		},
	}, &res))
	require.Equal(t, 1, res.OneTimeKeyCounts.KeyCount["signed_curve25519"])
}

// Exactly one of two concurrent claims for the last one-time key receives
// it; the loser gets an empty slot, never an error.
func TestClaimOneTimeKeyRace(t *testing.T) {
	a := newTestUserAPI(t)
	registerAndLogin(t, a, "alice")
	uploadOneTimeKey(t, a, "@alice:test", "DEV1")

	const claimants = 2
	results := make([]*ClaimKeysResponse, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := &ClaimKeysResponse{}
			err := a.PerformClaimKeys(context.Background(), testServerName, &ClaimKeysRequest{
				OneTimeKeys: map[string]map[string]string{
					"@alice:test": {"DEV1": "signed_curve25519"},
				},
			}, res)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if len(res.OneTimeKeys["@alice:test"]["DEV1"]) > 0 {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimant may receive the key")

	// The pool is empty now.
	counts, err := a.QueryOneTimeKeys(context.Background(), "@alice:test", "DEV1")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.KeyCount["signed_curve25519"])
}

func TestUploadDeviceKeysIsIdempotent(t *testing.T) {
	a := newTestUserAPI(t)
	registerAndLogin(t, a, "alice")

	keyJSON := json.RawMessage(`{"user_id":"@alice:test","device_id":"DEV1","algorithms":["m.megolm.v1.aes-sha2"],"keys":{"ed25519:DEV1":"abc"}}`)
	for i := 0; i < 2; i++ {
		var res UploadKeysResponse
		require.NoError(t, a.PerformUploadKeys(context.Background(), &UploadKeysRequest{
			UserID:     "@alice:test",
			DeviceID:   "DEV1",
			DeviceKeys: keyJSON,
		}, &res))
	}

	var queryRes QueryKeysResponse
	require.NoError(t, a.PerformQueryKeys(context.Background(), testServerName, &QueryKeysRequest{
		DeviceKeys: map[string][]string{"@alice:test": nil},
	}, &queryRes))
	require.Len(t, queryRes.DeviceKeys["@alice:test"], 1)
	assert.JSONEq(t, string(keyJSON), string(queryRes.DeviceKeys["@alice:test"]["DEV1"]))
}

func TestKeyChangesWindow(t *testing.T) {
	a := newTestUserAPI(t)
	registerAndLogin(t, a, "alice")
	registerAndLogin(t, a, "bob")

	// Device creation already records one change per user; grab the
	// current high-water mark, change alice again, and diff.
	_, latest, err := a.QueryKeyChanges(context.Background(), 0, 0)
	require.NoError(t, err)

	var res UploadKeysResponse
	require.NoError(t, a.PerformUploadKeys(context.Background(), &UploadKeysRequest{
		UserID:     "@alice:test",
		DeviceID:   "DEV1",
		DeviceKeys: json.RawMessage(`{"keys":{"ed25519:DEV1":"zzz"}}`),
	}, &res))

	changed, newLatest, err := a.QueryKeyChanges(context.Background(), latest, 0)
	require.NoError(t, err)
	assert.Greater(t, newLatest, latest)
	assert.Equal(t, []string{"@alice:test"}, changed)
}

func TestKeyBackupUploadKeepsEarliestIndex(t *testing.T) {
	a := newTestUserAPI(t)
	registerAndLogin(t, a, "alice")

	version, err := a.PerformKeyBackupCreation(context.Background(), "@alice:test", "m.megolm_backup.v1.curve25519-aes-sha2", json.RawMessage(`{"public_key":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, "1", version)

	put := func(index int64, data string) {
		_, _, err := a.PerformKeyBackupUpload(context.Background(), "@alice:test", version,
			map[string]map[string]api.KeyBackupSession{
				"!room:test": {"session1": {FirstMessageIndex: index, SessionData: json.RawMessage(data)}},
			})
		require.NoError(t, err)
	}
	put(5, `{"ciphertext":"first"}`)
	put(9, `{"ciphertext":"later"}`)

	keys, err := a.QueryKeyBackupKeys(context.Background(), "@alice:test", version, "!room:test", "session1")
	require.NoError(t, err)
	got := keys["!room:test"]["session1"]
	assert.Equal(t, int64(5), got.FirstMessageIndex, "a higher first_message_index must not overwrite")
	assert.JSONEq(t, `{"ciphertext":"first"}`, string(got.SessionData))

	put(2, `{"ciphertext":"earliest"}`)
	keys, err = a.QueryKeyBackupKeys(context.Background(), "@alice:test", version, "!room:test", "session1")
	require.NoError(t, err)
	got = keys["!room:test"]["session1"]
	assert.Equal(t, int64(2), got.FirstMessageIndex)
}
