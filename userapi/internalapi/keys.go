// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matrixhs/homeserver/userapi/api"
)

// FederatedKeyQuerier forwards key queries/claims for remote users to
// their homeservers; implemented by the federation API's client.
type FederatedKeyQuerier interface {
	QueryKeys(ctx context.Context, destination spec.ServerName, deviceKeys map[string][]string) (map[string]map[string]json.RawMessage, error)
	ClaimKeys(ctx context.Context, destination spec.ServerName, oneTimeKeys map[string]map[string]string) (map[string]map[string]map[string]json.RawMessage, error)
}

// UploadKeysRequest carries a device's key upload: both sections optional, the upload is idempotent.
type UploadKeysRequest struct {
	UserID      string
	DeviceID    string
	DeviceKeys  json.RawMessage
	OneTimeKeys map[string]json.RawMessage
}

// UploadKeysResponse returns the post-upload unclaimed key counts.
type UploadKeysResponse struct {
	OneTimeKeyCounts api.OneTimeKeysCount
}

// PerformUploadKeys stores a device's identity keys and one-time pre-keys.
// A changed identity key bumps the user's key-change
// stream so peers re-verify.
func (a *UserInternalAPI) PerformUploadKeys(
	ctx context.Context, req *UploadKeysRequest, res *UploadKeysResponse,
) error {
	if len(req.DeviceKeys) > 0 {
		existing, err := a.DB.DeviceKeysForUser(ctx, req.UserID, []string{req.DeviceID})
		if err != nil {
			return err
		}
		changed := len(existing) == 0 || !jsonEqual(existing[0].KeyJSON, req.DeviceKeys)
		if changed {
			offset, err := a.DB.StoreDeviceKeys(ctx, []api.DeviceKeys{{
				UserID:   req.UserID,
				DeviceID: req.DeviceID,
				KeyJSON:  req.DeviceKeys,
			}})
			if err != nil {
				return err
			}
			if a.KeyChangeProducer != nil {
				if err := a.KeyChangeProducer.ProduceKeyChange(req.UserID, offset); err != nil {
					log.WithError(err).Error("Failed to publish key change for device key upload")
				}
			}
		}
	}

	if len(req.OneTimeKeys) > 0 {
		counts, err := a.DB.StoreOneTimeKeys(ctx, api.OneTimeKeys{
			UserID:   req.UserID,
			DeviceID: req.DeviceID,
			KeyJSON:  req.OneTimeKeys,
		})
		if err != nil {
			return err
		}
		res.OneTimeKeyCounts = *counts
		return nil
	}

	counts, err := a.DB.OneTimeKeysCount(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	res.OneTimeKeyCounts = *counts
	return nil
}

// QueryKeysRequest asks for device (and cross-signing) keys for a set of
// users; an empty device list means all of the user's devices.
type QueryKeysRequest struct {
	UserID     string // requesting user, for logging only
	DeviceKeys map[string][]string
	Timeout    time.Duration
}

type QueryKeysResponse struct {
	DeviceKeys      map[string]map[string]json.RawMessage
	MasterKeys      map[string]json.RawMessage
	SelfSigningKeys map[string]json.RawMessage
	UserSigningKeys map[string]json.RawMessage
	Failures        map[string]interface{}
}

// PerformQueryKeys serves /keys/query: local users straight from storage,
// remote users fanned out to their servers concurrently, with per-server
// failures reported rather than failing the whole query.
func (a *UserInternalAPI) PerformQueryKeys(
	ctx context.Context, serverName spec.ServerName, req *QueryKeysRequest, res *QueryKeysResponse,
) error {
	res.DeviceKeys = map[string]map[string]json.RawMessage{}
	res.MasterKeys = map[string]json.RawMessage{}
	res.SelfSigningKeys = map[string]json.RawMessage{}
	res.UserSigningKeys = map[string]json.RawMessage{}
	res.Failures = map[string]interface{}{}

	remote := map[spec.ServerName]map[string][]string{}
	for userID, deviceIDs := range req.DeviceKeys {
		parsed, err := spec.NewUserID(userID, true)
		if err != nil {
			continue
		}
		if parsed.Domain() != serverName {
			if m := remote[parsed.Domain()]; m == nil {
				remote[parsed.Domain()] = map[string][]string{}
			}
			remote[parsed.Domain()][userID] = deviceIDs
			continue
		}
		keys, err := a.DB.DeviceKeysForUser(ctx, userID, deviceIDs)
		if err != nil {
			return err
		}
		res.DeviceKeys[userID] = map[string]json.RawMessage{}
		for _, key := range keys {
			if len(key.KeyJSON) == 0 {
				continue
			}
			res.DeviceKeys[userID][key.DeviceID] = key.KeyJSON
		}
		crossSigning, err := a.DB.CrossSigningKeysForUser(ctx, userID)
		if err != nil {
			return err
		}
		for purpose, keyJSON := range crossSigning {
			switch purpose {
			case api.CrossSigningKeyPurposeMaster:
				res.MasterKeys[userID] = keyJSON
			case api.CrossSigningKeyPurposeSelfSigning:
				res.SelfSigningKeys[userID] = keyJSON
			case api.CrossSigningKeyPurposeUserSigning:
				res.UserSigningKeys[userID] = keyJSON
			}
		}
	}

	if len(remote) == 0 || a.FedKeyQuerier == nil {
		for domain := range remote {
			res.Failures[string(domain)] = map[string]string{"message": "federation disabled"}
		}
		return nil
	}

	queryCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(queryCtx)
	for domain, deviceKeys := range remote {
		domain, deviceKeys := domain, deviceKeys
		g.Go(func() error {
			keys, err := a.FedKeyQuerier.QueryKeys(gctx, domain, deviceKeys)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[string(domain)] = map[string]string{"message": err.Error()}
				return nil
			}
			for userID, devices := range keys {
				res.DeviceKeys[userID] = devices
			}
			return nil
		})
	}
	return g.Wait()
}

// ClaimKeysRequest asks for one one-time key per (user, device) slot.
type ClaimKeysRequest struct {
	// OneTimeKeys maps user_id → device_id → algorithm.
	OneTimeKeys map[string]map[string]string
	Timeout     time.Duration
}

type ClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage
	Failures    map[string]interface{}
}

// PerformClaimKeys serves /keys/claim. Local claims are atomic single-row
// removals; a device with no keys left simply doesn't appear in the
// response.
func (a *UserInternalAPI) PerformClaimKeys(
	ctx context.Context, serverName spec.ServerName, req *ClaimKeysRequest, res *ClaimKeysResponse,
) error {
	res.OneTimeKeys = map[string]map[string]map[string]json.RawMessage{}
	res.Failures = map[string]interface{}{}

	remote := map[spec.ServerName]map[string]map[string]string{}
	for userID, devices := range req.OneTimeKeys {
		parsed, err := spec.NewUserID(userID, true)
		if err != nil {
			continue
		}
		if parsed.Domain() != serverName {
			if m := remote[parsed.Domain()]; m == nil {
				remote[parsed.Domain()] = map[string]map[string]string{}
			}
			remote[parsed.Domain()][userID] = devices
			continue
		}
		for deviceID, algorithm := range devices {
			claimed, err := a.DB.ClaimOneTimeKey(ctx, userID, deviceID, algorithm)
			if err != nil {
				return fmt.Errorf("PerformClaimKeys: %w", err)
			}
			if claimed == nil {
				continue
			}
			if res.OneTimeKeys[userID] == nil {
				res.OneTimeKeys[userID] = map[string]map[string]json.RawMessage{}
			}
			res.OneTimeKeys[userID][deviceID] = claimed
		}
	}

	if len(remote) == 0 || a.FedKeyQuerier == nil {
		for domain := range remote {
			res.Failures[string(domain)] = map[string]string{"message": "federation disabled"}
		}
		return nil
	}

	claimCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(claimCtx)
	for domain, claims := range remote {
		domain, claims := domain, claims
		g.Go(func() error {
			keys, err := a.FedKeyQuerier.ClaimKeys(gctx, domain, claims)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[string(domain)] = map[string]string{"message": err.Error()}
				return nil
			}
			for userID, devices := range keys {
				res.OneTimeKeys[userID] = devices
			}
			return nil
		})
	}
	return g.Wait()
}

// QueryKeyChanges returns the users whose keys changed in (from, to],
// driving device-list deltas in sync.
func (a *UserInternalAPI) QueryKeyChanges(ctx context.Context, from, to int64) (userIDs []string, latest int64, err error) {
	return a.DB.KeyChanges(ctx, from, to)
}

// QueryOneTimeKeys returns the unclaimed key counts for a device, included
// in every sync response.
func (a *UserInternalAPI) QueryOneTimeKeys(ctx context.Context, userID, deviceID string) (*api.OneTimeKeysCount, error) {
	return a.DB.OneTimeKeysCount(ctx, userID, deviceID)
}

// PerformMegolmSessionTracking records an outbound group session in the
// index.
func (a *UserInternalAPI) PerformMegolmSessionTracking(
	ctx context.Context, roomID, sessionID, senderKey, algorithm string,
) error {
	return a.DB.StoreMegolmSession(ctx, &api.MegolmSessionInfo{
		SessionID:   sessionID,
		RoomID:      roomID,
		SenderKey:   senderKey,
		Algorithm:   algorithm,
		FirstSeenTS: spec.AsTimestamp(time.Now()),
	})
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
