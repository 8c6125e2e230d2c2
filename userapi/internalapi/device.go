// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/internal/caching"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage"
)

// PerformDeviceCreation registers (or resumes) a device after successful
// authentication and mints its token pair.
func (a *UserInternalAPI) PerformDeviceCreation(
	ctx context.Context, req *api.PerformDeviceCreationRequest, res *api.PerformDeviceCreationResponse,
) error {
	now := spec.AsTimestamp(time.Now())

	deviceID := ""
	if req.DeviceID != nil && *req.DeviceID != "" {
		deviceID = *req.DeviceID
	} else {
		deviceID = newDeviceID()
	}
	displayName := ""
	if req.DeviceDisplayName != nil {
		displayName = *req.DeviceDisplayName
	}

	accessToken := req.AccessToken
	if accessToken == "" {
		var err error
		if accessToken, err = newToken(accessTokenPrefix); err != nil {
			return err
		}
	}
	tokenInfo := &api.TokenInfo{
		Token:      accessToken,
		Localpart:  req.Localpart,
		ServerName: req.ServerName,
		DeviceID:   deviceID,
		CreatedTS:  now,
	}
	if lifetime := a.Config.AccessTokenLifetime; lifetime > 0 {
		tokenInfo.ExpiresTS = spec.AsTimestamp(time.Now().Add(lifetime))
	}

	var refreshInfo *api.RefreshTokenInfo
	if a.Config.RefreshTokenLifetime > 0 {
		refreshToken, err := newToken(refreshTokenPrefix)
		if err != nil {
			return err
		}
		refreshInfo = &api.RefreshTokenInfo{
			TokenInfo: api.TokenInfo{
				Token:      refreshToken,
				Localpart:  req.Localpart,
				ServerName: req.ServerName,
				DeviceID:   deviceID,
				CreatedTS:  now,
				ExpiresTS:  spec.AsTimestamp(time.Now().Add(a.Config.RefreshTokenLifetime)),
			},
			FamilyID: uuid.NewString(),
		}
	}

	dev, err := a.DB.CreateDevice(ctx, req.Localpart, req.ServerName, deviceID, displayName, tokenInfo, refreshInfo, now)
	if err != nil {
		return err
	}
	dev.IsGuest = req.IsGuest

	// Populate the session cache so the first authenticated request after
	// login doesn't pay a DB round trip (write-through).
	if a.SessionCache != nil {
		a.SessionCache.Store(accessToken, caching.SessionEntry{
			UserID:    dev.UserID,
			DeviceID:  dev.ID,
			IsGuest:   dev.IsGuest,
			ExpiresTS: int64(tokenInfo.ExpiresTS),
		})
	}
	if !req.NoDeviceListUpdate {
		a.notifyKeyChange(ctx, dev.UserID)
	}

	res.Device = dev
	if refreshInfo != nil {
		res.RefreshToken = refreshInfo.Token
	}
	return nil
}

// QueryDeviceByAccessToken is the hot path behind every authenticated
// request: session cache
// first, then the authoritative token table, honoring expiry and the
// revocation tombstone.
func (a *UserInternalAPI) QueryDeviceByAccessToken(
	ctx context.Context, req *api.QueryDeviceByAccessTokenRequest, res *api.QueryDeviceByAccessTokenResponse,
) error {
	if a.SessionCache != nil {
		if entry, ok := a.SessionCache.Lookup(req.AccessToken); ok {
			if entry.ExpiresTS == 0 || entry.ExpiresTS > int64(spec.AsTimestamp(time.Now())) {
				res.Device = &api.Device{
					ID:          entry.DeviceID,
					UserID:      entry.UserID,
					AccessToken: req.AccessToken,
					IsGuest:     entry.IsGuest,
				}
				return nil
			}
			a.SessionCache.Invalidate(req.AccessToken)
		}
	}

	info, err := a.DB.GetAccessToken(ctx, req.AccessToken)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	now := spec.AsTimestamp(time.Now())
	if info.InvalidatedTS != 0 || (info.ExpiresTS != 0 && info.ExpiresTS <= now) {
		return nil
	}
	dev, err := a.DB.GetDevice(ctx, info.Localpart, info.ServerName, info.DeviceID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	dev.AccessToken = req.AccessToken
	if a.SessionCache != nil {
		a.SessionCache.Store(req.AccessToken, caching.SessionEntry{
			UserID:    dev.UserID,
			DeviceID:  dev.ID,
			ExpiresTS: int64(info.ExpiresTS),
		})
	}
	res.Device = dev
	return nil
}

// PerformRefreshTokenExchange rotates a refresh token for a fresh
// (access, refresh) pair. A replayed token revokes the whole family and
// returns Unauthorized.
func (a *UserInternalAPI) PerformRefreshTokenExchange(
	ctx context.Context, refreshToken string,
) (accessToken, newRefreshToken string, err error) {
	now := spec.AsTimestamp(time.Now())
	if accessToken, err = newToken(accessTokenPrefix); err != nil {
		return "", "", err
	}
	if newRefreshToken, err = newToken(refreshTokenPrefix); err != nil {
		return "", "", err
	}

	old, familyRevoked, err := a.DB.RotateRefreshToken(ctx, refreshToken,
		&api.TokenInfo{Token: accessToken, CreatedTS: now},
		&api.RefreshTokenInfo{
			TokenInfo: api.TokenInfo{Token: newRefreshToken, CreatedTS: now},
		}, now)
	if err == sql.ErrNoRows {
		return "", "", apierrors.Unauthorized("Unknown refresh token")
	}
	if err == storage.ErrTokenRevoked {
		a.evictSessions(familyRevoked)
		log.WithField("family_id", old.FamilyID).Warn("Refresh token replay detected; revoked token family")
		return "", "", apierrors.Unauthorized("Refresh token has already been used")
	}
	if err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

// PerformLogout invalidates one access token.
func (a *UserInternalAPI) PerformLogout(ctx context.Context, token string) error {
	if err := a.DB.InvalidateAccessToken(ctx, token, spec.AsTimestamp(time.Now())); err != nil {
		return err
	}
	a.evictSessions([]string{token})
	return nil
}

// PerformDeviceDeletion logs out one, several, or all of a user's devices.
// Cascading token and key deletion.
func (a *UserInternalAPI) PerformDeviceDeletion(
	ctx context.Context, req *api.PerformDeviceDeletionRequest, res *api.PerformDeviceDeletionResponse,
) error {
	localpart, serverName, err := splitUserID(req.UserID)
	if err != nil {
		return err
	}
	revoked, err := a.DB.RemoveDevices(ctx, localpart, serverName, req.DeviceIDs, spec.AsTimestamp(time.Now()))
	if err != nil {
		return err
	}
	a.evictSessions(revoked)
	a.notifyKeyChange(ctx, req.UserID)
	return nil
}

func splitUserID(userID string) (localpart string, serverName spec.ServerName, err error) {
	parsed, err := spec.NewUserID(userID, true)
	if err != nil {
		return "", "", err
	}
	return parsed.Local(), parsed.Domain(), nil
}
