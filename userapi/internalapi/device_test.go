// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage"
)

const testServerName = spec.ServerName("test")

var testDBCounter int

func newTestUserAPI(t *testing.T) *UserInternalAPI {
	t.Helper()
	testDBCounter++
	dbCfg := config.Database{
		ConnectionString:   fmt.Sprintf("file:userapi_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDBCounter),
		MaxOpenConnections: 10,
		MaxIdleConnections: 2,
	}
	db, err := storage.Open(&dbCfg)
	require.NoError(t, err)

	cfg := &config.UserAPI{}
	cfg.Defaults(config.DefaultOpts{})
	return &UserInternalAPI{DB: db, Config: cfg}
}

func registerAndLogin(t *testing.T, a *UserInternalAPI, localpart string) *api.PerformDeviceCreationResponse {
	t.Helper()
	_, err := a.PerformAccountCreation(context.Background(), localpart, testServerName, "p@ssw0rd!", api.AccountTypeUser)
	require.NoError(t, err)

	var res api.PerformDeviceCreationResponse
	require.NoError(t, a.PerformDeviceCreation(context.Background(), &api.PerformDeviceCreationRequest{
		Localpart:  localpart,
		ServerName: testServerName,
	}, &res))
	require.NotNil(t, res.Device)
	require.NotEmpty(t, res.Device.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	return &res
}

func TestLoginOnNewDeviceMintsDistinctDevice(t *testing.T) {
	a := newTestUserAPI(t)
	first := registerAndLogin(t, a, "alice")

	var second api.PerformDeviceCreationResponse
	require.NoError(t, a.PerformDeviceCreation(context.Background(), &api.PerformDeviceCreationRequest{
		Localpart:  "alice",
		ServerName: testServerName,
	}, &second))

	assert.NotEqual(t, first.Device.ID, second.Device.ID)
	assert.NotEqual(t, first.Device.AccessToken, second.Device.AccessToken)
}

func TestQueryDeviceByAccessToken(t *testing.T) {
	a := newTestUserAPI(t)
	login := registerAndLogin(t, a, "alice")

	var res api.QueryDeviceByAccessTokenResponse
	require.NoError(t, a.QueryDeviceByAccessToken(context.Background(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: login.Device.AccessToken,
	}, &res))
	require.NotNil(t, res.Device)
	assert.Equal(t, "@alice:test", res.Device.UserID)
	assert.Equal(t, login.Device.ID, res.Device.ID)

	var unknown api.QueryDeviceByAccessTokenResponse
	require.NoError(t, a.QueryDeviceByAccessToken(context.Background(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: "syt_notarealtoken",
	}, &unknown))
	assert.Nil(t, unknown.Device)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	a := newTestUserAPI(t)
	login := registerAndLogin(t, a, "alice")

	require.NoError(t, a.PerformLogout(context.Background(), login.Device.AccessToken))

	var res api.QueryDeviceByAccessTokenResponse
	require.NoError(t, a.QueryDeviceByAccessToken(context.Background(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: login.Device.AccessToken,
	}, &res))
	assert.Nil(t, res.Device, "a logged-out token must stop validating")
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	a := newTestUserAPI(t)
	login := registerAndLogin(t, a, "alice")

	access1, refresh1, err := a.PerformRefreshTokenExchange(context.Background(), login.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, access1)
	require.NotEmpty(t, refresh1)

	// Replaying the consumed token fails and revokes the whole family,
	// including the access token just issued from it.
	_, _, err = a.PerformRefreshTokenExchange(context.Background(), login.RefreshToken)
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.Error)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUnauthorized, apiErr.Kind)

	var res api.QueryDeviceByAccessTokenResponse
	require.NoError(t, a.QueryDeviceByAccessToken(context.Background(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: access1,
	}, &res))
	assert.Nil(t, res.Device, "replay must revoke the rotated family's access tokens")

	// The replacement refresh token is dead too.
	_, _, err = a.PerformRefreshTokenExchange(context.Background(), refresh1)
	require.Error(t, err)
}

func TestPasswordChangeRevokesSessions(t *testing.T) {
	a := newTestUserAPI(t)
	login := registerAndLogin(t, a, "alice")

	require.NoError(t, a.PerformPasswordUpdate(context.Background(), "alice", testServerName, "n3w-p@ssw0rd"))

	var res api.QueryDeviceByAccessTokenResponse
	require.NoError(t, a.QueryDeviceByAccessToken(context.Background(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: login.Device.AccessToken,
	}, &res))
	assert.Nil(t, res.Device)

	// The new password works, the old one doesn't.
	var byPassword api.QueryAccountByPasswordResponse
	require.NoError(t, a.QueryAccountByPassword(context.Background(), &api.QueryAccountByPasswordRequest{
		Localpart: "alice", ServerName: testServerName, PlaintextPassword: "n3w-p@ssw0rd",
	}, &byPassword))
	assert.True(t, byPassword.Exists)

	byPassword = api.QueryAccountByPasswordResponse{}
	require.NoError(t, a.QueryAccountByPassword(context.Background(), &api.QueryAccountByPasswordRequest{
		Localpart: "alice", ServerName: testServerName, PlaintextPassword: "p@ssw0rd!",
	}, &byPassword))
	assert.False(t, byPassword.Exists)
}

func TestRegisterConflictOnDuplicateLocalpart(t *testing.T) {
	a := newTestUserAPI(t)
	_, err := a.PerformAccountCreation(context.Background(), "alice", testServerName, "pw1", api.AccountTypeUser)
	require.NoError(t, err)

	_, err = a.PerformAccountCreation(context.Background(), "alice", testServerName, "pw2", api.AccountTypeUser)
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.Error)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindConflict, apiErr.Kind)
}
