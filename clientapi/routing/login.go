// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"errors"
	"io"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/auth"
	"github.com/matrixhs/homeserver/clientapi/httputil"
	"github.com/matrixhs/homeserver/clientapi/userutil"
	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/setup/config"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

type loginResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DeviceID     string `json:"device_id"`
}

// Login performs password login:
// unknown user and wrong password are indistinguishable in the response.
func Login(req *http.Request, cfg *config.ClientAPI, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}

	passwordLogin := auth.LoginTypePassword{
		GetAccountByPassword: userAPI.QueryAccountByPassword,
		Config:               cfg,
	}
	login, cleanup, errRes := passwordLogin.LoginFromJSON(req.Context(), body)
	if errRes != nil {
		return *errRes
	}

	localpart, serverName, err := userutil.ParseUsernameParamFromUserID(login.Username())
	if err != nil {
		return util.JSONResponse{Code: http.StatusUnauthorized, JSON: spec.InvalidUsername(err.Error())}
	}

	var devRes userapi.PerformDeviceCreationResponse
	if err := userAPI.PerformDeviceCreation(req.Context(), &userapi.PerformDeviceCreationRequest{
		Localpart:         localpart,
		ServerName:        serverName,
		DeviceID:          login.DeviceID,
		DeviceDisplayName: login.InitialDisplayName,
	}, &devRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceCreation failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}

	res := util.JSONResponse{
		Code: http.StatusOK,
		JSON: loginResponse{
			UserID:       devRes.Device.UserID,
			AccessToken:  devRes.Device.AccessToken,
			RefreshToken: devRes.RefreshToken,
			DeviceID:     devRes.Device.ID,
		},
	}
	cleanup(req.Context(), &res)
	return res
}

// Logout revokes the calling device's access token.
func Logout(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	if err := userAPI.PerformLogout(req.Context(), device.AccessToken); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformLogout failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// LogoutAll revokes every device the caller owns.
func LogoutAll(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	if err := userAPI.PerformDeviceDeletion(req.Context(), &userapi.PerformDeviceDeletionRequest{
		UserID: device.UserID,
	}, &userapi.PerformDeviceDeletionResponse{}); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceDeletion failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// Refresh exchanges a refresh token for a new token pair; replays revoke
// the whole family.
func Refresh(req *http.Request, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		RefreshToken string `json:"refresh_token"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.RefreshToken == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Missing refresh_token"),
		}
	}
	accessToken, refreshToken, err := userAPI.PerformRefreshTokenExchange(req.Context(), r.RefreshToken)
	if err != nil {
		var apiErr *apierrors.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierrors.KindUnauthorized {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.UnknownToken(apiErr.Message),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("PerformRefreshTokenExchange failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
		},
	}
}
