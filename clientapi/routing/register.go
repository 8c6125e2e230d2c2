// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"crypto/hmac"
	"crypto/sha1" // nolint:gosec
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/httputil"
	"github.com/matrixhs/homeserver/clientapi/userutil"
	"github.com/matrixhs/homeserver/internal/apierrors"
	iutil "github.com/matrixhs/homeserver/internal/util"
	"github.com/matrixhs/homeserver/setup/config"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

var validUsernameRegex = regexp.MustCompile(`^[0-9a-z_\-=./]+$`)

const maxUsernameLength = 254

type registerRequest struct {
	Username           string  `json:"username"`
	Password           string  `json:"password"`
	DeviceID           *string `json:"device_id"`
	InitialDisplayName *string `json:"initial_device_display_name"`
	InhibitLogin       bool    `json:"inhibit_login"`
	// Auth carries the shared-secret flow when open registration is off.
	Auth struct {
		Type string `json:"type"`
		MAC  string `json:"mac"`
	} `json:"auth"`
	Admin bool `json:"admin"`
}

type registerResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
}

// Register creates a new account.
func Register(req *http.Request, cfg *config.ClientAPI, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r registerRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.Username == "" || r.Password == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Both username and password must be supplied"),
		}
	}
	localpart := iutil.NormalizeLocalpart(r.Username)
	if len(localpart) > maxUsernameLength || !validUsernameRegex.MatchString(localpart) {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidUsername("Username can only contain characters a-z, 0-9, or '_-./='"),
		}
	}

	accountType := userapi.AccountTypeUser
	if cfg.RegistrationDisabled {
		if cfg.RegistrationSharedSecret == "" || !validRegistrationMAC(cfg.RegistrationSharedSecret, localpart, r.Password, r.Auth.MAC, r.Admin) {
			return util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: spec.Forbidden("Registration is disabled on this homeserver"),
			}
		}
		if r.Admin {
			accountType = userapi.AccountTypeAdmin
		}
	}

	acc, err := userAPI.PerformAccountCreation(req.Context(), localpart, cfg.Matrix.ServerName, r.Password, accountType)
	if err != nil {
		var apiErr *apierrors.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierrors.KindConflict {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.UserInUse("Desired user ID is already taken."),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("PerformAccountCreation failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}

	response := registerResponse{UserID: acc.UserID}
	if !r.InhibitLogin {
		var devRes userapi.PerformDeviceCreationResponse
		if err := userAPI.PerformDeviceCreation(req.Context(), &userapi.PerformDeviceCreationRequest{
			Localpart:         localpart,
			ServerName:        cfg.Matrix.ServerName,
			DeviceID:          r.DeviceID,
			DeviceDisplayName: r.InitialDisplayName,
		}, &devRes); err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceCreation failed")
			return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
		}
		response.AccessToken = devRes.Device.AccessToken
		response.RefreshToken = devRes.RefreshToken
		response.DeviceID = devRes.Device.ID
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: response}
}

// validRegistrationMAC checks the shared-secret registration HMAC, the
// escape hatch for closed-registration deployments.
func validRegistrationMAC(secret, username, password, macHex string, admin bool) bool {
	if macHex == "" {
		return false
	}
	adminStr := "notadmin"
	if admin {
		adminStr = "admin"
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	mac.Write([]byte{0})
	mac.Write([]byte(adminStr))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(macHex))
}

// ChangePassword rehashes the caller's password and revokes their other
// sessions.
func ChangePassword(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		NewPassword string `json:"new_password"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.NewPassword == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Missing new_password"),
		}
	}
	localpart, serverName, err := userutil.ParseUsernameParamFromUserID(device.UserID)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if err := userAPI.PerformPasswordUpdate(req.Context(), localpart, serverName, r.NewPassword); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformPasswordUpdate failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// DeactivateAccount flags the caller's account and cascades session and
// key deletion.
func DeactivateAccount(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	localpart, serverName, err := userutil.ParseUsernameParamFromUserID(device.UserID)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	if err := userAPI.PerformAccountDeactivation(req.Context(), localpart, serverName); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformAccountDeactivation failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
