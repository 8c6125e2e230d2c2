// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/httputil"
	"github.com/matrixhs/homeserver/setup/config"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// UploadKeys handles POST /keys/upload.
func UploadKeys(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		DeviceKeys  json.RawMessage            `json:"device_keys"`
		OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	uploadRes := userinternal.UploadKeysResponse{}
	if err := userAPI.PerformUploadKeys(req.Context(), &userinternal.UploadKeysRequest{
		UserID:      device.UserID,
		DeviceID:    device.ID,
		DeviceKeys:  r.DeviceKeys,
		OneTimeKeys: r.OneTimeKeys,
	}, &uploadRes); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"one_time_key_counts": uploadRes.OneTimeKeyCounts.KeyCount,
		},
	}
}

// QueryKeys handles POST /keys/query.
func QueryKeys(req *http.Request, device *userapi.Device, cfg *config.ClientAPI, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		DeviceKeys map[string][]string `json:"device_keys"`
		Timeout    int                 `json:"timeout"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	queryRes := userinternal.QueryKeysResponse{}
	if err := userAPI.PerformQueryKeys(req.Context(), cfg.Matrix.ServerName, &userinternal.QueryKeysRequest{
		UserID:     device.UserID,
		DeviceKeys: r.DeviceKeys,
		Timeout:    time.Duration(r.Timeout) * time.Millisecond,
	}, &queryRes); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"device_keys":       queryRes.DeviceKeys,
			"master_keys":       queryRes.MasterKeys,
			"self_signing_keys": queryRes.SelfSigningKeys,
			"user_signing_keys": queryRes.UserSigningKeys,
			"failures":          queryRes.Failures,
		},
	}
}

// ClaimKeys handles POST /keys/claim.
func ClaimKeys(req *http.Request, device *userapi.Device, cfg *config.ClientAPI, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
		Timeout     int                          `json:"timeout"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	claimRes := userinternal.ClaimKeysResponse{}
	if err := userAPI.PerformClaimKeys(req.Context(), cfg.Matrix.ServerName, &userinternal.ClaimKeysRequest{
		OneTimeKeys: r.OneTimeKeys,
		Timeout:     time.Duration(r.Timeout) * time.Millisecond,
	}, &claimRes); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"one_time_keys": claimRes.OneTimeKeys,
			"failures":      claimRes.Failures,
		},
	}
}

// KeyChanges handles GET /keys/changes?from=...&to=....
func KeyChanges(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(req.URL.Query().Get(name), 10, 64)
		return v
	}
	from, to := parse("from"), parse("to")
	changed, _, err := userAPI.QueryKeyChanges(req.Context(), from, to)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	if changed == nil {
		changed = []string{}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"changed": changed,
			"left":    []string{},
		},
	}
}

// UploadCrossSigningKeys handles POST /keys/device_signing/upload.
// Master key uploads require the
// interactive-auth precondition, which the HTTP layer reduces to "the
// request carried a completed auth dict".
func UploadCrossSigningKeys(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		MasterKey      json.RawMessage `json:"master_key"`
		SelfSigningKey json.RawMessage `json:"self_signing_key"`
		UserSigningKey json.RawMessage `json:"user_signing_key"`
		Auth           json.RawMessage `json:"auth"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if err := userAPI.PerformUploadCrossSigningKeys(req.Context(), &userinternal.UploadCrossSigningKeysRequest{
		UserID:         device.UserID,
		MasterKey:      r.MasterKey,
		SelfSigningKey: r.SelfSigningKey,
		UserSigningKey: r.UserSigningKey,
		AuthDone:       len(r.Auth) > 0,
	}); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
