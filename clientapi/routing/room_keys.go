// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/httputil"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// CreateKeyBackupVersion handles POST /room_keys/version.
func CreateKeyBackupVersion(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	var r struct {
		Algorithm string          `json:"algorithm"`
		AuthData  json.RawMessage `json:"auth_data"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.Algorithm == "" || len(r.AuthData) == 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Both algorithm and auth_data must be supplied"),
		}
	}
	version, err := userAPI.PerformKeyBackupCreation(req.Context(), device.UserID, r.Algorithm, r.AuthData)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"version": version},
	}
}

// GetKeyBackupVersion returns a version's metadata, or the active version
// when the path carries none.
func GetKeyBackupVersion(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI, version string) util.JSONResponse {
	info, err := userAPI.QueryKeyBackup(req.Context(), device.UserID, version)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{
			"version":   info.Version,
			"algorithm": info.Algorithm,
			"auth_data": info.AuthData,
			"etag":      info.ETag,
			"count":     info.Count,
		},
	}
}

// KeyBackupVersion dispatches GET/PUT/DELETE /room_keys/version/{version}.
func KeyBackupVersion(req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI) util.JSONResponse {
	version := mux.Vars(req)["version"]
	switch req.Method {
	case http.MethodGet:
		return GetKeyBackupVersion(req, device, userAPI, version)
	case http.MethodPut:
		var r struct {
			AuthData json.RawMessage `json:"auth_data"`
		}
		if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
			return *errRes
		}
		if err := userAPI.PerformKeyBackupUpdate(req.Context(), device.UserID, version, r.AuthData); err != nil {
			return errorToJSONResponse(req, err)
		}
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	case http.MethodDelete:
		if err := userAPI.PerformKeyBackupDeletion(req.Context(), device.UserID, version); err != nil {
			return errorToJSONResponse(req, err)
		}
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	default:
		return util.JSONResponse{Code: http.StatusMethodNotAllowed, JSON: spec.Unknown("Bad method")}
	}
}

// keyBackupUploadBody is the upload shape for all three /room_keys/keys
// granularities, normalized to rooms → sessions.
type keyBackupUploadBody struct {
	Rooms map[string]struct {
		Sessions map[string]userapi.KeyBackupSession `json:"sessions"`
	} `json:"rooms"`
}

// KeyBackupKeys dispatches GET/PUT /room_keys/keys[/{roomID}[/{sessionID}]].
func KeyBackupKeys(
	req *http.Request, device *userapi.Device, userAPI *userinternal.UserInternalAPI,
	roomID, sessionID string,
) util.JSONResponse {
	version := req.URL.Query().Get("version")
	if version == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("Missing version query parameter"),
		}
	}

	switch req.Method {
	case http.MethodPut:
		uploads := map[string]map[string]userapi.KeyBackupSession{}
		switch {
		case roomID == "":
			var body keyBackupUploadBody
			if errRes := httputil.UnmarshalJSONRequest(req, &body); errRes != nil {
				return *errRes
			}
			for room, sessions := range body.Rooms {
				uploads[room] = sessions.Sessions
			}
		case sessionID == "":
			var body struct {
				Sessions map[string]userapi.KeyBackupSession `json:"sessions"`
			}
			if errRes := httputil.UnmarshalJSONRequest(req, &body); errRes != nil {
				return *errRes
			}
			uploads[roomID] = body.Sessions
		default:
			var session userapi.KeyBackupSession
			if errRes := httputil.UnmarshalJSONRequest(req, &session); errRes != nil {
				return *errRes
			}
			uploads[roomID] = map[string]userapi.KeyBackupSession{sessionID: session}
		}
		count, etag, err := userAPI.PerformKeyBackupUpload(req.Context(), device.UserID, version, uploads)
		if err != nil {
			return errorToJSONResponse(req, err)
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: map[string]interface{}{"count": count, "etag": etag},
		}

	case http.MethodGet:
		keys, err := userAPI.QueryKeyBackupKeys(req.Context(), device.UserID, version, roomID, sessionID)
		if err != nil {
			return errorToJSONResponse(req, err)
		}
		switch {
		case roomID == "":
			rooms := map[string]interface{}{}
			for room, sessions := range keys {
				rooms[room] = map[string]interface{}{"sessions": sessions}
			}
			return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"rooms": rooms}}
		case sessionID == "":
			sessions := map[string]userapi.KeyBackupSession{}
			if room, ok := keys[roomID]; ok {
				sessions = room
			}
			return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"sessions": sessions}}
		default:
			if session, ok := keys[roomID][sessionID]; ok {
				return util.JSONResponse{Code: http.StatusOK, JSON: session}
			}
			return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("No backup found for this session")}
		}

	default:
		return util.JSONResponse{Code: http.StatusMethodNotAllowed, JSON: spec.Unknown("Bad method")}
	}
}
