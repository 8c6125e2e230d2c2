// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/httputil"
	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/internal/transactions"
	rsinternal "github.com/matrixhs/homeserver/roomserver/internalapi"
	userapi "github.com/matrixhs/homeserver/userapi/api"
)

// errorToJSONResponse maps the typed error taxonomy onto HTTP responses.
func errorToJSONResponse(req *http.Request, err error) util.JSONResponse {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		code, body := apierrors.ToMatrixError(apiErr)
		return util.JSONResponse{Code: code, JSON: body}
	}
	util.GetLogger(req.Context()).WithError(err).Error("Request failed")
	return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
}

// CreateRoom handles POST /createRoom.
func CreateRoom(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	var r struct {
		Name         string                         `json:"name"`
		Topic        string                         `json:"topic"`
		Preset       string                         `json:"preset"`
		Visibility   string                         `json:"visibility"`
		RoomVersion  string                         `json:"room_version"`
		Invite       []string                       `json:"invite"`
		InitialState []rsinternal.InitialStateEvent `json:"initial_state"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	roomID, err := rsAPI.PerformCreateRoom(req.Context(), &rsinternal.CreateRoomRequest{
		CreatorUserID: device.UserID,
		RoomVersion:   r.RoomVersion,
		Preset:        r.Preset,
		Name:          r.Name,
		Topic:         r.Topic,
		Visibility:    r.Visibility,
		Invites:       r.Invite,
		InitialState:  r.InitialState,
	})
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"room_id": roomID},
	}
}

// JoinRoom handles POST /rooms/{roomID}/join.
func JoinRoom(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	if err := rsAPI.PerformJoin(req.Context(), roomID, device.UserID); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"room_id": roomID},
	}
}

// LeaveRoom handles POST /rooms/{roomID}/leave.
func LeaveRoom(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	if err := rsAPI.PerformLeave(req.Context(), roomID, device.UserID, device.UserID, ""); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

type membershipRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// InviteUser handles POST /rooms/{roomID}/invite.
func InviteUser(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	var r membershipRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.UserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("Missing user_id")}
	}
	if err := rsAPI.PerformInvite(req.Context(), roomID, device.UserID, r.UserID, r.Reason); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// KickUser handles POST /rooms/{roomID}/kick (a leave with a distinct
// sender).
func KickUser(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	var r membershipRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.UserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("Missing user_id")}
	}
	if err := rsAPI.PerformLeave(req.Context(), roomID, device.UserID, r.UserID, r.Reason); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// BanUser handles POST /rooms/{roomID}/ban.
func BanUser(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	var r membershipRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.UserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("Missing user_id")}
	}
	if err := rsAPI.PerformBan(req.Context(), roomID, device.UserID, r.UserID, r.Reason); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// UnbanUser handles POST /rooms/{roomID}/unban.
func UnbanUser(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	roomID := mux.Vars(req)["roomID"]
	var r membershipRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	if r.UserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("Missing user_id")}
	}
	if err := rsAPI.PerformUnban(req.Context(), roomID, device.UserID, r.UserID); err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// SendMessage handles PUT /rooms/{roomID}/send/{eventType}/{txnID},
// idempotent on (sender, txnID).
func SendMessage(
	req *http.Request, device *userapi.Device,
	rsAPI *rsinternal.RoomserverInternalAPI, txnCache *transactions.Cache,
) util.JSONResponse {
	vars := mux.Vars(req)
	roomID, eventType, txnID := vars["roomID"], vars["eventType"], vars["txnID"]

	if cached, ok := txnCache.FetchTransaction(device.AccessToken, txnID, req.URL.Path); ok {
		return *cached
	}

	var content json.RawMessage
	if errRes := httputil.UnmarshalJSONRequest(req, &content); errRes != nil {
		return *errRes
	}
	eventID, err := rsAPI.PerformSendMessage(req.Context(), roomID, device.UserID, eventType, content)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	res := util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"event_id": eventID},
	}
	txnCache.AddTransaction(device.AccessToken, txnID, req.URL.Path, &res)
	return res
}

// SetState handles PUT /rooms/{roomID}/state/{eventType}/{stateKey}.
func SetState(req *http.Request, device *userapi.Device, rsAPI *rsinternal.RoomserverInternalAPI) util.JSONResponse {
	vars := mux.Vars(req)
	roomID, eventType := vars["roomID"], vars["eventType"]
	stateKey := vars["stateKey"] // absent key means the empty state key

	var content json.RawMessage
	if errRes := httputil.UnmarshalJSONRequest(req, &content); errRes != nil {
		return *errRes
	}
	eventID, err := rsAPI.PerformSetState(req.Context(), roomID, device.UserID, eventType, stateKey, content)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"event_id": eventID},
	}
}

// RedactEvent handles PUT /rooms/{roomID}/redact/{eventID}/{txnID}.
func RedactEvent(
	req *http.Request, device *userapi.Device,
	rsAPI *rsinternal.RoomserverInternalAPI, txnCache *transactions.Cache,
) util.JSONResponse {
	vars := mux.Vars(req)
	roomID, targetEventID, txnID := vars["roomID"], vars["eventID"], vars["txnID"]

	if cached, ok := txnCache.FetchTransaction(device.AccessToken, txnID, req.URL.Path); ok {
		return *cached
	}

	var r struct {
		Reason string `json:"reason"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &r); errRes != nil {
		return *errRes
	}
	eventID, err := rsAPI.PerformRedact(req.Context(), roomID, device.UserID, targetEventID, r.Reason)
	if err != nil {
		return errorToJSONResponse(req, err)
	}
	res := util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"event_id": eventID},
	}
	txnCache.AddTransaction(device.AccessToken, txnID, req.URL.Path, &res)
	return res
}
