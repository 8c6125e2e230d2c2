// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/httputil"
	"github.com/matrixhs/homeserver/internal/transactions"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// SendToDevice handles PUT /sendToDevice/{eventType}/{txnID}.
// Messages queue per target device and arrive via sync.
func SendToDevice(
	req *http.Request, device *userapi.Device,
	userAPI *userinternal.UserInternalAPI, txnCache *transactions.Cache,
) util.JSONResponse {
	vars := mux.Vars(req)
	eventType, txnID := vars["eventType"], vars["txnID"]

	if cached, ok := txnCache.FetchTransaction(device.AccessToken, txnID, req.URL.Path); ok {
		return *cached
	}

	var body struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}
	if errRes := httputil.UnmarshalJSONRequest(req, &body); errRes != nil {
		return *errRes
	}
	if err := userAPI.PerformSendToDevice(req.Context(), device.UserID, eventType, body.Messages); err != nil {
		return errorToJSONResponse(req, err)
	}
	res := util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	txnCache.AddTransaction(device.AccessToken, txnID, req.URL.Path, &res)
	return res
}
