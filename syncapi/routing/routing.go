// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing registers the sync pipeline's HTTP surface: the /sync
// long-poll itself.
package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/auth"
	"github.com/matrixhs/homeserver/internal/httputil"
	"github.com/matrixhs/homeserver/syncapi/sync"
	userapi "github.com/matrixhs/homeserver/userapi/api"
)

// Setup mounts GET /sync on each supported client API version prefix.
func Setup(csMux *mux.Router, rp *sync.RequestPool, userAPI auth.QueryAccessTokenAPI) {
	handler := httputil.MakeAuthAPI("sync", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
		return rp.OnIncomingSyncRequest(req, device)
	})
	for _, prefix := range []string{"/r0", "/v3"} {
		csMux.Handle(prefix+"/sync", handler).Methods(http.MethodGet, http.MethodOptions)
	}
}
