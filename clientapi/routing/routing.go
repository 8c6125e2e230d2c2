// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing registers the client-server HTTP surface: account and session endpoints, room intents, the
// E2EE key plane, key backup, and to-device messaging. Listener/TLS
// wiring stays with the embedder; this package only builds route tables.
package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/clientapi/auth"
	"github.com/matrixhs/homeserver/internal/httputil"
	"github.com/matrixhs/homeserver/internal/transactions"
	rsinternal "github.com/matrixhs/homeserver/roomserver/internalapi"
	"github.com/matrixhs/homeserver/setup/config"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// Setup registers the client API routes on csMux, which is expected to be
// mounted at /_matrix/client.
func Setup(
	csMux *mux.Router,
	cfg *config.ClientAPI,
	rsAPI *rsinternal.RoomserverInternalAPI,
	userAPI *userinternal.UserInternalAPI,
	rateLimits *httputil.RateLimits,
	txnCache *transactions.Cache,
) {
	limited := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if errRes := rateLimits.Limit(req, nil); errRes != nil {
				respondJSON(w, *errRes)
				return
			}
			h.ServeHTTP(w, req)
		})
	}

	authed := func(metricsName string, f func(*http.Request, *userapi.Device) util.JSONResponse) http.Handler {
		return httputil.MakeAuthAPI(metricsName, userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if errRes := rateLimits.Limit(req, device); errRes != nil {
				return *errRes
			}
			return f(req, device)
		})
	}

	for _, prefix := range []string{"/r0", "/v3"} {
		v := csMux.PathPrefix(prefix).Subrouter()

		// Account and session plane.
		v.Handle("/register", limited(httputil.MakeExternalAPI("register", func(req *http.Request) util.JSONResponse {
			return Register(req, cfg, userAPI)
		}))).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/login", limited(httputil.MakeExternalAPI("login", func(req *http.Request) util.JSONResponse {
			return Login(req, cfg, userAPI)
		}))).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/refresh", limited(httputil.MakeExternalAPI("refresh", func(req *http.Request) util.JSONResponse {
			return Refresh(req, userAPI)
		}))).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/logout", authed("logout", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return Logout(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/logout/all", authed("logout_all", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return LogoutAll(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/account/password", authed("account_password", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return ChangePassword(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/account/deactivate", authed("account_deactivate", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return DeactivateAccount(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)

		// Room intents.
		v.Handle("/createRoom", authed("create_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return CreateRoom(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/join", authed("join_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return JoinRoom(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/leave", authed("leave_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return LeaveRoom(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/invite", authed("invite_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return InviteUser(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/kick", authed("kick_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KickUser(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/ban", authed("ban_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return BanUser(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/unban", authed("unban_room", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return UnbanUser(req, device, rsAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/rooms/{roomID}/send/{eventType}/{txnID}", authed("send_message", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return SendMessage(req, device, rsAPI, txnCache)
		})).Methods(http.MethodPut, http.MethodOptions)
		v.Handle("/rooms/{roomID}/state/{eventType}/{stateKey}", authed("set_state", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return SetState(req, device, rsAPI)
		})).Methods(http.MethodPut, http.MethodOptions)
		v.Handle("/rooms/{roomID}/state/{eventType}", authed("set_state", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return SetState(req, device, rsAPI)
		})).Methods(http.MethodPut, http.MethodOptions)
		v.Handle("/rooms/{roomID}/redact/{eventID}/{txnID}", authed("redact_event", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return RedactEvent(req, device, rsAPI, txnCache)
		})).Methods(http.MethodPut, http.MethodOptions)

		// E2EE key plane.
		v.Handle("/keys/upload", authed("keys_upload", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return UploadKeys(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/keys/query", authed("keys_query", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return QueryKeys(req, device, cfg, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/keys/claim", authed("keys_claim", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return ClaimKeys(req, device, cfg, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/keys/changes", authed("keys_changes", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KeyChanges(req, device, userAPI)
		})).Methods(http.MethodGet, http.MethodOptions)
		v.Handle("/keys/device_signing/upload", authed("keys_cross_signing", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return UploadCrossSigningKeys(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)

		// Key backup.
		v.Handle("/room_keys/version", authed("room_keys_version_create", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return CreateKeyBackupVersion(req, device, userAPI)
		})).Methods(http.MethodPost, http.MethodOptions)
		v.Handle("/room_keys/version", authed("room_keys_version_get", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return GetKeyBackupVersion(req, device, userAPI, "")
		})).Methods(http.MethodGet, http.MethodOptions)
		v.Handle("/room_keys/version/{version}", authed("room_keys_version", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KeyBackupVersion(req, device, userAPI)
		})).Methods(http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions)
		v.Handle("/room_keys/keys", authed("room_keys", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KeyBackupKeys(req, device, userAPI, "", "")
		})).Methods(http.MethodGet, http.MethodPut, http.MethodOptions)
		v.Handle("/room_keys/keys/{roomID}", authed("room_keys", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KeyBackupKeys(req, device, userAPI, mux.Vars(req)["roomID"], "")
		})).Methods(http.MethodGet, http.MethodPut, http.MethodOptions)
		v.Handle("/room_keys/keys/{roomID}/{sessionID}", authed("room_keys", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return KeyBackupKeys(req, device, userAPI, mux.Vars(req)["roomID"], mux.Vars(req)["sessionID"])
		})).Methods(http.MethodGet, http.MethodPut, http.MethodOptions)

		// To-device messaging.
		v.Handle("/sendToDevice/{eventType}/{txnID}", authed("send_to_device", func(req *http.Request, device *userapi.Device) util.JSONResponse {
			return SendToDevice(req, device, userAPI, txnCache)
		})).Methods(http.MethodPut, http.MethodOptions)
	}
}

func respondJSON(w http.ResponseWriter, res util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_ = json.NewEncoder(w).Encode(res.JSON)
}

// compile-time check that auth's middleware contract stays satisfied.
var _ auth.QueryAccessTokenAPI = (*userinternal.UserInternalAPI)(nil)
