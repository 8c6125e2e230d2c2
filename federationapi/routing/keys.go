// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/federation/keyring"
	fedinternal "github.com/matrixhs/homeserver/federationapi/internalapi"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/userapi/internalapi"
)

// LocalKeys serves this server's verify keys, self-signed.
func LocalKeys(cfg *config.FederationAPI) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		res, err := localKeys(cfg)
		if err != nil {
			respondJSON(w, util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res)
	})
}

func localKeys(cfg *config.FederationAPI) ([]byte, error) {
	privateKey := ed25519.PrivateKey(cfg.Matrix.PrivateKeyBytes())
	publicKey := privateKey.Public().(ed25519.PublicKey)

	response := keyring.ServerKeyResponse{
		ServerName:   cfg.Matrix.ServerName,
		ValidUntilTS: spec.AsTimestamp(time.Now().Add(cfg.Matrix.KeyValidityPeriod)),
		VerifyKeys: map[gomatrixserverlib.KeyID]keyring.VerifyKey{
			cfg.Matrix.KeyID: {Key: spec.Base64Bytes(publicKey)},
		},
		OldVerifyKeys: map[gomatrixserverlib.KeyID]keyring.OldVerifyKey{},
	}
	for keyID, key := range cfg.Matrix.OldVerifyKeys {
		response.OldVerifyKeys[keyID] = keyring.OldVerifyKey{Key: key}
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return canonicaljson.SignObject(raw, cfg.Matrix.ServerName, cfg.Matrix.KeyID, privateKey)
}

// QueryDeviceKeys serves inbound /user/keys/query for this server's users.
func QueryDeviceKeys(cfg *config.FederationAPI, fedAPI *fedinternal.FederationInternalAPI) federationHandler {
	return func(req *http.Request, fedReq *federationRequest) util.JSONResponse {
		var body struct {
			DeviceKeys map[string][]string `json:"device_keys"`
		}
		if err := json.Unmarshal(fedReq.content, &body); err != nil {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.NotJSON("Malformed request body")}
		}
		var res internalapi.QueryKeysResponse
		if err := fedAPI.UserAPI.PerformQueryKeys(req.Context(), cfg.Matrix.ServerName, &internalapi.QueryKeysRequest{
			DeviceKeys: body.DeviceKeys,
		}, &res); err != nil {
			return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: map[string]interface{}{
				"device_keys":       res.DeviceKeys,
				"master_keys":       res.MasterKeys,
				"self_signing_keys": res.SelfSigningKeys,
			},
		}
	}
}

// ClaimOneTimeKeys serves inbound /user/keys/claim for this server's users.
func ClaimOneTimeKeys(cfg *config.FederationAPI, fedAPI *fedinternal.FederationInternalAPI) federationHandler {
	return func(req *http.Request, fedReq *federationRequest) util.JSONResponse {
		var body struct {
			OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
		}
		if err := json.Unmarshal(fedReq.content, &body); err != nil {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.NotJSON("Malformed request body")}
		}
		var res internalapi.ClaimKeysResponse
		if err := fedAPI.UserAPI.PerformClaimKeys(req.Context(), cfg.Matrix.ServerName, &internalapi.ClaimKeysRequest{
			OneTimeKeys: body.OneTimeKeys,
		}, &res); err != nil {
			return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: map[string]interface{}{"one_time_keys": res.OneTimeKeys},
		}
	}
}
