// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing registers the federation HTTP surface: the transaction sink, the key distribution
// endpoint, and the backfill helpers. The route table is returned as
// handlers on a mux; listener/TLS wiring stays with the embedder.
package routing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	fedinternal "github.com/matrixhs/homeserver/federationapi/internalapi"
	"github.com/matrixhs/homeserver/federationapi/types"
	"github.com/matrixhs/homeserver/setup/config"
)

// Setup registers the federation routes onto fedMux (mounted at
// /_matrix/federation) and keyMux (mounted at /_matrix/key).
func Setup(
	fedMux, keyMux *mux.Router,
	cfg *config.FederationAPI,
	fedAPI *fedinternal.FederationInternalAPI,
) {
	v1fedmux := fedMux.PathPrefix("/v1").Subrouter()

	v1fedmux.Handle("/send/{txnID}", withFederationAuth(cfg, fedAPI, Send(cfg, fedAPI))).Methods(http.MethodPut)
	v1fedmux.Handle("/user/keys/query", withFederationAuth(cfg, fedAPI, QueryDeviceKeys(cfg, fedAPI))).Methods(http.MethodPost)
	v1fedmux.Handle("/user/keys/claim", withFederationAuth(cfg, fedAPI, ClaimOneTimeKeys(cfg, fedAPI))).Methods(http.MethodPost)
	v1fedmux.Handle("/get_missing_events/{roomID}", withFederationAuth(cfg, fedAPI, GetMissingEvents(fedAPI))).Methods(http.MethodPost)
	v1fedmux.Handle("/state_ids/{roomID}", withFederationAuth(cfg, fedAPI, GetStateIDs(fedAPI))).Methods(http.MethodGet)

	keyMux.Handle("/v2/server", LocalKeys(cfg)).Methods(http.MethodGet)
	keyMux.Handle("/v2/server/{keyID}", LocalKeys(cfg)).Methods(http.MethodGet)
}

// federationRequest is a verified inbound request: the origin asserted in
// the X-Matrix header whose signature checked out.
type federationRequest struct {
	origin  spec.ServerName
	content []byte
}

type federationHandler func(req *http.Request, fedReq *federationRequest) util.JSONResponse

// withFederationAuth verifies the X-Matrix Authorization header against
// the origin's published keys before invoking h. A tampered body or bad signature yields 401 M_UNAUTHORIZED
// with nothing persisted.
func withFederationAuth(
	cfg *config.FederationAPI, fedAPI *fedinternal.FederationInternalAPI, h federationHandler,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if cfg.Matrix.DisableFederation {
			respondJSON(w, util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: spec.Forbidden("Federation is disabled on this homeserver"),
			})
			return
		}
		fedReq, errResp := VerifyHTTPRequest(req, cfg, fedAPI)
		if errResp != nil {
			respondJSON(w, *errResp)
			return
		}
		respondJSON(w, h(req, fedReq))
	})
}

func respondJSON(w http.ResponseWriter, res util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_ = json.NewEncoder(w).Encode(res.JSON)
}

// VerifyHTTPRequest authenticates an inbound federation request from its
// X-Matrix header.
func VerifyHTTPRequest(
	req *http.Request, cfg *config.FederationAPI, fedAPI *fedinternal.FederationInternalAPI,
) (*federationRequest, *util.JSONResponse) {
	unauthorized := func(message string) *util.JSONResponse {
		return &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MatrixError{ErrCode: "M_UNAUTHORIZED", Err: message},
		}
	}

	credentials, err := parseAuthHeader(req.Header.Get("Authorization"))
	if err != nil {
		return nil, unauthorized("Missing or malformed X-Matrix Authorization header")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	var content interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &content); err != nil {
			return nil, unauthorized("Request body is not valid JSON")
		}
	}

	uri := req.URL.RequestURI()
	for _, credential := range credentials {
		if credential.Destination != "" && credential.Destination != cfg.Matrix.ServerName {
			continue
		}
		publicKey, err := fedAPI.Keyring.VerifyKey(req.Context(), credential.Origin, credential.KeyID)
		if err != nil {
			continue
		}
		err = verifySignedRequest(req.Method, uri, credential, cfg.Matrix.ServerName, content, publicKey)
		if err == nil {
			return &federationRequest{origin: credential.Origin, content: body}, nil
		}
	}
	return nil, unauthorized("Request signature verification failed")
}

// Send is the inbound transaction sink: PUT /send/{txnID}.
// Transaction IDs are caller-chosen and idempotent at the
// receiver; replays of a processed transaction return the original
// per-PDU results.
func Send(cfg *config.FederationAPI, fedAPI *fedinternal.FederationInternalAPI) federationHandler {
	return func(req *http.Request, fedReq *federationRequest) util.JSONResponse {
		vars := mux.Vars(req)
		txnID := vars["txnID"]

		if res, ok := txnCache.FetchTransaction(string(fedReq.origin), txnID, "/send"); ok {
			return *res
		}

		var txn types.Transaction
		if err := json.Unmarshal(fedReq.content, &txn); err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.NotJSON("The transaction body could not be decoded"),
			}
		}
		txn.TxnID = txnID
		txn.Origin = fedReq.origin
		txn.Destination = cfg.Matrix.ServerName

		resp, err := fedAPI.ProcessTransaction(req.Context(), &txn)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}
		res := util.JSONResponse{Code: http.StatusOK, JSON: resp}
		txnCache.AddTransaction(string(fedReq.origin), txnID, "/send", &res)
		return res
	}
}

// GetMissingEvents serves backfill requests from peers, bounded by their
// requested limit and our own cap.
func GetMissingEvents(fedAPI *fedinternal.FederationInternalAPI) federationHandler {
	return func(req *http.Request, fedReq *federationRequest) util.JSONResponse {
		vars := mux.Vars(req)
		roomID := vars["roomID"]

		var body struct {
			EarliestEvents []string `json:"earliest_events"`
			LatestEvents   []string `json:"latest_events"`
			Limit          int      `json:"limit"`
		}
		if err := json.Unmarshal(fedReq.content, &body); err != nil {
			return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.NotJSON("Malformed request body")}
		}
		if body.Limit <= 0 || body.Limit > 20 {
			body.Limit = 20
		}

		stop := map[string]bool{}
		for _, id := range body.EarliestEvents {
			stop[id] = true
		}

		var events []json.RawMessage
		visited := map[string]bool{}
		frontier := body.LatestEvents
		for len(frontier) > 0 && len(events) < body.Limit {
			found, err := fedAPI.RsAPI.DB.GetEvents(req.Context(), frontier)
			if err != nil {
				return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
			}
			frontier = frontier[:0]
			for _, ev := range found {
				if visited[ev.EventID] || ev.RoomID != roomID {
					continue
				}
				visited[ev.EventID] = true
				raw, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				events = append(events, raw)
				if len(events) >= body.Limit {
					break
				}
				for _, prev := range ev.PrevEventIDs {
					if !visited[prev] && !stop[prev] {
						frontier = append(frontier, prev)
					}
				}
			}
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: map[string]interface{}{"events": events},
		}
	}
}

// GetStateIDs returns the room state at an event as event IDs plus the
// auth chain, for peers resolving state across a gap.
func GetStateIDs(fedAPI *fedinternal.FederationInternalAPI) federationHandler {
	return func(req *http.Request, fedReq *federationRequest) util.JSONResponse {
		vars := mux.Vars(req)
		roomID := vars["roomID"]

		st, err := fedAPI.RsAPI.CurrentState(req.Context(), roomID)
		if err != nil {
			return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
		}
		if len(st) == 0 {
			return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Unknown room")}
		}

		stateIDs := make([]string, 0, len(st))
		for _, eventID := range st {
			stateIDs = append(stateIDs, eventID)
		}

		authChain := map[string]bool{}
		frontier := append([]string{}, stateIDs...)
		for len(frontier) > 0 {
			events, err := fedAPI.RsAPI.DB.GetEvents(req.Context(), frontier)
			if err != nil {
				return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
			}
			frontier = frontier[:0]
			for _, ev := range events {
				for _, authID := range ev.AuthEventIDs {
					if !authChain[authID] {
						authChain[authID] = true
						frontier = append(frontier, authID)
					}
				}
			}
		}
		authChainIDs := make([]string, 0, len(authChain))
		for id := range authChain {
			authChainIDs = append(authChainIDs, id)
		}

		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: map[string]interface{}{
				"pdu_ids":        stateIDs,
				"auth_chain_ids": authChainIDs,
			},
		}
	}
}
