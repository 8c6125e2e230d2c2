// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixhs/homeserver/userapi/api"
)

// QueryAccessTokenAPI is the subset of the user API the bearer-token
// middleware needs.
type QueryAccessTokenAPI interface {
	QueryDeviceByAccessToken(ctx context.Context, req *api.QueryDeviceByAccessTokenRequest, res *api.QueryDeviceByAccessTokenResponse) error
}

// VerifyUserFromRequest authenticates the HTTP request, on success
// returning the owning device. A missing or unknown token returns the
// matching 401 body; credential failures are uniform.
func VerifyUserFromRequest(req *http.Request, queryAPI QueryAccessTokenAPI) (*api.Device, *util.JSONResponse) {
	token, err := ExtractAccessToken(req)
	if err != nil {
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken(err.Error()),
		}
	}
	var res api.QueryDeviceByAccessTokenResponse
	if err := queryAPI.QueryDeviceByAccessToken(req.Context(), &api.QueryDeviceByAccessTokenRequest{
		AccessToken: token,
	}, &res); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryDeviceByAccessToken failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if res.Device == nil {
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.UnknownToken("Unknown or expired access token"),
		}
	}
	return res.Device, nil
}

// ExtractAccessToken pulls the bearer token out of the Authorization
// header.
func ExtractAccessToken(req *http.Request) (string, error) {
	authHeader := strings.TrimSpace(req.Header.Get("Authorization"))
	if authHeader == "" {
		return "", errMissingToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errInvalidToken
	}
	return strings.TrimSpace(parts[1]), nil
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingToken = authError("Missing access token")
	errInvalidToken = authError("Invalid Authorization header")
)
