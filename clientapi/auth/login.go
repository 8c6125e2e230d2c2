// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"

	"github.com/matrix-org/util"
)

// Identifier is the "identifier" object a login request may submit instead
// of (or alongside) a bare "user" field, per the client-server login API.
type Identifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// Login is the common shape every login flow's request parses into. Each
// Type is responsible for populating User from whatever identifier scheme
// it supports before returning.
type Login struct {
	Identifier Identifier `json:"identifier"`
	// User is a deprecated top-level alternative to Identifier.User that
	// some clients still send; Username() prefers Identifier when present.
	User     string `json:"user"`
	Password string `json:"-"`

	// InitialDisplayName and DeviceID let login requests create or resume a
	// specific device in the same call.
	InitialDisplayName *string `json:"initial_device_display_name"`
	DeviceID           *string `json:"device_id"`
}

// Username returns whichever of Identifier.User / User was populated.
func (r *Login) Username() string {
	if r.Identifier.User != "" {
		return r.Identifier.User
	}
	return r.User
}

// LoginCleanupFunc is invoked once the caller has fully processed the
// response (so e.g. a token-login flow can invalidate a single-use token
// only after the new session is safely issued).
type LoginCleanupFunc func(context.Context, *util.JSONResponse)

// Type is one authentication mechanism offered at POST /login (password,
// token, application service, ...).
type Type interface {
	Name() string
	LoginFromJSON(ctx context.Context, reqBytes []byte) (*Login, LoginCleanupFunc, *util.JSONResponse)
}
