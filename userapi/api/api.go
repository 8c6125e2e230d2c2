// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the request/response vocabulary the client API and
// federation API use to reach the credential store and session plane (
// ) without depending on their storage internals directly.
package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// AccountType classifies a local account for authorization and
// rate-limiting purposes.
type AccountType int16

const (
	AccountTypeUser AccountType = iota + 1
	AccountTypeGuest
	AccountTypeAdmin
	AccountTypeAppService
)

// Account is a local user's credential-store record.
type Account struct {
	UserID        string
	Localpart     string
	ServerName    spec.ServerName
	AppServiceID  string
	AccountType   AccountType
	DisplayName   string
	AvatarURL     string
	CreatedTS     spec.Timestamp
	IsDeactivated bool

	// Generation increments on every password change. It is stored and
	// returned with the account; no code compares against it (password
	// changes revoke tokens directly).
	Generation int64
}

// Device is one of a user's logged-in sessions.
type Device struct {
	ID          string
	UserID      string
	DisplayName string
	AccessToken string
	AccountType AccountType
	IsGuest     bool
	CreatedTS   spec.Timestamp
	LastSeenTS  spec.Timestamp
}

// TokenInfo is the authoritative record behind one opaque access token.
// InvalidatedTS is the revocation tombstone the cache fast-path must honor.
type TokenInfo struct {
	Token         string
	Localpart     string
	ServerName    spec.ServerName
	DeviceID      string
	CreatedTS     spec.Timestamp
	ExpiresTS     spec.Timestamp
	InvalidatedTS spec.Timestamp
}

// RefreshTokenInfo adds the rotation bookkeeping: refresh tokens are
// single-use, and every token minted from the same login shares a FamilyID
// so replay of a consumed token can revoke the whole chain.
type RefreshTokenInfo struct {
	TokenInfo
	FamilyID   string
	ConsumedTS spec.Timestamp
}

// QueryAccountByPasswordRequest looks up a local account for password login.
type QueryAccountByPasswordRequest struct {
	Localpart         string
	ServerName        spec.ServerName
	PlaintextPassword string
}

type QueryAccountByPasswordResponse struct {
	Account *Account
	Exists  bool
}

// PerformLoginTokenCreationRequest mints a short-lived login token for
// SSO-style or cross-client login handoff.
type PerformLoginTokenCreationRequest struct {
	Data LoginTokenData
}

type LoginTokenData struct {
	UserID string
}

type PerformLoginTokenCreationResponse struct {
	Token     string
	ExpiresAt spec.Timestamp
}

// PerformDeviceCreationRequest registers a new device and mints its access
// token (and, when refresh tokens are enabled, a refresh token) after
// successful login.
type PerformDeviceCreationRequest struct {
	Localpart          string
	ServerName         spec.ServerName
	DeviceID           *string
	DeviceDisplayName  *string
	AccessToken        string
	IsGuest            bool
	NoDeviceListUpdate bool
}

type PerformDeviceCreationResponse struct {
	Device *Device
	// RefreshToken accompanies Device.AccessToken when refresh tokens are
	// enabled for this deployment.
	RefreshToken string
}

// PerformDeviceDeletionRequest logs out one or all of a user's devices.
type PerformDeviceDeletionRequest struct {
	UserID    string
	DeviceIDs []string // nil means "all devices"
}

type PerformDeviceDeletionResponse struct{}

// QueryDeviceByAccessTokenRequest resolves a bearer token to its device,
// the hot path behind every authenticated client request.
type QueryDeviceByAccessTokenRequest struct {
	AccessToken string
}

type QueryDeviceByAccessTokenResponse struct {
	Device *Device
}

// UserLoginAPI is the subset of the credential store clientapi/auth needs.
type UserLoginAPI interface {
	QueryAccountByPassword(ctx context.Context, req *QueryAccountByPasswordRequest, res *QueryAccountByPasswordResponse) error
	PerformDeviceCreation(ctx context.Context, req *PerformDeviceCreationRequest, res *PerformDeviceCreationResponse) error
}

// UserSortBy orders administrative user listings.
type UserSortBy int

const (
	UserSortByCreated UserSortBy = iota
	UserSortByLastSeen
)

// UserResult is one row of an account listing.
type UserResult struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	CreatedTS   spec.Timestamp
	LastSeenTS  spec.Timestamp
	Deactivated bool
	Admin       bool
}
