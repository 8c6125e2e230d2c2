// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/userapi/api"
)

// UploadCrossSigningKeysRequest carries the signed key objects for each
// purpose being (re)uploaded. Uploading a master key requires the caller
// to have completed interactive auth; the HTTP layer passes that
// precondition through as AuthDone.
type UploadCrossSigningKeysRequest struct {
	UserID         string
	MasterKey      json.RawMessage
	SelfSigningKey json.RawMessage
	UserSigningKey json.RawMessage
	AuthDone       bool
}

// PerformUploadCrossSigningKeys stores a user's cross-signing keys, one
// per purpose, and bumps the key-change stream.
func (a *UserInternalAPI) PerformUploadCrossSigningKeys(
	ctx context.Context, req *UploadCrossSigningKeysRequest,
) error {
	keys := api.CrossSigningKeyMap{}
	if len(req.MasterKey) > 0 {
		if !req.AuthDone {
			return apierrors.Forbidden("Uploading a master key requires interactive authentication")
		}
		keys[api.CrossSigningKeyPurposeMaster] = req.MasterKey
	}
	if len(req.SelfSigningKey) > 0 {
		keys[api.CrossSigningKeyPurposeSelfSigning] = req.SelfSigningKey
	}
	if len(req.UserSigningKey) > 0 {
		keys[api.CrossSigningKeyPurposeUserSigning] = req.UserSigningKey
	}
	if len(keys) == 0 {
		return apierrors.BadRequest("No cross-signing keys in upload")
	}

	offset, err := a.DB.StoreCrossSigningKeys(ctx, req.UserID, keys)
	if err != nil {
		return err
	}
	if a.KeyChangeProducer != nil {
		if err := a.KeyChangeProducer.ProduceKeyChange(req.UserID, offset); err != nil {
			log.WithError(err).Error("Failed to publish key change for cross-signing upload")
		}
	}
	return nil
}
