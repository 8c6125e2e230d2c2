// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/internal/apierrors"
	"github.com/matrixhs/homeserver/internal/password"
	"github.com/matrixhs/homeserver/userapi/api"
)

// PerformAccountCreation registers a new local account. Returns Conflict if the localpart is taken.
func (a *UserInternalAPI) PerformAccountCreation(
	ctx context.Context, localpart string, serverName spec.ServerName,
	plaintextPassword string, accountType api.AccountType,
) (*api.Account, error) {
	hash := ""
	if plaintextPassword != "" {
		var err error
		if hash, err = password.Hash(plaintextPassword, password.DefaultParams()); err != nil {
			return nil, err
		}
	}
	acc, err := a.DB.CreateAccount(ctx, localpart, serverName, hash, "", accountType, spec.AsTimestamp(time.Now()))
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, apierrors.Conflict("User ID already taken.")
		}
		return nil, err
	}
	log.WithFields(log.Fields{
		"user_id":      acc.UserID,
		"account_type": accountType,
	}).Info("Created new account")
	return acc, nil
}

// QueryAccountByPassword authenticates a localpart + password pair.
// Unknown user and wrong password are
// indistinguishable to the caller: both return Exists=false. A hash still
// in the legacy scheme is upgraded in place on success.
func (a *UserInternalAPI) QueryAccountByPassword(
	ctx context.Context, req *api.QueryAccountByPasswordRequest, res *api.QueryAccountByPasswordResponse,
) error {
	hash, err := a.DB.GetPasswordHash(ctx, req.Localpart, req.ServerName)
	if err == sql.ErrNoRows || hash == "" {
		// Burn comparable work so response timing doesn't enumerate users.
		_, _, _ = password.Verify(req.PlaintextPassword, dummyHash)
		res.Exists = false
		return nil
	}
	if err != nil {
		return err
	}
	ok, needsUpgrade, err := password.Verify(req.PlaintextPassword, hash)
	if err != nil || !ok {
		res.Exists = false
		return nil
	}
	if needsUpgrade {
		if newHash, err := password.Hash(req.PlaintextPassword, password.DefaultParams()); err == nil {
			if err := a.DB.UpgradePasswordHash(ctx, req.Localpart, req.ServerName, newHash); err != nil {
				log.WithError(err).WithField("localpart", req.Localpart).Warn("Failed to upgrade legacy password hash")
			}
		}
	}
	acc, err := a.DB.GetAccountByLocalpart(ctx, req.Localpart, req.ServerName)
	if err != nil {
		return err
	}
	if acc.IsDeactivated {
		res.Exists = false
		return nil
	}
	res.Exists = true
	res.Account = acc
	return nil
}

// dummyHash is verified against on unknown-user logins so both failure
// paths cost one KDF evaluation.
var dummyHash = func() string {
	h, err := password.Hash("-", password.DefaultParams())
	if err != nil {
		panic(err)
	}
	return h
}()

// PerformPasswordUpdate rehashes and stores the new password, bumps the
// account generation, and revokes every session.
func (a *UserInternalAPI) PerformPasswordUpdate(
	ctx context.Context, localpart string, serverName spec.ServerName, newPassword string,
) error {
	hash, err := password.Hash(newPassword, password.DefaultParams())
	if err != nil {
		return err
	}
	revoked, err := a.DB.SetPassword(ctx, localpart, serverName, hash, spec.AsTimestamp(time.Now()))
	if err != nil {
		return err
	}
	a.evictSessions(revoked)
	return nil
}

// PerformAccountDeactivation flags the account, revokes all tokens, and
// cascades device + key deletion.
func (a *UserInternalAPI) PerformAccountDeactivation(
	ctx context.Context, localpart string, serverName spec.ServerName,
) error {
	revoked, devices, err := a.DB.DeactivateAccount(ctx, localpart, serverName, spec.AsTimestamp(time.Now()))
	if err != nil {
		return err
	}
	a.evictSessions(revoked)
	if len(devices) > 0 {
		a.notifyKeyChange(ctx, "@"+localpart+":"+string(serverName))
	}
	log.WithField("localpart", localpart).Info("Deactivated account")
	return nil
}

// PerformProfileUpdate sets display name / avatar on the account record.
func (a *UserInternalAPI) PerformProfileUpdate(
	ctx context.Context, localpart string, serverName spec.ServerName, displayName, avatarURL string,
) error {
	return a.DB.SetProfile(ctx, localpart, serverName, displayName, avatarURL)
}

func (a *UserInternalAPI) evictSessions(tokens []string) {
	if a.SessionCache == nil {
		return
	}
	for _, token := range tokens {
		a.SessionCache.Invalidate(token)
	}
}

// notifyKeyChange records a key-change stream entry and publishes it to
// the bus; used when device deletion implies the user's key set changed.
func (a *UserInternalAPI) notifyKeyChange(ctx context.Context, userID string) {
	offset, err := a.DB.MarkKeyChange(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Failed to record key change")
		return
	}
	if a.KeyChangeProducer != nil {
		if err := a.KeyChangeProducer.ProduceKeyChange(userID, offset); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Failed to publish key change")
		}
	}
}
