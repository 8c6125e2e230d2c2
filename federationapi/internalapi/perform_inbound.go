// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/federation/keyring"
	"github.com/matrixhs/homeserver/federationapi/queue"
	"github.com/matrixhs/homeserver/federationapi/types"
	rsapi "github.com/matrixhs/homeserver/roomserver/api"
	rsinternal "github.com/matrixhs/homeserver/roomserver/internalapi"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

// FederationInternalAPI glues the federation transport to the room server
// and user API: inbound transactions flow through ProcessTransaction,
// outbound events through the queues.
type FederationInternalAPI struct {
	RsAPI   *rsinternal.RoomserverInternalAPI
	UserAPI *userinternal.UserInternalAPI
	Keyring *keyring.Keyring
	Client  *Client
	Queues  *queue.OutgoingQueues
}

// ProcessTransaction handles one inbound PUT /send/{txnID} batch.
// The request signature
// (step 1) is checked at the HTTP layer before this is called. Each PDU
// fails or succeeds independently; the response carries the per-PDU map.
func (f *FederationInternalAPI) ProcessTransaction(
	ctx context.Context, txn *types.Transaction,
) (*types.RespSend, error) {
	results := make(map[string]types.PDUResult, len(txn.PDUs))

	for _, rawPDU := range txn.PDUs {
		eventID, err := f.processPDU(ctx, txn.Origin, rawPDU)
		if eventID == "" {
			// Without a valid event ID there is no key to report under;
			// the PDU is dropped silently, matching the reference behavior
			// for unparseable events.
			continue
		}
		if err != nil {
			results[eventID] = types.PDUResult{Error: err.Error()}
		} else {
			results[eventID] = types.PDUResult{}
		}
	}

	for _, edu := range txn.EDUs {
		if err := f.processEDU(ctx, txn.Origin, edu); err != nil {
			log.WithError(err).WithField("edu_type", edu.Type).Warn("Failed to process EDU")
			sentry.CaptureException(err)
		}
	}

	// Hearing from a server proves it is reachable again; release any
	// outbound backoff so queued traffic catches up.
	if f.Queues != nil {
		f.Queues.RetryServer(txn.Origin)
	}

	return &types.RespSend{PDUs: results}, nil
}

// processPDU verifies, backfills for, authorizes, and persists a single
// received event.
func (f *FederationInternalAPI) processPDU(
	ctx context.Context, origin spec.ServerName, rawPDU json.RawMessage,
) (string, error) {
	var ev rsapi.Event
	if err := json.Unmarshal(rawPDU, &ev); err != nil {
		log.WithError(err).Warn("Dropping unparseable PDU")
		return "", nil
	}
	ev.OriginServerName = origin

	// Verify the content hash: the event ID must be the canonical hash of
	// the event.
	computedID, _, err := canonicaljson.HashAndEventID(rawPDU)
	if err != nil {
		return ev.EventID, fmt.Errorf("hash check failed: %v", err)
	}
	if computedID != ev.EventID {
		return ev.EventID, fmt.Errorf("event_id does not match content hash")
	}

	if err := f.backfillMissing(ctx, origin, &ev); err != nil {
		log.WithError(err).WithField("event_id", ev.EventID).Debug("Backfill of missing events incomplete")
	}

	if err := f.RsAPI.InputRoomEvent(ctx, &ev, f.verifyKeyLookup(ctx)); err != nil {
		return ev.EventID, err
	}
	return ev.EventID, nil
}

// verifyKeyLookup adapts the keyring to the signature predicate's
// callback shape.
func (f *FederationInternalAPI) verifyKeyLookup(ctx context.Context) func(serverName, keyID string) (string, bool) {
	return func(serverName, keyID string) (string, bool) {
		publicKey, err := f.Keyring.VerifyKey(ctx, spec.ServerName(serverName), gomatrixserverlib.KeyID(keyID))
		if err != nil {
			return "", false
		}
		return base64.RawStdEncoding.EncodeToString(publicKey), true
	}
}

// backfillMissing fetches referenced-but-unknown prev/auth events from the
// origin, bounded by depth and count to prevent amplification.
func (f *FederationInternalAPI) backfillMissing(
	ctx context.Context, origin spec.ServerName, ev *rsapi.Event,
) error {
	if f.Client == nil {
		return nil
	}
	var missing []string
	for _, refs := range [][]string{ev.AuthEventIDs, ev.PrevEventIDs} {
		for _, id := range refs {
			if existing, err := f.RsAPI.DB.GetEvent(ctx, id); err != nil || existing == nil {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, missingEventsTimeout)
	defer cancel()
	events, err := f.Client.GetMissingEvents(fetchCtx, origin, ev.RoomID, missing, []string{ev.EventID}, missingEventsLimit)
	if err != nil {
		return err
	}
	for _, rawEvent := range events {
		var fetched rsapi.Event
		if err := json.Unmarshal(rawEvent, &fetched); err != nil {
			continue
		}
		fetched.OriginServerName = origin
		computedID, _, err := canonicaljson.HashAndEventID(rawEvent)
		if err != nil || computedID != fetched.EventID {
			continue
		}
		if err := f.RsAPI.InputRoomEvent(ctx, &fetched, f.verifyKeyLookup(ctx)); err != nil {
			log.WithError(err).WithField("event_id", fetched.EventID).Debug("Failed to persist backfilled event")
		}
	}
	return nil
}

// processEDU routes ephemeral messages: to-device payloads are queued for
// their target devices; typing/receipt EDUs have no durable state here.
func (f *FederationInternalAPI) processEDU(ctx context.Context, origin spec.ServerName, edu types.EDU) error {
	switch edu.Type {
	case types.EDUTypeDirectToDevice:
		var payload types.ToDeviceMessage
		if err := json.Unmarshal(edu.Content, &payload); err != nil {
			return err
		}
		// Only accept messages claiming to come from the origin server's
		// own users; anything else is a spoof attempt.
		sender, err := spec.NewUserID(payload.Sender, true)
		if err != nil || sender.Domain() != origin {
			return fmt.Errorf("to-device sender %q does not belong to origin %q", payload.Sender, origin)
		}
		return f.UserAPI.PerformSendToDevice(ctx, payload.Sender, payload.Type, payload.Messages)
	case types.EDUTypeDeviceListUpdate:
		var update struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(edu.Content, &update); err != nil {
			return err
		}
		if update.UserID == "" {
			return nil
		}
		offset, err := f.UserAPI.DB.MarkKeyChange(ctx, update.UserID)
		if err != nil {
			return err
		}
		if f.UserAPI.KeyChangeProducer != nil {
			return f.UserAPI.KeyChangeProducer.ProduceKeyChange(update.UserID, offset)
		}
		return nil
	default:
		log.WithField("edu_type", edu.Type).Debug("Ignoring unhandled EDU")
		return nil
	}
}
