// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internalapi implements the outbound half of the federation
// transport's HTTP client: signed requests to peer servers.
package internalapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/federation/keyring"
	"github.com/matrixhs/homeserver/federationapi/queue"
	"github.com/matrixhs/homeserver/federationapi/types"
	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/setup/config"
)

// Client performs signed federation requests to remote servers. It
// implements queue.TransactionSender for the outbound queues and the user
// API's FederatedKeyQuerier for cross-server key queries.
type Client struct {
	cfg        *config.FederationAPI
	origin     spec.ServerName
	keyID      gomatrixserverlib.KeyID
	privateKey ed25519.PrivateKey
	httpClient *http.Client
}

func NewClient(cfg *config.FederationAPI, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) *Client {
	transport := &http.Transport{
		DialContext: internal.GetDialer(nil, nil, 30*time.Second).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.DisableTLSValidation, // nolint:gosec
		},
	}
	return &Client{
		cfg:        cfg,
		origin:     cfg.Matrix.ServerName,
		keyID:      keyID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.KeyFetchTimeout,
		},
	}
}

// doRequest signs and performs one federation request, decoding a 2xx JSON
// body into result (if non-nil). Every call carries an absolute deadline.
func (c *Client) doRequest(
	ctx context.Context, destination spec.ServerName, method, uri string, content interface{}, result interface{},
) error {
	var body io.Reader
	var rawContent interface{}
	if content != nil {
		encoded, err := json.Marshal(content)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
		if err := json.Unmarshal(encoded, &rawContent); err != nil {
			return err
		}
	}

	sig, err := canonicaljson.SignRequest(canonicaljson.SignedRequest{
		Method:      method,
		URI:         uri,
		Origin:      c.origin,
		Destination: destination,
		Content:     rawContent,
	}, c.keyID, c.privateKey)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("https://%s%s", destination, uri), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", canonicaljson.BuildXMatrixHeader(c.origin, destination, gomatrixserverlib.KeyID("ed25519:"+trimKeyID(c.keyID)), sig))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &queue.SendError{Message: err.Error()}
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &queue.SendError{
			Message:   fmt.Sprintf("%s %s to %s: HTTP %d: %s", method, uri, destination, resp.StatusCode, payload),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
		}
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// trimKeyID strips a leading "ed25519:" so the header helper can add the
// algorithm prefix exactly once regardless of how the key ID was
// configured.
func trimKeyID(keyID gomatrixserverlib.KeyID) string {
	const prefix = "ed25519:"
	s := string(keyID)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// SendTransaction delivers a transaction batch to its destination.
// Implements queue.TransactionSender.
func (c *Client) SendTransaction(ctx context.Context, txn types.Transaction) error {
	uri := fmt.Sprintf("/_matrix/federation/v1/send/%s", txn.TxnID)
	var res types.RespSend
	return c.doRequest(ctx, txn.Destination, http.MethodPut, uri, txn, &res)
}

// QueryKeys fetches device keys for remote users. Implements userapi's FederatedKeyQuerier.
func (c *Client) QueryKeys(
	ctx context.Context, destination spec.ServerName, deviceKeys map[string][]string,
) (map[string]map[string]json.RawMessage, error) {
	request := map[string]interface{}{"device_keys": deviceKeys}
	var response struct {
		DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
	}
	err := c.doRequest(ctx, destination, http.MethodPost, "/_matrix/federation/v1/user/keys/query", request, &response)
	return response.DeviceKeys, err
}

// ClaimKeys claims one-time keys from a remote server's devices.
func (c *Client) ClaimKeys(
	ctx context.Context, destination spec.ServerName, oneTimeKeys map[string]map[string]string,
) (map[string]map[string]map[string]json.RawMessage, error) {
	request := map[string]interface{}{"one_time_keys": oneTimeKeys}
	var response struct {
		OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	}
	err := c.doRequest(ctx, destination, http.MethodPost, "/_matrix/federation/v1/user/keys/claim", request, &response)
	return response.OneTimeKeys, err
}

// GetMissingEvents backfills referenced-but-unknown events from the origin
// of a transaction, bounded by limit to
// prevent amplification.
func (c *Client) GetMissingEvents(
	ctx context.Context, destination spec.ServerName, roomID string,
	earliest, latest []string, limit int,
) ([]json.RawMessage, error) {
	request := map[string]interface{}{
		"earliest_events": earliest,
		"latest_events":   latest,
		"limit":           limit,
	}
	var response struct {
		Events []json.RawMessage `json:"events"`
	}
	uri := fmt.Sprintf("/_matrix/federation/v1/get_missing_events/%s", roomID)
	err := c.doRequest(ctx, destination, http.MethodPost, uri, request, &response)
	return response.Events, err
}

// GetStateIDs fetches the state of a room at an event as event IDs.
func (c *Client) GetStateIDs(
	ctx context.Context, destination spec.ServerName, roomID, eventID string,
) (stateIDs, authChainIDs []string, err error) {
	var response struct {
		StateIDs     []string `json:"pdu_ids"`
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	uri := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s", roomID, eventID)
	err = c.doRequest(ctx, destination, http.MethodGet, uri, nil, &response)
	return response.StateIDs, response.AuthChainIDs, err
}

// KeyFetcher returns a keyring Fetcher that shares this client's transport
// policy (TLS validation, timeouts), so inbound signature verification
// fetches keys the same way outbound requests are made.
func (c *Client) KeyFetcher() *keyring.HTTPFetcher {
	return &keyring.HTTPFetcher{Client: c.httpClient}
}

// deadline bounds used by the inbound missing-events walk.
const (
	missingEventsLimit   = 20
	missingEventsTimeout = 30 * time.Second
)
