// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"crypto/ed25519"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/federation/canonicaljson"
	"github.com/matrixhs/homeserver/internal/transactions"
)

// txnCache deduplicates federation /send transactions by (origin, txnID)
// so retransmits return the original per-PDU results.
var txnCache = transactions.New()

func parseAuthHeader(header string) ([]canonicaljson.XMatrixAuth, error) {
	return canonicaljson.ParseXMatrixHeader(header)
}

// verifySignedRequest reconstructs the signed payload for an inbound
// request and checks one X-Matrix credential against it.
func verifySignedRequest(
	method, uri string, credential canonicaljson.XMatrixAuth,
	destination spec.ServerName, content interface{}, publicKey ed25519.PublicKey,
) error {
	return canonicaljson.VerifyRequest(canonicaljson.SignedRequest{
		Method:      method,
		URI:         uri,
		Origin:      credential.Origin,
		Destination: destination,
		Content:     content,
	}, publicKey, credential.Signature)
}
