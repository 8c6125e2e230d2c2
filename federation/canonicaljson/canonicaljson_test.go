// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package canonicaljson

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1.5}`))
	assert.ErrorIs(t, err, ErrUnsupportedNumber)
}

func TestCanonicalizeDoesNotEscapeSlash(t *testing.T) {
	out, err := Canonicalize([]byte(`{"a":"b/c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"b/c"}`, string(out))
}

// TestCanonicalizeIdempotent checks the round-trip law:
// canonicalize(parse(canonicalize(x))) == canonicalize(x).
func TestCanonicalizeIdempotent(t *testing.T) {
	input := []byte(`{"z": 1, "a": {"c":3,"b":2}, "list":[3,2,1], "s":"hi\nthere"}`)
	once, err := Canonicalize(input)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestSignAndVerifyObject(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	obj := []byte(`{"content":{"body":"hi"},"room_id":"!abc:example.org"}`)
	signed, err := SignObject(obj, "example.org", "ed25519:1", priv)
	require.NoError(t, err)

	err = VerifyObject(signed, "example.org", "ed25519:1", pub)
	assert.NoError(t, err)
}

func TestVerifyObjectFailsOnBitFlip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	obj := []byte(`{"content":{"body":"hi"}}`)
	signed, err := SignObject(obj, "example.org", "ed25519:1", priv)
	require.NoError(t, err)

	tampered := []byte(`{"content":{"body":"hj"},"signatures":` + extractSignatures(t, signed) + `}`)
	err = VerifyObject(tampered, "example.org", "ed25519:1", pub)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func extractSignatures(t *testing.T, obj []byte) string {
	t.Helper()
	type wrapper struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	var w wrapper
	require.NoError(t, json.Unmarshal(obj, &w))
	raw, err := json.Marshal(w.Signatures)
	require.NoError(t, err)
	return string(raw)
}

func TestSignAndVerifyRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	req := SignedRequest{
		Method:      "PUT",
		URI:         "/_matrix/federation/v1/send/txn1",
		Origin:      "origin.example.org",
		Destination: "dest.example.org",
		Content:     map[string]interface{}{"pdus": []interface{}{}},
	}
	sig, err := SignRequest(req, "ed25519:1", priv)
	require.NoError(t, err)
	assert.NoError(t, VerifyRequest(req, pub, sig))

	req.Method = "GET"
	assert.ErrorIs(t, VerifyRequest(req, pub, sig), ErrSignatureInvalid)
}

func TestParseXMatrixHeader(t *testing.T) {
	creds, err := ParseXMatrixHeader(`X-Matrix origin="a.example.org",key="ed25519:1",sig="abc123"`)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, spec.ServerName("a.example.org"), creds[0].Origin)
	assert.Equal(t, gomatrixserverlib.KeyID("ed25519:1"), creds[0].KeyID)
	assert.Equal(t, "abc123", creds[0].Signature)
}

func TestHashAndEventIDStable(t *testing.T) {
	eventJSON := []byte(`{"room_id":"!abc:example.org","type":"m.room.message","content":{"body":"hi"}}`)
	id1, _, err := HashAndEventID(eventJSON)
	require.NoError(t, err)
	id2, _, err := HashAndEventID(eventJSON)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > 1 && id1[0] == '$')
}
