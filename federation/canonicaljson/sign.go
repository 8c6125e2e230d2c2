// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package canonicaljson

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func marshalMap(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(m)
}

// Errors surfaced by sign/verify.
var (
	ErrMissingField     = fmt.Errorf("canonicaljson: missing required field")
	ErrSignatureInvalid = fmt.Errorf("canonicaljson: signature invalid")
)

func unpaddedBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// HashAndEventID computes the content hash of event (minus signatures,
// unsigned, and the hashes/event_id fields the hash itself populates) and
// returns the event_id string: "$" followed by the unpadded-base64
// SHA-256 digest of the canonical event.
func HashAndEventID(eventJSON []byte) (eventID string, hashes map[string]string, err error) {
	stripped, err := StripFields(eventJSON, "signatures", "unsigned", "event_id", "hashes")
	if err != nil {
		return "", nil, err
	}
	canonical, err := Canonicalize(stripped)
	if err != nil {
		return "", nil, err
	}
	digest := sha256.Sum256(canonical)
	eventID = "$" + unpaddedBase64(digest[:])
	hashes = map[string]string{"sha256": unpaddedBase64(digest[:])}
	return eventID, hashes, nil
}

// SignObject inserts a signature under signatures[serverName][keyID] into
// obj, computed over the canonicalization of obj with "signatures" and
// "unsigned" stripped. obj must already be valid
// JSON. Never log privateKey.
func SignObject(obj []byte, serverName spec.ServerName, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) ([]byte, error) {
	stripped, err := StripFields(obj, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canonical, err := Canonicalize(stripped)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(privateKey, canonical)
	sigB64 := unpaddedBase64(sig)

	path := fmt.Sprintf("signatures.%s.%s", gjsonEscape(string(serverName)), gjsonEscape(string(keyID)))
	out, err := sjson.SetBytes(obj, path, sigB64)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: insert signature: %w", err)
	}
	return out, nil
}

// VerifyObject checks one signature in obj under signatures[serverName][keyID]
// against publicKey. The payload verified is the canonicalization of obj
// with signatures/unsigned stripped, matching SignObject's construction.
func VerifyObject(obj []byte, serverName spec.ServerName, keyID gomatrixserverlib.KeyID, publicKey ed25519.PublicKey) error {
	path := fmt.Sprintf("signatures.%s.%s", gjsonEscape(string(serverName)), gjsonEscape(string(keyID)))
	result := gjson.GetBytes(obj, path)
	if !result.Exists() {
		return fmt.Errorf("%w: signatures.%s.%s", ErrMissingField, serverName, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(result.String())
	if err != nil {
		// Some encoders pad; tolerate that too.
		if sig, err = base64.StdEncoding.DecodeString(result.String()); err != nil {
			return fmt.Errorf("%w: malformed base64 signature", ErrSignatureInvalid)
		}
	}
	stripped, err := StripFields(obj, "signatures", "unsigned")
	if err != nil {
		return err
	}
	canonical, err := Canonicalize(stripped)
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, canonical, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// gjsonEscape escapes '.' and '*' and '?' so a server/key name containing
// them doesn't get interpreted as a gjson/sjson path operator.
func gjsonEscape(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(s)
}

// SignedRequest is the payload signed/verified for an outbound or inbound
// federation HTTP request.
type SignedRequest struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      spec.ServerName `json:"origin"`
	Destination spec.ServerName `json:"destination"`
	Content     interface{}     `json:"content,omitempty"`
}

// SignRequest produces the base64 Ed25519 signature over the canonical
// form of req, for embedding in an X-Matrix Authorization header.
func SignRequest(req SignedRequest, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) (string, error) {
	raw, err := marshalRequest(req)
	if err != nil {
		return "", err
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(privateKey, canonical)
	return unpaddedBase64(sig), nil
}

// VerifyRequest checks sig (base64) against req's canonical form.
func VerifyRequest(req SignedRequest, publicKey ed25519.PublicKey, sigB64 string) error {
	raw, err := marshalRequest(req)
	if err != nil {
		return err
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return err
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		if sig, err = base64.StdEncoding.DecodeString(sigB64); err != nil {
			return fmt.Errorf("%w: malformed base64 signature", ErrSignatureInvalid)
		}
	}
	if !ed25519.Verify(publicKey, canonical, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func marshalRequest(req SignedRequest) ([]byte, error) {
	m := map[string]interface{}{
		"method":      req.Method,
		"uri":         req.URI,
		"origin":      string(req.Origin),
		"destination": string(req.Destination),
	}
	if req.Content != nil {
		m["content"] = req.Content
	}
	raw, err := marshalMap(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// XMatrixAuth is one parsed "X-Matrix origin=...,key=...,sig=..." credential.
// Multiple comma-separated credentials are permitted on one header value per
// ParseXMatrixHeader returns all of them.
type XMatrixAuth struct {
	Origin      spec.ServerName
	Destination spec.ServerName
	KeyID       gomatrixserverlib.KeyID
	Signature   string
}

// BuildXMatrixHeader constructs the Authorization header value for an
// outbound federation request.
func BuildXMatrixHeader(origin, destination spec.ServerName, keyID gomatrixserverlib.KeyID, sig string) string {
	if destination != "" {
		return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`, origin, destination, keyID, sig)
	}
	return fmt.Sprintf(`X-Matrix origin="%s",key="%s",sig="%s"`, origin, keyID, sig)
}

// ParseXMatrixHeader parses an Authorization header value into its
// comma-separated X-Matrix credentials.
func ParseXMatrixHeader(header string) ([]XMatrixAuth, error) {
	const prefix = "X-Matrix "
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("%w: not an X-Matrix header", ErrMissingField)
	}
	rest := strings.TrimPrefix(header, prefix)
	fields := splitAuthParams(rest)

	var out []XMatrixAuth
	cur := XMatrixAuth{}
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "origin":
			if cur.Origin != "" {
				out = append(out, cur)
				cur = XMatrixAuth{}
			}
			cur.Origin = spec.ServerName(val)
		case "destination":
			cur.Destination = spec.ServerName(val)
		case "key":
			cur.KeyID = gomatrixserverlib.KeyID(val)
		case "sig":
			cur.Signature = val
		}
	}
	if cur.Origin != "" {
		out = append(out, cur)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no credentials in X-Matrix header", ErrMissingField)
	}
	return out, nil
}

// splitAuthParams splits on commas that are not inside a quoted string.
func splitAuthParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
