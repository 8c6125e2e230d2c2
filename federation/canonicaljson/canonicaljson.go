// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canonicaljson implements deterministic object serialization,
// Ed25519 event/request signing and verification, and the X-Matrix
// authorization header used by the federation transport.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Errors returned by this package. Never wrap private key material into
// these; callers must not log the values they decorate.
var (
	ErrInvalidJSON       = fmt.Errorf("canonicaljson: invalid JSON")
	ErrUnsupportedNumber = fmt.Errorf("canonicaljson: unsupported number (only integers allowed)")
)

// Canonicalize parses raw as JSON and re-serializes it with sorted object
// keys, no insignificant whitespace, and minimally-escaped strings, per
// Floats, NaN and Inf are rejected since Matrix's
// canonical JSON permits only integers.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := rejectTrailingTokens(dec); err != nil {
		return nil, err
	}
	checked, err := checkNumbers(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, checked); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rejectTrailingTokens(dec *json.Decoder) error {
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", ErrInvalidJSON)
	}
	return nil
}

// checkNumbers walks the decoded value rejecting any json.Number that isn't
// a bare integer.
func checkNumbers(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		s := v.String()
		for i, r := range s {
			if r == '-' && i == 0 {
				continue
			}
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedNumber, s)
			}
		}
		return v, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			checkedVal, err := checkNumbers(val)
			if err != nil {
				return nil, err
			}
			out[k] = checkedVal
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			checkedVal, err := checkNumbers(val)
			if err != nil {
				return nil, err
			}
			out[i] = checkedVal
		}
		return out, nil
	default:
		return value, nil
	}
}

func encodeValue(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(v.String())
	case string:
		encodeString(buf, v)
	case map[string]interface{}:
		return encodeObject(buf, v)
	case []interface{}:
		return encodeArray(buf, v)
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrInvalidJSON, value)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Lexicographic sort by byte value.
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString escapes only the minimally required code points: quote,
// backslash, and control characters. Forward slash is never escaped and no
// \u escape is emitted for printable characters.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// StripFields removes the given top-level keys from obj (typically
// "signatures" and "unsigned") before canonicalization/hashing, per
// obj must already be valid JSON; the result is also
// valid JSON but not yet canonicalized.
func StripFields(obj []byte, fields ...string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	for _, f := range fields {
		delete(m, f)
	}
	return json.Marshal(m)
}
