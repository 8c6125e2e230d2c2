// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package password implements KDF: Argon2id as the current scheme,
// PHC-string encoded, with a legacy iterated-SHA256 verifier kept only to
// authenticate pre-existing hashes and upgrade them on successful login.
package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Prefix = "$argon2id$"
	legacyPrefix = "$sha256-iter$"

	defaultMemoryKiB  = 64 * 1024
	defaultIterations = 3
	defaultThreads    = 2
	defaultKeyLen     = 32
	defaultSaltLen    = 16

	legacyIterations = 100_000
)

// Params controls Argon2id's cost knobs. Stored alongside the hash so a
// later deployment can raise these without breaking verification of
// already-issued hashes.
type Params struct {
	MemoryKiB  uint32
	Iterations uint32
	Threads    uint8
	KeyLen     uint32
}

// DefaultParams mirrors Argon2id's commonly recommended interactive-login
// cost.
func DefaultParams() Params {
	return Params{
		MemoryKiB:  defaultMemoryKiB,
		Iterations: defaultIterations,
		Threads:    defaultThreads,
		KeyLen:     defaultKeyLen,
	}
}

// Hash produces a PHC-string encoded Argon2id hash of plaintext using
// params, generating a fresh random salt.
func Hash(plaintext string, params Params) (string, error) {
	salt := make([]byte, defaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password.Hash: %w", err)
	}
	sum := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.MemoryKiB, params.Threads, params.KeyLen)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		params.MemoryKiB, params.Iterations, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// Verify checks plaintext against encoded, branching on encoded's scheme
// prefix. needsUpgrade is true when the hash
// verified under the legacy scheme and should be replaced with a current
// Argon2id hash.
func Verify(plaintext, encoded string) (ok bool, needsUpgrade bool, err error) {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		ok, err = verifyArgon2id(plaintext, encoded)
		return ok, false, err
	case strings.HasPrefix(encoded, legacyPrefix):
		ok, err = verifyLegacy(plaintext, encoded)
		return ok, ok, err
	default:
		return false, false, fmt.Errorf("password.Verify: unrecognised hash scheme")
	}
}

func verifyArgon2id(plaintext, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash]
	if len(parts) != 6 {
		return false, fmt.Errorf("password: malformed argon2id hash")
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("password: malformed argon2id params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(plaintext), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// legacyHash emulates the retired iterated-SHA256 scheme this server must
// still be able to verify for accounts created before the Argon2id
// migration. New hashes are never produced in this scheme.
func legacyHash(plaintext string, salt []byte, iterations int) []byte {
	sum := append([]byte{}, salt...)
	sum = append(sum, []byte(plaintext)...)
	for i := 0; i < iterations; i++ {
		h := sha256.Sum256(sum)
		sum = h[:]
	}
	return sum
}

func verifyLegacy(plaintext, encoded string) (bool, error) {
	// $sha256-iter$<iterations>$<salt-b64>$<hash-b64>
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return false, fmt.Errorf("password: malformed legacy hash")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	got := legacyHash(plaintext, salt, iterations)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NewLegacyHash is exposed only for tests constructing pre-migration
// fixtures; production code never mints new legacy hashes.
func NewLegacyHash(plaintext string) (string, error) {
	salt := make([]byte, defaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := legacyHash(plaintext, salt, legacyIterations)
	return fmt.Sprintf(
		"$sha256-iter$%d$%s$%s",
		legacyIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}
