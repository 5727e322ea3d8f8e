// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package crypto holds the proof hashing rules and RPC request signing.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CanonicalJSON encodes v with object keys sorted and no insignificant
// whitespace, so equal values always hash equally
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	// round-trip through a generic value: encoding/json sorts map keys
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256Hex returns the lowercase hex sha256 of data
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DataHash is the PoD hash: sha256 of the canonical JSON payload
func DataHash(payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canonical), nil
}

// NewNonce returns a random nonce for proof hashes
func NewNonce() string {
	return uuid.NewString()
}

// ProofHash derives a proof identity from a data hash and nonce.
// Distinct nonces give identical inputs distinct proofs.
func ProofHash(dataHash, nonce string) string {
	return SHA256Hex([]byte(dataHash + ":" + nonce))
}

// ResultHash is the PoE hash: sha256 of dataHash ":" canonical result
func ResultHash(dataHash string, result interface{}) (string, error) {
	canonical, err := CanonicalJSON(result)
	if err != nil {
		return "", err
	}
	return SHA256Hex(append([]byte(dataHash+":"), canonical...)), nil
}

// IsHexDigest reports whether s looks like a sha256 hex digest
func IsHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
