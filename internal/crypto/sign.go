// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned when a signing key is empty
var ErrInvalidKey = errors.New("invalid signing key: must not be empty")

// Sign returns the hex HMAC-SHA256 of timestamp "." body under key
func Sign(key []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time
func Verify(key []byte, timestamp int64, body []byte, signature string) bool {
	expected := Sign(key, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseKey decodes a configured signing key: 0x-prefixed hex, plain hex,
// base64, or raw bytes as a last resort
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(encoded, "0x") || strings.HasPrefix(encoded, "0X") {
		key, err := hex.DecodeString(encoded[2:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex key: %w", err)
		}
		return key, nil
	}
	if key, err := hex.DecodeString(encoded); err == nil {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}
	return []byte(encoded), nil
}

// GenerateKey generates a random 32-byte signing key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyToString converts a key to its 0x-prefixed hex form
func KeyToString(key []byte) string {
	return "0x" + hex.EncodeToString(key)
}
