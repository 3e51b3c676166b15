// Copyright 2025 The Orcheo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package repository

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GeneratePublishToken returns a fresh 32-byte URL-safe bearer token.
// Only its hash is ever persisted; the raw token goes to the caller once.
func GeneratePublishToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating publish token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashPublishToken returns the hex SHA-256 of a raw token.
func HashPublishToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyPublishToken compares a raw token against a stored hash in
// constant time.
func VerifyPublishToken(raw, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	computed := HashPublishToken(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// MaskPublishToken renders a token hash for logs and audit metadata.
// Only the last six characters survive.
func MaskPublishToken(hash string) string {
	const visible = 6
	if len(hash) <= visible {
		return "publish:******"
	}
	return "publish:******" + hash[len(hash)-visible:]
}
