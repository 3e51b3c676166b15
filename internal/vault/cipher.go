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

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Ciphertext is an encrypted secret at rest. Data carries the AES-GCM
// ciphertext with the authentication tag appended; the nonce is fresh per
// write.
type Ciphertext struct {
	Nonce      []byte `json:"nonce"`
	Data       []byte `json:"data"`
	KeyVersion int    `json:"key_version,omitempty"`
}

// Preview returns a redacted rendering of the ciphertext suitable for
// listings: the first and last two characters of the base64 encoding.
// The plaintext is never previewed.
func (c Ciphertext) Preview() string {
	encoded := base64.StdEncoding.EncodeToString(c.Data)
	if len(encoded) < 4 {
		return "****"
	}
	return encoded[:2] + "****" + encoded[len(encoded)-2:]
}

// Cipher is the pluggable encryption capability used by the vault.
type Cipher interface {
	Encrypt(plaintext []byte) (Ciphertext, error)
	Decrypt(ct Ciphertext) ([]byte, error)
}

// AESGCM implements Cipher with AES-256-GCM.
type AESGCM struct {
	aead       cipher.AEAD
	keyVersion int
}

// NewAESGCM creates a cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESGCM{aead: aead, keyVersion: 1}, nil
}

// NewCipherFromConfig builds a cipher from the configured key material.
// A base64-encoded 32-byte value is used directly; anything else is
// treated as a passphrase and a key is derived from it.
func NewCipherFromConfig(key string) (*AESGCM, error) {
	if key == "" {
		return nil, fmt.Errorf("vault encryption key is required")
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && len(decoded) == 32 {
		return NewAESGCM(decoded)
	}
	return NewAESGCM(deriveKey(key))
}

// deriveKey derives a 32-byte key from a passphrase with HKDF-SHA256.
// The salt is fixed so the derivation is stable across restarts.
func deriveKey(passphrase string) []byte {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("orcheo-vault-v1"), nil)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf cannot fail for a 32-byte read
		panic(err)
	}
	return key
}

// Encrypt encrypts plaintext with a fresh random nonce.
func (a *AESGCM) Encrypt(plaintext []byte) (Ciphertext, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("generating nonce: %w", err)
	}
	data := a.aead.Seal(nil, nonce, plaintext, nil)
	return Ciphertext{Nonce: nonce, Data: data, KeyVersion: a.keyVersion}, nil
}

// Decrypt authenticates and decrypts a stored ciphertext.
func (a *AESGCM) Decrypt(ct Ciphertext) ([]byte, error) {
	if len(ct.Nonce) != a.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(ct.Nonce))
	}
	plaintext, err := a.aead.Open(nil, ct.Nonce, ct.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}
	return plaintext, nil
}
