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
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := NewCipherFromConfig("passphrase")
	require.NoError(t, err)

	ct, err := cipher.Encrypt([]byte("top secret"))
	require.NoError(t, err)
	assert.NotEmpty(t, ct.Nonce)
	assert.NotEqual(t, []byte("top secret"), ct.Data)

	plaintext, err := cipher.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(plaintext))
}

func TestFreshNoncePerWrite(t *testing.T) {
	cipher, err := NewCipherFromConfig("passphrase")
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := cipher.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Data, b.Data)
}

func TestTamperedCiphertextFails(t *testing.T) {
	cipher, err := NewCipherFromConfig("passphrase")
	require.NoError(t, err)

	ct, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ct.Data[0] ^= 0xff

	_, err = cipher.Decrypt(ct)
	assert.Error(t, err)
}

func TestKeyRotationInvalidatesSecrets(t *testing.T) {
	oldCipher, err := NewCipherFromConfig("old-key")
	require.NoError(t, err)
	newCipher, err := NewCipherFromConfig("new-key")
	require.NoError(t, err)

	ct, err := oldCipher.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = newCipher.Decrypt(ct)
	assert.Error(t, err)
}

func TestBase64KeyUsedDirectly(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	cipher, err := NewCipherFromConfig(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	direct, err := NewAESGCM(raw)
	require.NoError(t, err)

	ct, err := cipher.Encrypt([]byte("x"))
	require.NoError(t, err)
	plaintext, err := direct.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plaintext))
}

func TestPreviewRedacts(t *testing.T) {
	ct := Ciphertext{Data: []byte("some-long-ciphertext-material")}
	preview := ct.Preview()
	encoded := base64.StdEncoding.EncodeToString(ct.Data)
	assert.Len(t, preview, 8)
	assert.Equal(t, encoded[:2], preview[:2])
	assert.Contains(t, preview, "****")
}
