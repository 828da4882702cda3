// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package peers

import (
	"fmt"
	"os"
	"strings"

	"github.com/fernet/fernet-go"
)

// KeyRing decrypts and encrypts Peer.EncryptedAuth values at rest (spec
// §4.4, §9: authenticators are never stored in the clear). Its keys,
// loaded once from the configured encryption key file, back every peer
// this instance knows about: the first key encrypts, and every key is
// tried when decrypting.
type KeyRing struct {
	keys []*fernet.Key
}

// LoadKeyRing reads a newline-delimited set of base64-encoded fernet keys
// from keyFilePath. Multiple keys support rotation: Encrypt always uses the
// first key, but Decrypt tries every key in order, so tokens encrypted
// under a retired key still decrypt until every peer's authenticator has
// been re-issued.
func LoadKeyRing(keyFilePath string) (*KeyRing, error) {
	data, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	var keys []*fernet.Key
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, err := fernet.DecodeKey(line)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("encryption key file %s contains no keys", keyFilePath)
	}
	return &KeyRing{keys: keys}, nil
}

// Encrypt returns a fernet token encrypting token under the ring's current
// (first) key.
func (r *KeyRing) Encrypt(token string) (string, error) {
	out, err := fernet.EncryptAndSign([]byte(token), r.keys[0])
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt recovers the plaintext authenticator from a fernet token
// produced by Encrypt, trying each key in the ring in turn.
func (r *KeyRing) Decrypt(encrypted string) (string, error) {
	plain := fernet.VerifyAndDecrypt([]byte(encrypted), 0, r.keys)
	if plain == nil {
		return "", fmt.Errorf("could not decrypt authenticator: no matching key")
	}
	return string(plain), nil
}
