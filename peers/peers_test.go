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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/core"
)

func newTestKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte(k.Encode()+"\n"), 0o600))
	ring, err := LoadKeyRing(path)
	require.NoError(t, err)
	return ring
}

func TestKeyRingRoundTrip(t *testing.T) {
	ring := newTestKeyRing(t)
	token, err := ring.Encrypt("super-secret-bearer-token")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-bearer-token", token)

	plain, err := ring.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-bearer-token", plain)
}

func TestPingRejectsNameMismatch(t *testing.T) {
	ring := newTestKeyRing(t)
	reg := NewRegistry(ring, time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pingResponse{Name: "not-the-expected-peer"})
	}))
	defer srv.Close()

	token, err := ring.Encrypt("token")
	require.NoError(t, err)

	err = reg.Ping(core.Peer{Name: "expected-peer", BaseURL: srv.URL, EncryptedAuth: token})
	require.Error(t, err)
	var mismatch *MismatchedNameError
	assert.ErrorAs(t, err, &mismatch)
}

func TestPingSucceedsOnMatchingName(t *testing.T) {
	ring := newTestKeyRing(t)
	reg := NewRegistry(ring, time.Second)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(pingResponse{Name: "peer-b"})
	}))
	defer srv.Close()

	token, err := ring.Encrypt("bearer-xyz")
	require.NoError(t, err)

	require.NoError(t, reg.Ping(core.Peer{Name: "peer-b", BaseURL: srv.URL, EncryptedAuth: token}))
	assert.Equal(t, "Bearer bearer-xyz", gotAuth)
}
