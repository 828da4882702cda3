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
	"fmt"
	"net/http"
	"time"

	"github.com/scidata-fed/librarian/core"
)

// pingResponse mirrors the wire shape of a peer's ping endpoint (spec §6).
type pingResponse struct {
	Name string `json:"name"`
}

// Registry adds the runtime behaviors metadatadb's Peer rows need: an
// authenticated HTTP client per peer, authenticator encryption/decryption,
// and reachability checks.
type Registry struct {
	keys   *KeyRing
	client *http.Client
}

// NewRegistry constructs a Registry backed by the given key ring. timeout
// bounds every outbound call to a peer.
func NewRegistry(keys *KeyRing, timeout time.Duration) *Registry {
	return &Registry{keys: keys, client: SecureHttpClient(timeout)}
}

// EncryptAuthenticator encrypts a plaintext bearer token for storage in
// core.Peer.EncryptedAuth.
func (r *Registry) EncryptAuthenticator(plaintext string) (string, error) {
	return r.keys.Encrypt(plaintext)
}

// MismatchedNameError is returned by Ping when the peer being contacted
// reports a different name than the caller expected -- evidence that
// BaseURL/Port resolve to the wrong service, or that the peer was renamed
// out from under a stale registry entry (spec §4.4).
type MismatchedNameError struct {
	Expected, Actual string
}

func (e *MismatchedNameError) Error() string {
	return fmt.Sprintf("peer identified itself as %q, expected %q", e.Actual, e.Expected)
}

// Ping calls a peer's ping endpoint using its decrypted authenticator and
// confirms its reported name matches the registry entry, refusing the
// reachability check otherwise (spec §4.4, §6).
func (r *Registry) Ping(peer core.Peer) error {
	token, err := r.keys.Decrypt(peer.EncryptedAuth)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/ping", peer.BaseURL)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s: ping returned status %d", peer.Name, resp.StatusCode)
	}

	var decoded pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Name != peer.Name {
		return &MismatchedNameError{Expected: peer.Name, Actual: decoded.Name}
	}
	return nil
}

// AuthorizedClient returns an *http.Client and the peer's decrypted bearer
// token. main.go uses the token to build a store's AsyncManager, and the
// api package's bearer-token resolution compares it against an incoming
// request's credentials.
func (r *Registry) AuthorizedClient(peer core.Peer) (*http.Client, string, error) {
	token, err := r.keys.Decrypt(peer.EncryptedAuth)
	if err != nil {
		return nil, "", err
	}
	return r.client, token, nil
}
