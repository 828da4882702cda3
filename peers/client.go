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

// Package peers manages the federation's Peer registry: encrypted
// authenticators at rest, reachability (ping), and the authenticated HTTP
// client other packages use to call a peer's API (spec §4.4).
package peers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/StalkR/hsts"
)

// SecureHttpClient returns an http.Client configured with a request
// timeout and HTTP Strict Transport Security. It follows no redirects: a
// redirect from https to http fails with DowngradedRedirectError, and any
// other redirect response is returned to the caller as it is. Every
// outbound call to a peer uses a client built this way, since a peer
// authenticator travels as a bearer token in the Authorization header.
func SecureHttpClient(timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme == "http" {
				return &DowngradedRedirectError{Host: req.URL.Host, Path: req.URL.Path}
			}
			return http.ErrUseLastResponse
		},
	}
	client.Transport = hsts.New(client.Transport)
	return client
}

// DowngradedRedirectError is returned when a peer's response attempts to
// redirect a request from https to http.
type DowngradedRedirectError struct {
	Host, Path string
}

func (e *DowngradedRedirectError) Error() string {
	return fmt.Sprintf("refusing to follow downgraded redirect to http://%s%s", e.Host, e.Path)
}
