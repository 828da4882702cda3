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

package api

import (
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/stores"
)

// domainStatus maps an error returned by metadatadb/filesvc/stores/
// orchestration to the status code the error taxonomy in spec §7 assigns
// it: user errors (404/409/422) are surfaced verbatim; anything else falls
// back to a 500 and is left for the caller to log. Shared by both the huma
// handlers (via domainErr) and the raw-http upload handler, which can't use
// huma's error helpers directly since it isn't a huma operation.
func domainStatus(err error) (int, string) {
	if err == nil {
		return 200, ""
	}
	switch e := err.(type) {
	case *metadatadb.NotFoundError:
		return http.StatusNotFound, e.Error()
	case *metadatadb.ConflictError:
		return http.StatusConflict, e.Error()
	case *metadatadb.HashMismatchError:
		// a File already exists under this name with a different hash --
		// spec's upload scenario 2 ("Duplicate-name conflict").
		return http.StatusConflict, e.Error()
	case *metadatadb.DeletionDisallowedError:
		return http.StatusForbidden, e.Error()
	case *stores.NotFoundError:
		return http.StatusNotFound, e.Error()
	case *stores.HashMismatchError:
		return http.StatusUnprocessableEntity, e.Error()
	case *stores.SizeMismatchError:
		return http.StatusUnprocessableEntity, e.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("internal error: %s", err)
	}
}

// domainErr adapts domainStatus to the error huma.Register handlers return.
func domainErr(err error) error {
	if err == nil {
		return nil
	}
	status, msg := domainStatus(err)
	return huma.NewError(status, msg)
}

// storeFullStatus reports spec §6's upload failure mode "store full (507)".
const storeFullStatus = 507

func storeFullMessage(storeName string) string {
	return "store " + storeName + " is full"
}

// storeFullError reports spec §6's upload failure mode "store full (507)".
// huma has no built-in 507 constructor, so it's built directly.
func storeFullError(storeName string) error {
	return huma.NewError(storeFullStatus, storeFullMessage(storeName))
}
