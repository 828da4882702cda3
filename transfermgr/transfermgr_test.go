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

package transfermgr

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncManagerCopiesAndVerifies(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	data := []byte("payload")
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "file.bin"), data, 0o644))

	m := NewSyncManager(srcRoot)
	defer m.Close()

	handle, err := m.Submit([]FileTransfer{{SourcePath: "file.bin", DestinationPath: "file.bin", Hash: hash}}, dstRoot)
	require.NoError(t, err)

	var status TransferStatus
	require.Eventually(t, func() bool {
		status, err = m.Poll(handle)
		return err == nil && status.Code != StatusActive
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusSucceeded, status.Code)
	assert.Equal(t, 1, status.NumFilesTransferred)

	copied, err := os.ReadFile(filepath.Join(dstRoot, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, copied)
}

func TestSyncManagerFailsOnHashMismatch(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "file.bin"), []byte("payload"), 0o644))

	m := NewSyncManager(srcRoot)
	defer m.Close()

	handle, err := m.Submit([]FileTransfer{{SourcePath: "file.bin", DestinationPath: "file.bin", Hash: "deadbeef"}}, dstRoot)
	require.NoError(t, err)

	var status TransferStatus
	require.Eventually(t, func() bool {
		status, err = m.Poll(handle)
		return err == nil && status.Code != StatusActive
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusFailed, status.Code)
	assert.NotEmpty(t, status.ErrorText)
}

func TestAsyncManagerSubmitAndPoll(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/stage_batch":
			json.NewEncoder(w).Encode(stageBatchResponse{BatchId: "batch-123"})
		case "/query_incoming":
			json.NewEncoder(w).Encode(queryIncomingResponse{State: "COMPLETED", NumFiles: 1, NumFilesTransferred: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m := NewAsyncManager(srv.URL, "token-abc")
	handle, err := m.Submit([]FileTransfer{{SourcePath: "a", DestinationPath: "a", Hash: "x"}}, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-abc", gotAuth)

	status, err := m.Poll(handle)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status.Code)
}
