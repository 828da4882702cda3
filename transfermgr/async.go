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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AsyncManager submits a batch to a peer's stage_batch endpoint over HTTP
// and polls it for completion, rather than blocking Submit on the transfer
// itself (spec §4.3, §4.5). It holds one authenticated HTTP client per
// manager instance, the same bearer-token-over-a-cached-client shape the
// teacher's Globus endpoint used for the Globus Transfer API -- here
// pointed at this federation's own push protocol instead of a third-party
// transfer service, since a Librarian's peers are other Librarians, not a
// general-purpose file transfer provider.
type AsyncManager struct {
	baseURL     string
	accessToken string
	client      *http.Client

	mu      sync.Mutex
	handles map[uuid.UUID]remoteHandle
}

type remoteHandle struct {
	externalId string
	numFiles   int
}

// stageBatchRequest mirrors the wire shape of a stage_batch call (spec §6).
type stageBatchRequest struct {
	Files []stageBatchFile `json:"files"`
}

type stageBatchFile struct {
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Hash            string `json:"hash"`
	Size            int64  `json:"size"`
}

type stageBatchResponse struct {
	BatchId string `json:"batch_id"`
}

type queryIncomingResponse struct {
	State               string `json:"state"`
	NumFiles            int    `json:"num_files"`
	NumFilesTransferred int    `json:"num_files_transferred"`
	ErrorText           string `json:"error_text"`
}

// NewAsyncManager constructs an AsyncManager targeting a peer's base URL,
// authenticating with the given bearer token (the peer authenticator,
// decrypted by the caller -- see the peers package).
func NewAsyncManager(baseURL, accessToken string) *AsyncManager {
	return &AsyncManager{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		handles:     make(map[uuid.UUID]remoteHandle),
	}
}

// Submit posts a stage_batch request to the peer and records the returned
// batch id under a locally-generated handle.
func (m *AsyncManager) Submit(files []FileTransfer, destination string) (uuid.UUID, error) {
	reqBody := stageBatchRequest{Files: make([]stageBatchFile, len(files))}
	for i, f := range files {
		reqBody.Files[i] = stageBatchFile{
			SourcePath:      f.SourcePath,
			DestinationPath: f.DestinationPath,
			Hash:            f.Hash,
			Size:            f.Size,
		}
	}

	resp, err := m.post("stage_batch", reqBody)
	if err != nil {
		return uuid.UUID{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return uuid.UUID{}, fmt.Errorf("peer rejected stage_batch (%d)", resp.StatusCode)
	}

	var decoded stageBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return uuid.UUID{}, err
	}

	handle := uuid.New()
	m.mu.Lock()
	m.handles[handle] = remoteHandle{externalId: decoded.BatchId, numFiles: len(files)}
	m.mu.Unlock()
	return handle, nil
}

// queryIncoming fetches the peer's query_incoming report for a previously
// submitted batch. found is false when the peer no longer recognizes the
// batch id at all (a 404), as opposed to recognizing it but reporting an
// in-progress state.
func (m *AsyncManager) queryIncoming(handle uuid.UUID) (rh remoteHandle, decoded queryIncomingResponse, found bool, err error) {
	m.mu.Lock()
	rh, found = m.handles[handle]
	m.mu.Unlock()
	if !found {
		return rh, decoded, false, fmt.Errorf("unknown transfer: %s", handle)
	}

	resp, err := m.get(fmt.Sprintf("query_incoming?batch_id=%s", url.QueryEscape(rh.externalId)))
	if err != nil {
		return rh, decoded, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return rh, decoded, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return rh, decoded, false, fmt.Errorf("peer rejected query_incoming (%d)", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return rh, decoded, false, err
	}
	return rh, decoded, true, nil
}

// Poll queries the peer's query_incoming endpoint for a previously
// submitted batch's progress.
func (m *AsyncManager) Poll(handle uuid.UUID) (TransferStatus, error) {
	rh, decoded, found, err := m.queryIncoming(handle)
	if err != nil {
		return TransferStatus{}, err
	}
	if !found {
		return TransferStatus{Code: StatusUnknown}, nil
	}

	status := TransferStatus{
		NumFiles:            rh.numFiles,
		NumFilesTransferred: decoded.NumFilesTransferred,
		ErrorText:           decoded.ErrorText,
	}
	switch decoded.State {
	case "COMPLETED":
		status.Code = StatusSucceeded
	case "FAILED":
		status.Code = StatusFailed
	default:
		status.Code = StatusActive
	}
	return status, nil
}

// QueryRemoteState implements RemoteStateQuerier, reporting the peer's raw
// IncomingTransfer state for handle so the outgoing hypervisor can apply
// its STAGED-row resolution matrix (spec §4.5), which needs to distinguish
// STAGED/INGESTING from an unrecognized batch rather than collapsing both
// into "still active".
func (m *AsyncManager) QueryRemoteState(handle uuid.UUID) (string, error) {
	_, decoded, found, err := m.queryIncoming(handle)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return decoded.State, nil
}

// Cancel is currently unsupported by the peer push protocol: once a peer
// has acknowledged a stage_batch call, the transfer is its responsibility
// to finish or fail (spec §4.5 has no cancellation endpoint).
func (m *AsyncManager) Cancel(handle uuid.UUID) error {
	return fmt.Errorf("peer transfers cannot be canceled")
}

func (m *AsyncManager) post(resource string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/%s", m.baseURL, resource), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", m.accessToken))
	return m.client.Do(req)
}

func (m *AsyncManager) get(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s", m.baseURL, resource), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", m.accessToken))
	return m.client.Do(req)
}
