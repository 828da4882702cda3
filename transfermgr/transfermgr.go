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

// Package transfermgr implements the two transfer-manager families a Store
// may expose (spec §4.3): a synchronous manager that moves bytes within or
// between local stores and reports completion immediately, and an
// asynchronous manager that submits a batch to a remote transport and is
// polled for completion later. Both satisfy the same Manager interface so
// orchestration never branches on which kind of store it's pushing from.
package transfermgr

import (
	"github.com/google/uuid"
)

// TransferStatusCode mirrors an in-flight submission's lifecycle as seen by
// the manager that owns it (distinct from, and narrower than,
// core.OutgoingTransferState, which also tracks states the manager never
// sees, like STAGED).
type TransferStatusCode int

const (
	StatusUnknown TransferStatusCode = iota
	StatusActive
	StatusSucceeded
	StatusFailed
)

// RemoteStateQuerier is implemented by managers that can report a remote
// peer's raw IncomingTransfer state string for a previously submitted
// handle, rather than just the coarse TransferStatusCode Poll reports. The
// outgoing hypervisor's STAGED-row reconciliation (spec §4.5) needs to tell
// STAGED/INGESTING apart from an unrecognized handle, which Poll's
// three-way status can't express. SyncManager has no remote peer to query
// and does not implement this; a hypervisor encountering a manager that
// lacks it simply leaves the transfer alone.
type RemoteStateQuerier interface {
	// QueryRemoteState returns the peer's reported IncomingTransfer state
	// ("COMPLETED", "STAGED", "INGESTING", "FAILED", "INITIATED") for
	// handle, or "" if the peer no longer recognizes it.
	QueryRemoteState(handle uuid.UUID) (string, error)
}

// TransferStatus conveys a submitted batch's progress.
type TransferStatus struct {
	Code                TransferStatusCode
	NumFiles            int
	NumFilesTransferred int
	ErrorText           string
}

// FileTransfer names one file to move, by path relative to its store's
// root, along with the hash the destination should verify against.
type FileTransfer struct {
	SourcePath      string
	DestinationPath string
	Hash            string
	Size            int64
}

// Manager is the capability set a Store exposes for moving files to a
// destination (spec §4.3). Submit begins a transfer of the given files and
// returns an opaque handle; Poll reports progress for a previously
// submitted handle; Cancel requests a submitted transfer stop.
type Manager interface {
	Submit(files []FileTransfer, destination string) (uuid.UUID, error)
	Poll(handle uuid.UUID) (TransferStatus, error)
	Cancel(handle uuid.UUID) error
}
