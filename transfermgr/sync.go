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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// SyncManager copies files directly between two local directory roots and
// verifies their hashes before reporting success. It runs all work through
// a single actor goroutine serialized over channels, the same shape the
// teacher's package-level mover used for its (also synchronous, also
// local-disk) file moves -- generalized here into a reusable, instantiable
// type rather than a package singleton, since a Librarian may run several
// local stores concurrently.
type SyncManager struct {
	requests chan syncRequest
	statuses chan statusRequest
	cancels  chan uuid.UUID
	done     chan struct{}

	mu      sync.Mutex
	results map[uuid.UUID]TransferStatus
}

type syncRequest struct {
	id          uuid.UUID
	files       []FileTransfer
	destination string
}

type statusRequest struct {
	id     uuid.UUID
	result chan TransferStatus
}

// NewSyncManager starts a SyncManager's actor goroutine. sourceRoot is the
// absolute path files are read from; destination roots are resolved by the
// caller supplying them via Submit's destination argument, already
// resolved to an absolute path (orchestration resolves store names to
// paths before calling in).
func NewSyncManager(sourceRoot string) *SyncManager {
	m := &SyncManager{
		requests: make(chan syncRequest, 32),
		statuses: make(chan statusRequest, 32),
		cancels:  make(chan uuid.UUID, 32),
		done:     make(chan struct{}),
		results:  make(map[uuid.UUID]TransferStatus),
	}
	go m.process(sourceRoot)
	return m
}

// Close stops the actor goroutine. In-flight transfers are abandoned.
func (m *SyncManager) Close() {
	close(m.done)
}

// Submit begins copying files to destination and returns a handle
// immediately; the copy itself runs synchronously within the actor
// goroutine, so Poll will report completion on the very next call once the
// (typically small, already-staged) batch finishes.
func (m *SyncManager) Submit(files []FileTransfer, destination string) (uuid.UUID, error) {
	id := uuid.New()
	select {
	case m.requests <- syncRequest{id: id, files: files, destination: destination}:
		return id, nil
	case <-m.done:
		return uuid.UUID{}, fmt.Errorf("sync manager is closed")
	}
}

// Poll reports a submitted batch's status.
func (m *SyncManager) Poll(handle uuid.UUID) (TransferStatus, error) {
	m.mu.Lock()
	status, found := m.results[handle]
	m.mu.Unlock()
	if !found {
		return TransferStatus{}, fmt.Errorf("unknown transfer: %s", handle)
	}
	return status, nil
}

// Cancel is a no-op for SyncManager: a batch handed to the actor goroutine
// by Submit is copied to completion and cannot be stopped.
func (m *SyncManager) Cancel(handle uuid.UUID) error {
	return nil
}

func (m *SyncManager) process(sourceRoot string) {
	for {
		select {
		case req := <-m.requests:
			status := m.copyFiles(sourceRoot, req)
			m.mu.Lock()
			m.results[req.id] = status
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

func (m *SyncManager) copyFiles(sourceRoot string, req syncRequest) TransferStatus {
	status := TransferStatus{Code: StatusActive, NumFiles: len(req.files)}
	for _, file := range req.files {
		srcPath := filepath.Join(sourceRoot, file.SourcePath)
		dstPath := filepath.Join(req.destination, file.DestinationPath)
		if err := copyAndVerify(srcPath, dstPath, file.Hash); err != nil {
			status.Code = StatusFailed
			status.ErrorText = err.Error()
			return status
		}
		status.NumFilesTransferred++
	}
	status.Code = StatusSucceeded
	return status
}

func copyAndVerify(srcPath, dstPath, expectedHash string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return err
	}
	if expectedHash != "" {
		actual := hex.EncodeToString(h.Sum(nil))
		if actual != expectedHash {
			return fmt.Errorf("copied file %s hash %s does not match expected %s", dstPath, actual, expectedHash)
		}
	}
	return nil
}
