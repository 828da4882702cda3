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

package orchestration

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/peers"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"
)

// fakeManager is a scripted transfermgr.Manager: Submit always succeeds
// with a fresh handle, and each handle's Poll outcome is fixed at
// construction so tests can drive the hypervisor deterministically without
// a real transport.
type fakeManager struct {
	mu       sync.Mutex
	outcome  transfermgr.TransferStatus
	submits  int
	canceled []uuid.UUID
}

func (f *fakeManager) Submit(files []transfermgr.FileTransfer, destination string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return uuid.New(), nil
}

func (f *fakeManager) Poll(handle uuid.UUID) (transfermgr.TransferStatus, error) {
	return f.outcome, nil
}

func (f *fakeManager) Cancel(handle uuid.UUID) error {
	f.canceled = append(f.canceled, handle)
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *metadatadb.DB, *fakeManager) {
	t.Helper()
	dir := t.TempDir()
	stagingPath := filepath.Join(dir, "staging")
	storePath := filepath.Join(dir, "store")

	yaml := fmt.Sprintf(`
service:
  name: test-librarian
  port: 8080
  max_connections: 100
  data_dir: %[1]s
  encryption_key_file: %[1]s/librarian.key
database:
  driver: sqlite
  name: %[1]s/librarian.db
add_stores:
  primary:
    store_type: local
    ingestible: true
    capacity: 1073741824
    store_data:
      staging_path: %[2]s
      store_path: %[3]s
      report_full_fraction: 0.9
`, dir, stagingPath, storePath)
	require.NoError(t, config.Init([]byte(yaml)))

	storeReg, err := stores.NewRegistry()
	require.NoError(t, err)

	db, err := metadatadb.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateStore(core.Store{
		Name: "primary", Type: core.StoreTypeLocal, Capacity: 1 << 30,
		Enabled: true, Available: true, Ingestible: true,
	}))
	require.NoError(t, db.AddPeer(core.Peer{
		Name: "sibling", BaseURL: "https://sibling.example.org", Port: 443,
		EnabledForTransfer: true,
	}))

	mgr := &fakeManager{outcome: transfermgr.TransferStatus{Code: transfermgr.StatusActive}}
	o := New(db, storeReg, peers.NewRegistry(nil, time.Second), map[string]transfermgr.Manager{"primary": mgr}, "self")
	return o, db, mgr
}

func TestInitiateTransferTransitionsToOngoing(t *testing.T) {
	o, db, _ := newTestOrchestrator(t)
	f, err := db.CreateFile(core.File{Name: "a.txt", Size: 4, Hash: "deadbeef"})
	require.NoError(t, err)

	ot, err := o.InitiateTransfer(f.Id, "primary", "sibling", "a.txt", "a.txt", 4, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingOngoing, ot.State)
	assert.NotEmpty(t, ot.ExternalId)
}

func TestInitiateTransferRejectsDisabledPeer(t *testing.T) {
	o, db, _ := newTestOrchestrator(t)
	require.NoError(t, db.AddPeer(core.Peer{Name: "disabled", BaseURL: "https://x", EnabledForTransfer: false}))
	f, err := db.CreateFile(core.File{Name: "b.txt", Size: 1, Hash: "h"})
	require.NoError(t, err)

	_, err = o.InitiateTransfer(f.Id, "primary", "disabled", "b.txt", "b.txt", 1, "h")
	assert.Error(t, err)
}

func TestOutgoingHypervisorPromotesSucceededTransferToStaged(t *testing.T) {
	o, db, mgr := newTestOrchestrator(t)
	f, err := db.CreateFile(core.File{Name: "c.txt", Size: 2, Hash: "h2"})
	require.NoError(t, err)
	ot, err := o.InitiateTransfer(f.Id, "primary", "sibling", "c.txt", "c.txt", 2, "h2")
	require.NoError(t, err)

	mgr.outcome = transfermgr.TransferStatus{Code: transfermgr.StatusSucceeded}
	moved, err := o.OutgoingHypervisorTick(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	updated, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingStaged, updated.State)
}

func TestOutgoingHypervisorFailsTransferOnManagerError(t *testing.T) {
	o, db, mgr := newTestOrchestrator(t)
	f, err := db.CreateFile(core.File{Name: "d.txt", Size: 2, Hash: "h3"})
	require.NoError(t, err)
	ot, err := o.InitiateTransfer(f.Id, "primary", "sibling", "d.txt", "d.txt", 2, "h3")
	require.NoError(t, err)

	mgr.outcome = transfermgr.TransferStatus{Code: transfermgr.StatusFailed, ErrorText: "disk full"}
	moved, err := o.OutgoingHypervisorTick(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	updated, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingFailed, updated.State)
	assert.Equal(t, "disk full", updated.ErrorText)
}

func TestReceiveStageBatchIsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	sourceOutgoingId := uuid.New()

	first, err := o.ReceiveStageBatch("sibling", sourceOutgoingId, "e.txt", "hx", 5, "primary", "/staging/e.txt")
	require.NoError(t, err)

	second, err := o.ReceiveStageBatch("sibling", sourceOutgoingId, "e.txt", "hx", 5, "primary", "/staging/e.txt")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
}

func TestCallbackSucceededCompletesStagedTransferAndRecordsRemoteInstance(t *testing.T) {
	o, db, mgr := newTestOrchestrator(t)
	f, err := db.CreateFile(core.File{Name: "f.txt", Size: 3, Hash: "h4"})
	require.NoError(t, err)
	ot, err := o.InitiateTransfer(f.Id, "primary", "sibling", "f.txt", "f.txt", 3, "h4")
	require.NoError(t, err)

	mgr.outcome = transfermgr.TransferStatus{Code: transfermgr.StatusSucceeded}
	_, err = o.OutgoingHypervisorTick(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, o.CallbackSucceeded(ot.Id, "sibling"))

	updated, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingCompleted, updated.State)

	remotes, err := db.RemoteInstancesOfFile(f.Id)
	require.NoError(t, err)
	assert.Len(t, remotes, 1)
	assert.Equal(t, "sibling", remotes[0].PeerName)
}

func TestConsumeAndCheckSendQueue(t *testing.T) {
	o, db, mgr := newTestOrchestrator(t)
	f, err := db.CreateFile(core.File{Name: "g.txt", Size: 6, Hash: "h5"})
	require.NoError(t, err)

	ot, err := db.CreateOutgoingTransfer(core.OutgoingTransfer{
		FileId: f.Id, DestinationPeer: "sibling", SourceStore: "primary",
	})
	require.NoError(t, err)

	item, err := db.EnqueueSendQueueItem(core.SendQueueItem{
		DestinationPeer:     "sibling",
		DestinationEndpoint: "primary",
		Paths:               []core.SendPathPair{{SourcePath: "g.txt", DestinationPath: "g.txt"}},
		OutgoingTransferIds: []uuid.UUID{ot.Id},
	})
	require.NoError(t, err)

	submitted, err := o.ConsumeSendQueue(10)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, mgr.submits)

	ongoing, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingOngoing, ongoing.State)

	mgr.outcome = transfermgr.TransferStatus{Code: transfermgr.StatusSucceeded}
	finished, err := o.CheckConsumedQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, finished)

	staged, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingStaged, staged.State)

	items, err := db.SubmittedSendQueueItems()
	require.NoError(t, err)
	assert.Empty(t, items)
	_ = item
}

func TestIncomingHypervisorFailsStaleTransfer(t *testing.T) {
	o, db, _ := newTestOrchestrator(t)
	it, err := o.ReceiveStageBatch("sibling", uuid.New(), "h.txt", "hh", 1, "primary", "/staging/h.txt")
	require.NoError(t, err)

	failed, err := o.IncomingHypervisorTick(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	updated, err := db.IncomingTransfersInState(core.IncomingFailed)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, it.Id, updated[0].Id)
}
