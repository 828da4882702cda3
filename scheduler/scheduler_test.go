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

package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/filesvc"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/orchestration"
	"github.com/scidata-fed/librarian/peers"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"
)

const backgroundConfigFixture = `{
  "check_integrity": [{"name": "nightly-check", "every": "24h", "store": "primary", "age_in_days": 30}],
  "create_local_clone": [{"name": "clone-a", "every": "1h", "clone_from": "primary", "clone_to": ["backup"], "files_per_run": 10, "age_in_days": 1}],
  "send_clone": [{"name": "send-a", "every": "5m", "destination_librarian": "sibling", "age_in_days": 1, "store_preference": ["primary"], "send_batch_size": 50}],
  "consume_queue": [{"name": "consume-a", "every": "1m"}],
  "check_consumed_queue": [{"name": "check-consumed-a", "every": "1m"}],
  "receive_clone": [{"name": "receive-a", "every": "1m", "deletion_policy": "ALLOWED", "files_per_run": 10}],
  "outgoing_transfer_hypervisor": [{"name": "outgoing-hv", "every": "2m", "soft_timeout": "90s", "age_in_days": 0}],
  "incoming_transfer_hypervisor": [{"name": "incoming-hv", "every": "2m", "age_in_days": 0}]
}`

func TestLoadConfigParsesAllTaskTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "background.json")
	require.NoError(t, os.WriteFile(path, []byte(backgroundConfigFixture), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Tasks, 8)

	byName := make(map[string]taskConfig, len(cfg.Tasks))
	for _, task := range cfg.Tasks {
		byName[task.Name] = task
	}

	send, found := byName["send-a"]
	require.True(t, found)
	assert.Equal(t, taskSendClone, send.Type)
	assert.Equal(t, 5*time.Minute, send.Every)
	assert.Equal(t, 5*time.Minute, send.SoftTimeout) // defaults to Every

	hv, found := byName["outgoing-hv"]
	require.True(t, found)
	assert.Equal(t, 90*time.Second, hv.SoftTimeout) // explicit override
}

func TestLoadConfigRejectsUnknownTaskType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "background.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not_a_real_task": [{"name": "x", "every": "1m"}]}`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "background.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"consume_queue": [{"name": "x", "every": "not-a-duration"}]}`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

// fakeManager is a scripted transfermgr.Manager, mirroring orchestration's
// test double: Submit always succeeds, Poll reports a fixed outcome.
type fakeManager struct {
	outcome transfermgr.TransferStatus
}

func (f *fakeManager) Submit(files []transfermgr.FileTransfer, destination string) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (f *fakeManager) Poll(handle uuid.UUID) (transfermgr.TransferStatus, error) {
	return f.outcome, nil
}

func (f *fakeManager) Cancel(handle uuid.UUID) error { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *metadatadb.DB, *stores.Registry, *fakeManager) {
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
	orch := orchestration.New(db, storeReg, peers.NewRegistry(nil, time.Second), map[string]transfermgr.Manager{"primary": mgr}, "self")
	files := filesvc.New(db, storeReg)

	s := New(db, orch, files, storeReg, nil, Config{})
	return s, db, storeReg, mgr
}

func TestRunCheckIntegrityMarksMismatchedInstanceUnavailable(t *testing.T) {
	s, db, storeReg, _ := newTestScheduler(t)
	store, err := storeReg.Get("primary")
	require.NoError(t, err)

	handle, err := store.Stage("a.txt", 5)
	require.NoError(t, err)
	stagePath, err := store.StagePath(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stagePath, []byte("hello"), 0644))
	committedPath, err := store.Commit(handle, "a.txt", "5d41402abc4b2a76b9719d911017c592")
	require.NoError(t, err)

	// Record the File with a hash that does NOT match what's on disk, so
	// the integrity check has a genuine mismatch to find.
	f, err := db.CreateFile(core.File{Name: "a.txt", Size: 5, Hash: "0000000000000000000000000000000"})
	require.NoError(t, err)
	inst, err := db.CreateInstance(core.Instance{Id: uuid.New(), FileId: f.Id, StoreName: "primary", Path: committedPath}, 5)
	require.NoError(t, err)

	params, err := json.Marshal(checkIntegrityParams{AgeInDays: 30, Store: "primary"})
	require.NoError(t, err)
	_, err = s.runCheckIntegrity(params)
	require.NoError(t, err)

	instances, err := db.InstancesOfFile(f.Id)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, core.InstanceUnavailable, instances[0].Availability)
	assert.Equal(t, inst.Id, instances[0].Id)
}

func TestRunReceiveCloneIngestsStagedTransfer(t *testing.T) {
	s, db, _, _ := newTestScheduler(t)

	stagingDir := t.TempDir()
	stagingPath := filepath.Join(stagingDir, "incoming.txt")
	require.NoError(t, os.WriteFile(stagingPath, []byte("payload"), 0644))

	it, err := db.CreateIncomingTransfer(core.IncomingTransfer{
		ExpectedName: "incoming.txt", ExpectedHash: "321c3cf486ed509164edec1e1981fec8", ExpectedSize: 7,
		StagingPath: stagingPath, DestinationStore: "primary",
		SourcePeer: "sibling", SourceOutgoingId: uuid.New(),
	})
	require.NoError(t, err)
	require.NoError(t, db.SetIncomingTransferState(it.Id, core.IncomingStaged, ""))

	params, err := json.Marshal(receiveCloneParams{DeletionPolicy: "ALLOWED", FilesPerRun: 10})
	require.NoError(t, err)
	_, err = s.runReceiveClone(params)
	require.NoError(t, err)

	completed, err := db.IncomingTransfersInState(core.IncomingCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, it.Id, completed[0].Id)

	f, err := db.GetFileByName("incoming.txt")
	require.NoError(t, err)
	assert.Equal(t, "321c3cf486ed509164edec1e1981fec8", f.Hash)
}

func TestRunOutgoingHypervisorReconcilesTransfer(t *testing.T) {
	s, db, storeReg, mgr := newTestScheduler(t)
	store, err := storeReg.Get("primary")
	require.NoError(t, err)

	handle, err := store.Stage("b.txt", 3)
	require.NoError(t, err)
	stagePath, err := store.StagePath(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stagePath, []byte("abc"), 0644))
	committedPath, err := store.Commit(handle, "b.txt", "900150983cd24fb0d6963f7d28e17f72")
	require.NoError(t, err)

	f, err := db.CreateFile(core.File{Name: "b.txt", Size: 3, Hash: "900150983cd24fb0d6963f7d28e17f72"})
	require.NoError(t, err)
	ot, err := s.orch.InitiateTransfer(f.Id, "primary", "sibling", committedPath, "b.txt", 3, "h2")
	require.NoError(t, err)

	mgr.outcome = transfermgr.TransferStatus{Code: transfermgr.StatusSucceeded}

	params, err := json.Marshal(hypervisorParams{AgeInDays: 0})
	require.NoError(t, err)
	_, err = s.runOutgoingHypervisor(params)
	require.NoError(t, err)

	updated, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingStaged, updated.State)
}

// TestSchedulerClaimsAndTicksConfiguredTask exercises the ticker/worker
// wiring end to end: a single fast-cadence incoming_transfer_hypervisor
// task should fire on its own, without any direct method call, and fail a
// stale incoming transfer within a few ticks.
func TestSchedulerClaimsAndTicksConfiguredTask(t *testing.T) {
	s, db, _, _ := newTestScheduler(t)

	it, err := s.orch.ReceiveStageBatch("sibling", uuid.New(), "stale.txt", "h", 1, "primary", "/staging/stale.txt")
	require.NoError(t, err)

	s.cfg = Config{Tasks: []taskConfig{{
		Name: "incoming-hv", Type: taskIncomingHypervisor,
		Every: 20 * time.Millisecond, SoftTimeout: 20 * time.Millisecond,
		Parameters: json.RawMessage(`{"age_in_days": -1}`),
	}}}

	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool {
		failed, err := db.IncomingTransfersInState(core.IncomingFailed)
		return err == nil && len(failed) == 1 && failed[0].Id == it.Id
	}, time.Second, 10*time.Millisecond)
}
