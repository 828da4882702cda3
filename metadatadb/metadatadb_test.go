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

package metadatadb

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/core"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "librarian.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateFileAndDuplicateDetection(t *testing.T) {
	db := newTestDB(t)

	f, err := db.CreateFile(core.File{Name: "test.txt", Size: 8, Hash: "440d5758b601be7fbee75ae3d41c7262"})
	require.NoError(t, err)
	assert.Equal(t, "test.txt", f.Name)

	// identical re-upload is a no-op (spec §8: Name uniqueness)
	same, err := db.CreateFile(core.File{Name: "test.txt", Size: 8, Hash: "440d5758b601be7fbee75ae3d41c7262"})
	require.NoError(t, err)
	assert.Equal(t, f.Id, same.Id)

	// differing hash under the same name is fatal (spec §5, §8)
	_, err = db.CreateFile(core.File{Name: "test.txt", Size: 8, Hash: "ffffffffffffffffffffffffffffffff"})
	assert.Error(t, err)
	var hashErr *HashMismatchError
	assert.ErrorAs(t, err, &hashErr)
}

func TestOutgoingTransferTransitions(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.CreateStore(core.Store{Name: "primary", Type: core.StoreTypeLocal, Capacity: 1024, Enabled: true, Available: true, Ingestible: true}))
	require.NoError(t, db.AddPeer(core.Peer{Name: "peer-b", BaseURL: "https://peer-b.example", EnabledForTransfer: true}))
	f, err := db.CreateFile(core.File{Name: "zen.2457644.12345.uv", Size: 100, Hash: "abc"})
	require.NoError(t, err)

	ot, err := db.CreateOutgoingTransfer(core.OutgoingTransfer{
		FileId: f.Id, DestinationPeer: "peer-b", SourceStore: "primary", TransferMethod: "async",
	})
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingInitiated, ot.State)

	require.NoError(t, db.TransitionOutgoingTransfer(ot.Id, core.OutgoingOngoing, "handle-1", ""))
	got, err := db.GetOutgoingTransfer(ot.Id)
	require.NoError(t, err)
	assert.Equal(t, core.OutgoingOngoing, got.State)

	// skipping STAGED is illegal per the state machine
	err = db.TransitionOutgoingTransfer(ot.Id, core.OutgoingCompleted, "", "")
	assert.Error(t, err)
	var transErr *InvalidTransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestDeletionDisallowedEnforced(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateStore(core.Store{Name: "primary", Type: core.StoreTypeLocal, Capacity: 1024, Enabled: true, Available: true, Ingestible: true}))
	f, err := db.CreateFile(core.File{Name: "locked.bin", Size: 10, Hash: "abc"})
	require.NoError(t, err)

	inst, err := db.CreateInstance(core.Instance{
		FileId: f.Id, StoreName: "primary", Path: "locked.bin", DeletionPolicy: core.DeletionDisallowed,
	}, 10)
	require.NoError(t, err)

	err = db.DeleteInstance(inst.Id, 10)
	assert.Error(t, err)
	var delErr *DeletionDisallowedError
	assert.ErrorAs(t, err, &delErr)
}

func TestBackgroundTaskClaiming(t *testing.T) {
	db := newTestDB(t)

	entry, claimed, err := db.ClaimBackgroundTask("send_clone")
	require.NoError(t, err)
	assert.True(t, claimed)

	// a second claim attempt while the first is still open must fail
	_, claimedAgain, err := db.ClaimBackgroundTask("send_clone")
	require.NoError(t, err)
	assert.False(t, claimedAgain)

	require.NoError(t, db.FinishBackgroundTask(entry.Id, true, ""))

	// once finished, the task may be claimed again on the next tick
	_, claimedThirdTime, err := db.ClaimBackgroundTask("send_clone")
	require.NoError(t, err)
	assert.True(t, claimedThirdTime)
}

func TestCapacityMonotonicity(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.CreateStore(core.Store{Name: "primary", Type: core.StoreTypeLocal, Capacity: 1024, Enabled: true, Available: true, Ingestible: true}))
	f, err := db.CreateFile(core.File{Name: "a.bin", Size: 1000, Hash: "abc"})
	require.NoError(t, err)

	inst, err := db.CreateInstance(core.Instance{Id: uuid.New(), FileId: f.Id, StoreName: "primary", Path: "a.bin"}, 1000)
	require.NoError(t, err)

	s, err := db.GetStore("primary")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), s.Used)

	require.NoError(t, db.DeleteInstance(inst.Id, 1000))
	s, err = db.GetStore("primary")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Used)
}
