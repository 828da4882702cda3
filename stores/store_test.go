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

package stores

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	dir := t.TempDir()
	staging := filepath.Join(dir, "staging")
	store := filepath.Join(dir, "store")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.MkdirAll(store, 0o755))
	return &LocalStore{
		name:        "test",
		stagingPath: staging,
		storePath:   store,
		staging:     make(map[string]stagedUpload),
	}
}

func TestStageAndCommitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello librarian")
	hash := md5.Sum(data)
	hashHex := hex.EncodeToString(hash[:])

	handle, err := s.Stage("greeting.txt", int64(len(data)))
	require.NoError(t, err)

	stagePath, err := s.StagePath(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stagePath, data, 0o644))

	finalPath, err := s.Commit(handle, "greeting.txt", hashHex)
	require.NoError(t, err)
	assert.Equal(t, "greeting.txt", finalPath)

	committed, err := os.ReadFile(filepath.Join(s.storePath, finalPath))
	require.NoError(t, err)
	assert.Equal(t, data, committed)

	// the staging entry should be consumed
	_, err = s.StagePath(handle)
	assert.Error(t, err)
}

func TestCommitRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello librarian")

	handle, err := s.Stage("greeting.txt", int64(len(data)))
	require.NoError(t, err)
	stagePath, err := s.StagePath(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stagePath, data, 0o644))

	_, err = s.Commit(handle, "greeting.txt", "deadbeefdeadbeefdeadbeefdeadbeef")
	assert.Error(t, err)
	var hashErr *HashMismatchError
	assert.ErrorAs(t, err, &hashErr)
}

func TestCommitRejectsSizeMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello librarian")

	handle, err := s.Stage("greeting.txt", 99999)
	require.NoError(t, err)
	stagePath, err := s.StagePath(handle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stagePath, data, 0o644))

	_, err = s.Commit(handle, "greeting.txt", "")
	assert.Error(t, err)
	var sizeErr *SizeMismatchError
	assert.ErrorAs(t, err, &sizeErr)
}

func TestDeleteRemovesCommittedInstance(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.storePath, "gone.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, s.Delete("gone.bin"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	err = s.Delete("gone.bin")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestEnumerateWalksStoreTree(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.storePath, "a.bin"), []byte("aaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.storePath, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.storePath, "sub", "b.bin"), []byte("bb"), 0o644))

	entries, err := s.Enumerate()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDirectoryHashIsOrderIndependentOfDiscovery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	h1, err := DirectoryHash(dir)
	require.NoError(t, err)

	// recomputing on the same content must be stable
	h2, err := DirectoryHash(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// the same content written in the opposite order must hash identically
	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(other, "b.txt"), []byte("b"), 0o644))
	h3, err := DirectoryHash(other)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
}
