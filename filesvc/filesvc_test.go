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

package filesvc

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/stores"
)

func newTestService(t *testing.T) (*Service, string) {
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

	reg, err := stores.NewRegistry()
	require.NoError(t, err)

	db, err := metadatadb.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateStore(core.Store{
		Name: "primary", Type: core.StoreTypeLocal, Capacity: 1 << 30,
		Enabled: true, Available: true, Ingestible: true,
	}))

	return New(db, reg), storePath
}

func TestUploadCreatesFileAndInstance(t *testing.T) {
	s, _ := newTestService(t)
	data := "federated archive contents"
	sum := md5.Sum([]byte(data))
	hash := hex.EncodeToString(sum[:])

	result, err := s.Upload("primary", "dataset.txt", int64(len(data)), hash, "alice", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "dataset.txt", result.File.Name)
	assert.Equal(t, "primary", result.Instance.StoreName)
}

func TestLocateFileReturnsInstances(t *testing.T) {
	s, _ := newTestService(t)
	data := "content"
	sum := md5.Sum([]byte(data))
	hash := hex.EncodeToString(sum[:])

	_, err := s.Upload("primary", "x.txt", int64(len(data)), hash, "alice", strings.NewReader(data))
	require.NoError(t, err)

	instances, remotes, err := s.LocateFile("x.txt")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.Empty(t, remotes)
}

func TestValidateFileDetectsTamperedContent(t *testing.T) {
	s, storePath := newTestService(t)
	data := "original"
	sum := md5.Sum([]byte(data))
	hash := hex.EncodeToString(sum[:])

	result, err := s.Upload("primary", "y.txt", int64(len(data)), hash, "alice", strings.NewReader(data))
	require.NoError(t, err)

	fullPath := filepath.Join(storePath, result.Instance.Path)
	require.NoError(t, os.WriteFile(fullPath, []byte("tampered"), 0o644))

	invalid, err := s.ValidateFile("y.txt")
	require.NoError(t, err)
	assert.Len(t, invalid, 1)
}
