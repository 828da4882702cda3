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

package slackwebhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
)

func newTestDB(t *testing.T) *metadatadb.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := metadatadb.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func initSlackConfig(t *testing.T, webhookURL string) {
	t.Helper()
	dir := t.TempDir()
	urlFile := filepath.Join(dir, "webhook.url")
	require.NoError(t, os.WriteFile(urlFile, []byte(webhookURL+"\n"), 0o600))

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
slack_webhook:
  slack_webhook_enable: true
  slack_webhook_url_file: %[2]s
`, dir, urlFile)
	require.NoError(t, config.Init([]byte(yaml)))
}

func TestForwarderPostsMatchingEntries(t *testing.T) {
	var posted int32
	var lastBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posted, 1)
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	initSlackConfig(t, server.URL)
	db := newTestDB(t)

	f, err := New(db)
	require.NoError(t, err)
	require.NotNil(t, f)
	f.since = time.Now().UTC().Add(-time.Minute)

	_, err = db.LogError(core.SeverityError, core.CategoryStore, "store disk is full")
	require.NoError(t, err)

	f.tick()

	assert.Equal(t, int32(1), atomic.LoadInt32(&posted))
	assert.Contains(t, lastBody["text"], "store disk is full")
}

func TestForwarderFiltersBySeverity(t *testing.T) {
	var posted int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posted, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	initSlackConfig(t, server.URL)
	db := newTestDB(t)

	f, err := New(db)
	require.NoError(t, err)
	f.since = time.Now().UTC().Add(-time.Minute)
	f.severities = map[core.LogSeverity]bool{core.SeverityCritical: true}

	_, err = db.LogError(core.SeverityWarning, core.CategoryTransport, "transient timeout")
	require.NoError(t, err)

	f.tick()

	assert.Equal(t, int32(0), atomic.LoadInt32(&posted))
}

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	dir := t.TempDir()
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
`, dir)
	require.NoError(t, config.Init([]byte(yaml)))

	db := newTestDB(t)
	f, err := New(db)
	require.NoError(t, err)
	assert.Nil(t, f)
}
