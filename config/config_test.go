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

package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

const validService = `
service:
  name: test-librarian
  host: localhost
  port: 8080
  max_connections: 100
  data_dir: /tmp
  encryption_key_file: /tmp/librarian.key
`

const validDatabase = `
database:
  driver: sqlite
  name: /tmp/librarian.db
`

const validStores = `
add_stores:
  primary:
    store_type: local
    ingestible: true
    capacity: 1073741824
    store_data:
      staging_path: /tmp/staging
      store_path: /tmp/store
      report_full_fraction: 0.9
`

func TestInitRejectsBlankInput(t *testing.T) {
	err := Init([]byte(""))
	assert.Error(t, err, "blank config didn't trigger an error")
}

func TestInitRejectsMissingName(t *testing.T) {
	yaml := "service:\n  port: 8080\n\n" + validDatabase
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with no service.name didn't trigger an error")
}

func TestInitRejectsBadPort(t *testing.T) {
	yaml := "service:\n  name: x\n  port: -1\n  encryption_key_file: /tmp/k\n\n" + validDatabase
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with bad port didn't trigger an error")
}

func TestInitRejectsBadMaxConnections(t *testing.T) {
	yaml := "service:\n  name: x\n  max_connections: 0\n  encryption_key_file: /tmp/k\n\n" + validDatabase
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with bad max_connections didn't trigger an error")
}

func TestInitRejectsMissingEncryptionKeyFile(t *testing.T) {
	yaml := "service:\n  name: x\n\n" + validDatabase
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with no encryption_key_file didn't trigger an error")
}

func TestInitRejectsUnsupportedDatabaseDriver(t *testing.T) {
	yaml := validService + "database:\n  driver: postgres\n  name: x\n"
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with unsupported database driver didn't trigger an error")
}

func TestInitRejectsBadStoreType(t *testing.T) {
	yaml := validService + validDatabase + "add_stores:\n  x:\n    store_type: s3\n"
	err := Init([]byte(yaml))
	assert.Error(t, err, "config with unsupported store_type didn't trigger an error")
}

func TestInitAcceptsValidInput(t *testing.T) {
	yaml := validService + validDatabase + validStores
	err := Init([]byte(yaml))
	assert.NoError(t, err, fmt.Sprintf("valid YAML input produced an error: %v", err))
}

func TestInitProperlySetsGlobals(t *testing.T) {
	yaml := validService + validDatabase + validStores
	err := Init([]byte(yaml))
	assert.NoError(t, err)

	assert.Equal(t, "test-librarian", Service.Name)
	assert.Equal(t, 8080, Service.Port)
	assert.Equal(t, 100, Service.MaxConnections)
	assert.Equal(t, "sqlite", Database.Driver)
	assert.Equal(t, 1, len(Stores))
}
