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

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const minimalYAML = `
service:
  name: test-librarian
  host: localhost
  port: 8080
  data_dir: /tmp
  encryption_key_file: /tmp/key
database:
  driver: sqlite
  name: /tmp/librarian.db
`

func TestInitOnce(t *testing.T) {
	err := Init([]byte(minimalYAML))
	assert.NoError(t, err)
}

func TestInitTwice(t *testing.T) {
	for i := 0; i < 2; i++ {
		err := Init([]byte(minimalYAML))
		assert.NoError(t, err)
	}
}

func TestUptime(t *testing.T) {
	Init([]byte(minimalYAML))
	assert.GreaterOrEqual(t, Uptime(), 0.0)
}
