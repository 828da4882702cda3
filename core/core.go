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

// Package core holds the entities shared by every other package in the
// service: files, instances, stores, transfers, peers, and users. Its only
// dependency on another Librarian package is config, which imports none,
// so metadatadb, stores, orchestration, and api can all depend on it
// without cycles.
package core

import (
	"fmt"
	"time"

	"github.com/scidata-fed/librarian/config"
)

// Version numbers.
var MajorVersion = 0
var MinorVersion = 1
var PatchVersion = 0

// Version string.
var Version = fmt.Sprintf("%d.%d.%d", MajorVersion, MinorVersion, PatchVersion)

// Indicates whether Init has been called.
var initialized = false

// The time the process started.
var startTime time.Time

// Init parses and validates the service's YAML configuration. It may be
// called more than once: every call re-parses the configuration, and the
// start time Uptime measures from is recorded on the first call only.
func Init(yamlConfig []byte) error {
	if !initialized {
		startTime = time.Now()
		initialized = true
	}
	return config.Init(yamlConfig)
}

// Uptime returns the number of seconds elapsed since Init was called.
func Uptime() float64 {
	return time.Since(startTime).Seconds()
}
