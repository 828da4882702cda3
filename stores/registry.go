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
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/scidata-fed/librarian/config"
)

// Registry holds every Store configured for this instance, keyed by name.
type Registry struct {
	stores map[string]*LocalStore
}

// NewRegistry constructs a LocalStore for every entry in config.Stores.
func NewRegistry() (*Registry, error) {
	reg := &Registry{stores: make(map[string]*LocalStore)}
	for name, sc := range config.Stores {
		if sc.StoreType != "local" {
			return nil, fmt.Errorf("store %q: unsupported store_type %q", name, sc.StoreType)
		}
		s, err := NewLocalStore(name)
		if err != nil {
			return nil, fmt.Errorf("store %q: %w", name, err)
		}
		reg.stores[name] = s
	}
	return reg, nil
}

// Get returns the named store, or an error if it isn't configured.
func (r *Registry) Get(name string) (*LocalStore, error) {
	s, found := r.stores[name]
	if !found {
		return nil, fmt.Errorf("store %q is not configured", name)
	}
	return s, nil
}

// Names returns every configured store's name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	return names
}

// Report summarizes one store's capacity for operator-facing output (spec
// §6 get_store_manifest), using go-humanize to render byte counts the way
// an operator reads them rather than as raw integers.
type Report struct {
	Name        string
	Capacity    string
	Used        string
	Free        string
	FreeBytes   int64
	TotalBytes  int64
}

// Report returns a human-readable capacity summary for the named store,
// querying the underlying file system for free space.
func (r *Registry) Report(name string) (Report, error) {
	s, err := r.Get(name)
	if err != nil {
		return Report{}, err
	}
	total, free, err := s.Capacity()
	if err != nil {
		return Report{}, err
	}
	used := total - free
	return Report{
		Name:       name,
		Capacity:   humanize.Bytes(uint64(total)),
		Used:       humanize.Bytes(uint64(used)),
		Free:       humanize.Bytes(uint64(free)),
		FreeBytes:  free,
		TotalBytes: total,
	}, nil
}
