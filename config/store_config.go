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

import "fmt"

// storeData carries the backend-specific knobs for a store (spec §6:
// add_stores[].store_data).
type storeData struct {
	StagingPath          string  `yaml:"staging_path"`
	StorePath            string  `yaml:"store_path"`
	ReportFullFraction    float64 `yaml:"report_full_fraction,omitempty"`
	GroupWriteAfterStage bool    `yaml:"group_write_after_stage,omitempty"`
	OwnAfterCommit       bool    `yaml:"own_after_commit,omitempty"`
	ReadonlyAfterCommit  bool    `yaml:"readonly_after_commit,omitempty"`
}

// storeConfig describes one configured Store and the transfer managers it
// exposes (spec §6: add_stores[]).
type storeConfig struct {
	StoreType               string            `yaml:"store_type"`
	Ingestible              bool              `yaml:"ingestible"`
	Capacity                int64             `yaml:"capacity,omitempty"`
	StoreData               storeData         `yaml:"store_data"`
	TransferManagerData     map[string]string `yaml:"transfer_manager_data,omitempty"`
	AsyncTransferManagerData map[string]string `yaml:"asynchronous_transfer_manager_data,omitempty"`
}

func validateStores(stores map[string]storeConfig) error {
	for name, s := range stores {
		if s.StoreType != "local" {
			return fmt.Errorf("store %q: unsupported store_type %q", name, s.StoreType)
		}
		if s.StoreData.StagingPath == "" || s.StoreData.StorePath == "" {
			return fmt.Errorf("store %q: staging_path and store_path are required", name)
		}
		if s.StoreData.ReportFullFraction < 0 || s.StoreData.ReportFullFraction > 1 {
			return fmt.Errorf("store %q: report_full_fraction must be in (0, 1]", name)
		}
	}
	return nil
}
