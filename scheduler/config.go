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
	"time"
)

// taskType names one of the eight background task kinds spec §4.6
// enumerates.
type taskType string

const (
	taskCheckIntegrity     taskType = "check_integrity"
	taskCreateLocalClone   taskType = "create_local_clone"
	taskSendClone          taskType = "send_clone"
	taskConsumeQueue       taskType = "consume_queue"
	taskCheckConsumedQueue taskType = "check_consumed_queue"
	taskReceiveClone       taskType = "receive_clone"
	taskOutgoingHypervisor taskType = "outgoing_transfer_hypervisor"
	taskIncomingHypervisor taskType = "incoming_transfer_hypervisor"
)

// rawTaskConfig is one entry in LIBRARIAN_BACKGROUND_CONFIG's per-type
// array: a name, cadence, and soft timeout. Task-specific parameters are
// decoded separately by each task's own handler, directly from the raw
// JSON entry (spec §4.6).
type rawTaskConfig struct {
	Name        string `json:"name"`
	Every       string `json:"every"`
	SoftTimeout string `json:"soft_timeout"`
}

// taskConfig is a rawTaskConfig with its duration fields parsed and its
// type tag attached.
type taskConfig struct {
	Name        string
	Type        taskType
	Every       time.Duration
	SoftTimeout time.Duration
	Parameters  json.RawMessage
}

// Config is the parsed form of the LIBRARIAN_BACKGROUND_CONFIG document: a
// flat list of task instances spanning every configured task type.
type Config struct {
	Tasks []taskConfig
}

// LoadConfig reads and parses a background-task configuration document
// from the given path (spec §6 LIBRARIAN_BACKGROUND_CONFIG): a JSON object
// mapping each task type name to an array of task instances of that type.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var byType map[taskType][]json.RawMessage
	if err := json.Unmarshal(data, &byType); err != nil {
		return Config{}, fmt.Errorf("parsing background task config: %w", err)
	}

	var cfg Config
	for tt, entries := range byType {
		if !validTaskType(tt) {
			return Config{}, fmt.Errorf("unknown background task type %q", tt)
		}
		for _, raw := range entries {
			var r rawTaskConfig
			if err := json.Unmarshal(raw, &r); err != nil {
				return Config{}, fmt.Errorf("parsing %s task config: %w", tt, err)
			}
			if r.Name == "" {
				return Config{}, fmt.Errorf("%s task config is missing a name", tt)
			}
			every, err := time.ParseDuration(r.Every)
			if err != nil {
				return Config{}, fmt.Errorf("task %q: invalid every duration: %w", r.Name, err)
			}
			softTimeout := every
			if r.SoftTimeout != "" {
				softTimeout, err = time.ParseDuration(r.SoftTimeout)
				if err != nil {
					return Config{}, fmt.Errorf("task %q: invalid soft_timeout duration: %w", r.Name, err)
				}
			}
			cfg.Tasks = append(cfg.Tasks, taskConfig{
				Name:        r.Name,
				Type:        tt,
				Every:       every,
				SoftTimeout: softTimeout,
				Parameters:  raw,
			})
		}
	}
	return cfg, nil
}

func validTaskType(tt taskType) bool {
	switch tt {
	case taskCheckIntegrity, taskCreateLocalClone, taskSendClone, taskConsumeQueue,
		taskCheckConsumedQueue, taskReceiveClone, taskOutgoingHypervisor, taskIncomingHypervisor:
		return true
	default:
		return false
	}
}
