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
	"time"

	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"
)

// checkIntegrityParams configures the check_integrity task (spec §4.6).
type checkIntegrityParams struct {
	AgeInDays int    `json:"age_in_days"`
	Store     string `json:"store"`
}

// runCheckIntegrity re-hashes every File created within AgeInDays that has
// an Instance on Store, marking the Instance unavailable and logging a
// critical ErrorLog on any hash mismatch.
func (s *Scheduler) runCheckIntegrity(raw json.RawMessage) (string, error) {
	var p checkIntegrityParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	store, err := s.stores.Get(p.Store)
	if err != nil {
		return "", err
	}
	onDisk, err := store.Enumerate()
	if err != nil {
		return "", err
	}
	hashByPath := make(map[string]string, len(onDisk))
	for _, e := range onDisk {
		hashByPath[e.Path] = e.Hash
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -p.AgeInDays)
	files, err := s.db.SearchFiles([]metadatadb.Filter{
		{Column: "created_at", Op: metadatadb.FilterGreaterEq, Value: cutoff.Format(time.RFC3339Nano)},
	}, 0)
	if err != nil {
		return "", err
	}

	checked, mismatched := 0, 0
	for _, f := range files {
		instances, err := s.db.InstancesOfFile(f.Id)
		if err != nil {
			return "", err
		}
		for _, inst := range instances {
			if inst.StoreName != p.Store {
				continue
			}
			checked++
			actual, found := hashByPath[inst.Path]
			if !found || actual != f.Hash {
				mismatched++
				if _, err := s.db.LogError(core.SeverityCritical, core.CategoryStore,
					fmt.Sprintf("integrity check failed for file %q instance %s on store %s", f.Name, inst.Id, p.Store)); err != nil {
					return "", err
				}
				if err := s.db.SetAvailability(inst.Id, core.InstanceUnavailable); err != nil {
					return "", err
				}
			}
		}
	}
	return fmt.Sprintf("checked %d instances, %d mismatched", checked, mismatched), nil
}

// createLocalCloneParams configures the create_local_clone task (spec
// §4.6).
type createLocalCloneParams struct {
	CloneFrom          string   `json:"clone_from"`
	CloneTo            []string `json:"clone_to"`
	FilesPerRun        int      `json:"files_per_run"`
	AgeInDays          int      `json:"age_in_days"`
	DisableStoreOnFull bool     `json:"disable_store_on_full"`
}

// runCreateLocalClone copies eligible Files from CloneFrom onto the first
// non-full store in CloneTo, disabling stores that fill up when configured
// to do so.
func (s *Scheduler) runCreateLocalClone(raw json.RawMessage) (string, error) {
	var p createLocalCloneParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	mgr, found := s.cloneManagers[p.CloneFrom]
	if !found {
		return "", fmt.Errorf("no clone transfer manager configured for source store %q", p.CloneFrom)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -p.AgeInDays)
	files, err := s.db.SearchFiles([]metadatadb.Filter{
		{Column: "created_at", Op: metadatadb.FilterGreaterEq, Value: cutoff.Format(time.RFC3339Nano)},
	}, 0)
	if err != nil {
		return "", err
	}

	cloned, disabled := 0, 0
	for _, f := range files {
		if cloned >= p.FilesPerRun && p.FilesPerRun > 0 {
			break
		}
		instances, err := s.db.InstancesOfFile(f.Id)
		if err != nil {
			return "", err
		}
		sourcePath, onCloneTo := "", false
		for _, inst := range instances {
			if inst.StoreName == p.CloneFrom {
				sourcePath = inst.Path
			}
			for _, dest := range p.CloneTo {
				if inst.StoreName == dest {
					onCloneTo = true
				}
			}
		}
		if sourcePath == "" || onCloneTo {
			continue
		}

		destName, destStore, justDisabled, err := s.firstAvailableCloneDestination(p.CloneTo, f.Size, p.DisableStoreOnFull)
		if err != nil {
			return "", err
		}
		disabled += justDisabled
		if destStore == nil {
			continue // every destination is full
		}

		handle, err := mgr.Submit([]transfermgr.FileTransfer{{
			SourcePath: sourcePath, DestinationPath: f.Name, Hash: f.Hash, Size: f.Size,
		}}, destStore.Root())
		if err != nil {
			return "", err
		}
		status, err := mgr.Poll(handle)
		if err != nil {
			return "", err
		}
		if status.Code != transfermgr.StatusSucceeded {
			if _, err := s.db.LogError(core.SeverityWarning, core.CategoryStore,
				fmt.Sprintf("local clone of file %q to store %q failed: %s", f.Name, destName, status.ErrorText)); err != nil {
				return "", err
			}
			continue
		}
		if _, err := s.db.CreateInstance(core.Instance{
			Id: uuid.New(), FileId: f.Id, StoreName: destName, Path: f.Name,
		}, f.Size); err != nil {
			return "", err
		}
		cloned++
	}
	return fmt.Sprintf("cloned %d files, disabled %d stores", cloned, disabled), nil
}

// firstAvailableCloneDestination returns the name and handle of the first
// store in candidates that can accept a clone of the given size, disabling
// (and skipping past) full stores along the way when disableOnFull is set.
// Once every candidate is exhausted it returns a nil store along with the
// number of stores it disabled on the way.
func (s *Scheduler) firstAvailableCloneDestination(candidates []string, size int64, disableOnFull bool) (string, *stores.LocalStore, int, error) {
	disabled := 0
	for _, name := range candidates {
		rec, err := s.db.GetStore(name)
		if err != nil {
			return "", nil, 0, err
		}
		if rec.CanAcceptClone(size) {
			store, err := s.stores.Get(name)
			if err != nil {
				return "", nil, 0, err
			}
			return name, store, disabled, nil
		}
		if disableOnFull && rec.Enabled {
			enabled := false
			if err := s.db.SetStoreState(name, &enabled, nil); err != nil {
				return "", nil, 0, err
			}
			disabled++
		}
	}
	return "", nil, disabled, nil
}

// sendCloneParams configures the send_clone task (spec §4.5, §4.6).
type sendCloneParams struct {
	DestinationLibrarian string   `json:"destination_librarian"`
	AgeInDays            int      `json:"age_in_days"`
	StorePreference      []string `json:"store_preference"`
	SendBatchSize        int      `json:"send_batch_size"`
}

// runSendClone enqueues a SendQueueItem batching up to SendBatchSize
// eligible Files for push to DestinationLibrarian, preferring the first
// store in StorePreference that holds each file.
func (s *Scheduler) runSendClone(raw json.RawMessage) (string, error) {
	var p sendCloneParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.AgeInDays)
	files, err := s.db.SearchFiles([]metadatadb.Filter{
		{Column: "created_at", Op: metadatadb.FilterGreaterEq, Value: cutoff.Format(time.RFC3339Nano)},
	}, 0)
	if err != nil {
		return "", err
	}

	var paths []core.SendPathPair
	var outgoingIds []uuid.UUID
	var sourceStore string
	for _, f := range files {
		if len(paths) >= p.SendBatchSize && p.SendBatchSize > 0 {
			break
		}
		if already, err := s.db.HasRemoteInstance(f.Id, p.DestinationLibrarian); err != nil {
			return "", err
		} else if already {
			continue
		}
		instances, err := s.db.InstancesOfFile(f.Id)
		if err != nil {
			return "", err
		}
		var path, store string
		for _, pref := range p.StorePreference {
			for _, inst := range instances {
				if inst.StoreName == pref {
					path, store = inst.Path, inst.StoreName
				}
			}
			if path != "" {
				break
			}
		}
		if path == "" {
			continue
		}
		if sourceStore == "" {
			sourceStore = store
		} else if sourceStore != store {
			continue // keep one batch on a single store's transfer manager
		}

		ot, err := s.db.CreateOutgoingTransfer(core.OutgoingTransfer{
			FileId: f.Id, DestinationPeer: p.DestinationLibrarian, SourceStore: store,
		})
		if err != nil {
			return "", err
		}
		paths = append(paths, core.SendPathPair{SourcePath: path, DestinationPath: f.Name})
		outgoingIds = append(outgoingIds, ot.Id)
	}
	if len(paths) == 0 {
		return "nothing eligible to send", nil
	}

	if _, err := s.db.EnqueueSendQueueItem(core.SendQueueItem{
		DestinationPeer:     p.DestinationLibrarian,
		DestinationEndpoint: sourceStore,
		Paths:               paths,
		OutgoingTransferIds: outgoingIds,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("queued %d files for %s", len(paths), p.DestinationLibrarian), nil
}

// runConsumeQueue submits queued SendQueueItems to their transport,
// respecting the caller's cap on concurrently live transfer handles.
func (s *Scheduler) runConsumeQueue(raw json.RawMessage) (string, error) {
	var p struct {
		MaxLiveHandles int `json:"max_live_handles"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	limit := p.MaxLiveHandles
	if limit <= 0 {
		limit = 100
	}
	submitted, err := s.orch.ConsumeSendQueue(limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("submitted %d send queue items", submitted), nil
}

// runCheckConsumedQueue polls submitted SendQueueItems for completion.
func (s *Scheduler) runCheckConsumedQueue(raw json.RawMessage) (string, error) {
	finished, err := s.orch.CheckConsumedQueue()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("finished %d send queue items", finished), nil
}

// receiveCloneParams configures the receive_clone task (spec §4.5, §4.6).
type receiveCloneParams struct {
	DeletionPolicy string `json:"deletion_policy"`
	FilesPerRun    int    `json:"files_per_run"`
}

// runReceiveClone commits every STAGED IncomingTransfer's bytes into its
// destination store and completes the transfer, up to FilesPerRun per tick.
func (s *Scheduler) runReceiveClone(raw json.RawMessage) (string, error) {
	var p receiveCloneParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	policy := core.DeletionAllowed
	if p.DeletionPolicy == "DISALLOWED" {
		policy = core.DeletionDisallowed
	}

	staged, err := s.db.IncomingTransfersInState(core.IncomingStaged)
	if err != nil {
		return "", err
	}

	ingested := 0
	for _, it := range staged {
		if ingested >= p.FilesPerRun && p.FilesPerRun > 0 {
			break
		}
		if err := s.db.SetIncomingTransferState(it.Id, core.IncomingIngesting, ""); err != nil {
			return "", err
		}
		_, err := s.files.IngestStaged(it.DestinationStore, it.ExpectedName, it.ExpectedSize, it.ExpectedHash, it.StagingPath, policy)
		if err != nil {
			_ = s.db.SetIncomingTransferState(it.Id, core.IncomingFailed, err.Error())
			if _, logErr := s.db.LogError(core.SeverityError, core.CategoryStore,
				fmt.Sprintf("receive_clone: ingesting %q failed: %v", it.ExpectedName, err)); logErr != nil {
				return "", logErr
			}
			continue
		}
		if err := s.db.SetIncomingTransferState(it.Id, core.IncomingCompleted, ""); err != nil {
			return "", err
		}
		ingested++
	}
	return fmt.Sprintf("ingested %d incoming transfers", ingested), nil
}

// hypervisorParams configures the *_hypervisor tasks (spec §4.5, §4.6).
type hypervisorParams struct {
	AgeInDays int `json:"age_in_days"`
}

func (s *Scheduler) runOutgoingHypervisor(raw json.RawMessage) (string, error) {
	var p hypervisorParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.AgeInDays)
	moved, err := s.orch.OutgoingHypervisorTick(cutoff)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reconciled %d outgoing transfers", moved), nil
}

func (s *Scheduler) runIncomingHypervisor(raw json.RawMessage) (string, error) {
	var p hypervisorParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.AgeInDays)
	failed, err := s.orch.IncomingHypervisorTick(cutoff)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("failed %d stale incoming transfers", failed), nil
}
