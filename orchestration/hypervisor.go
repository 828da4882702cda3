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

package orchestration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/transfermgr"
)

// OutgoingHypervisorTick reconciles every ONGOING or STAGED OutgoingTransfer
// older than olderThan against the peer's actual progress, applying the
// outgoing_transfer_hypervisor resolution matrix (spec §4.5): ONGOING
// transfers are checked against their transport's own progress, while
// STAGED transfers are checked against the destination peer's
// IncomingTransfer state directly, repairing a lost callback_succeeded
// (spec §8 scenario 4). It returns the number of transfers it moved out of
// their prior state.
func (o *Orchestrator) OutgoingHypervisorTick(olderThan time.Time) (int, error) {
	pending, err := o.db.OutgoingTransfersInStates([]core.OutgoingTransferState{core.OutgoingOngoing, core.OutgoingStaged}, olderThan)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, ot := range pending {
		var reconcileErr error
		if ot.State == core.OutgoingStaged {
			reconcileErr = o.reconcileStaged(ot)
		} else {
			reconcileErr = o.reconcileOutgoing(ot)
		}
		if reconcileErr != nil {
			_, _ = o.db.LogError(core.SeverityError, core.CategoryTransport, fmt.Sprintf("outgoing transfer %s: %v", ot.Id, reconcileErr))
			continue
		}
		if after, err := o.db.GetOutgoingTransfer(ot.Id); err == nil && after.State != ot.State {
			moved++
		}
	}
	return moved, nil
}

// reconcileOutgoing applies the ONGOING row of the resolution matrix: poll
// the transport, and on SUCCEEDED/FAILED move the transfer forward; an
// unrecognized handle (the peer has forgotten the batch entirely) fails
// the transfer outright rather than leaving it stuck.
func (o *Orchestrator) reconcileOutgoing(ot core.OutgoingTransfer) error {
	mgr, found := o.managers[ot.SourceStore]
	if !found {
		return fmt.Errorf("store %q has no transfer manager configured", ot.SourceStore)
	}
	handle, err := uuid.Parse(ot.ExternalId)
	if err != nil {
		return fmt.Errorf("outgoing transfer %s has no valid transfer handle: %w", ot.Id, err)
	}
	status, err := mgr.Poll(handle)
	if err != nil {
		return o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingFailed, ot.ExternalId, err.Error())
	}
	switch status.Code {
	case transfermgr.StatusSucceeded:
		return o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingStaged, ot.ExternalId, "")
	case transfermgr.StatusFailed:
		return o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingFailed, ot.ExternalId, status.ErrorText)
	case transfermgr.StatusUnknown:
		return o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingFailed, ot.ExternalId, "peer no longer recognizes this transfer")
	default:
		return nil // still ACTIVE; leave it ONGOING
	}
}

// reconcileStaged applies the STAGED row of the resolution matrix: ask the
// destination peer directly for the corresponding IncomingTransfer's state.
// COMPLETED means the peer finished ingesting and its callback_succeeded
// never arrived (or arrived and this is a harmless re-check) -- either way
// CallbackSucceeded is idempotent, so driving it from here is safe. STAGED
// or INGESTING means the peer is still working; leave it for the next
// tick. An unrecognized batch means the peer has no record of it at all,
// which only happens if its own bookkeeping was lost -- fail the transfer
// so an operator can re-initiate it.
func (o *Orchestrator) reconcileStaged(ot core.OutgoingTransfer) error {
	mgr, found := o.managers[ot.SourceStore]
	if !found {
		return fmt.Errorf("store %q has no transfer manager configured", ot.SourceStore)
	}
	querier, ok := mgr.(transfermgr.RemoteStateQuerier)
	if !ok {
		return nil // this manager has no peer to query (e.g. a local clone); leave it
	}
	handle, err := uuid.Parse(ot.ExternalId)
	if err != nil {
		return fmt.Errorf("outgoing transfer %s has no valid transfer handle: %w", ot.Id, err)
	}
	state, err := querier.QueryRemoteState(handle)
	if err != nil {
		return err
	}
	switch state {
	case "COMPLETED":
		return o.CallbackSucceeded(ot.Id, ot.DestinationPeer)
	case "STAGED", "INGESTING":
		return nil // leave it; the next tick will check again
	case "":
		return o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingFailed, ot.ExternalId, "peer no longer recognizes this transfer")
	default:
		return nil
	}
}

// ConsumeSendQueue submits up to limit QUEUED SendQueueItems to their
// destination peer's transfer manager, transitioning each item's
// OutgoingTransfers to ONGOING as it goes (spec §4.5 consume_queue). It
// enforces the caller's cap on concurrently live transfer handles.
func (o *Orchestrator) ConsumeSendQueue(limit int) (int, error) {
	items, err := o.db.QueuedSendQueueItems(limit)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, item := range items {
		if err := o.consumeSendQueueItem(item); err != nil {
			_, _ = o.db.LogError(core.SeverityError, core.CategoryTransport, fmt.Sprintf("send queue item %s: %v", item.Id, err))
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (o *Orchestrator) consumeSendQueueItem(item core.SendQueueItem) error {
	peer, err := o.db.GetPeer(item.DestinationPeer)
	if err != nil {
		return err
	}
	mgr, found := o.managers[item.DestinationEndpoint]
	if !found {
		return fmt.Errorf("store %q has no transfer manager configured", item.DestinationEndpoint)
	}
	if len(item.Paths) != len(item.OutgoingTransferIds) {
		return fmt.Errorf("send queue item %s has mismatched paths/transfer-id counts", item.Id)
	}

	files := make([]transfermgr.FileTransfer, len(item.Paths))
	for i, pair := range item.Paths {
		ot, err := o.db.GetOutgoingTransfer(item.OutgoingTransferIds[i])
		if err != nil {
			return err
		}
		f, err := o.db.GetFile(ot.FileId)
		if err != nil {
			return err
		}
		files[i] = transfermgr.FileTransfer{
			SourcePath:      pair.SourcePath,
			DestinationPath: pair.DestinationPath,
			Hash:            f.Hash,
			Size:            f.Size,
		}
	}

	handle, err := mgr.Submit(files, peer.BaseURL)
	if err != nil {
		return err
	}
	if err := o.db.MarkSendQueueItemSubmitted(item.Id, handle.String()); err != nil {
		return err
	}
	for _, id := range item.OutgoingTransferIds {
		if err := o.db.TransitionOutgoingTransfer(id, core.OutgoingOngoing, handle.String(), ""); err != nil {
			return err
		}
	}
	return nil
}

// CheckConsumedQueue polls every SUBMITTED SendQueueItem's transfer manager
// and, once its transport finishes, transitions its OutgoingTransfers to
// STAGED or FAILED and marks the item DONE (spec §4.5
// check_consumed_queue).
func (o *Orchestrator) CheckConsumedQueue() (int, error) {
	items, err := o.db.SubmittedSendQueueItems()
	if err != nil {
		return 0, err
	}
	finished := 0
	for _, item := range items {
		done, err := o.checkConsumedQueueItem(item)
		if err != nil {
			_, _ = o.db.LogError(core.SeverityError, core.CategoryTransport, fmt.Sprintf("send queue item %s: %v", item.Id, err))
			continue
		}
		if done {
			finished++
		}
	}
	return finished, nil
}

func (o *Orchestrator) checkConsumedQueueItem(item core.SendQueueItem) (bool, error) {
	mgr, found := o.managers[item.DestinationEndpoint]
	if !found {
		return false, fmt.Errorf("store %q has no transfer manager configured", item.DestinationEndpoint)
	}
	handle, err := uuid.Parse(item.ExternalHandle)
	if err != nil {
		return false, fmt.Errorf("send queue item %s has no valid transfer handle: %w", item.Id, err)
	}
	status, err := mgr.Poll(handle)
	if err != nil {
		return false, err
	}
	switch status.Code {
	case transfermgr.StatusSucceeded:
		for _, id := range item.OutgoingTransferIds {
			if err := o.db.TransitionOutgoingTransfer(id, core.OutgoingStaged, item.ExternalHandle, ""); err != nil {
				return false, err
			}
		}
	case transfermgr.StatusFailed:
		for _, id := range item.OutgoingTransferIds {
			if err := o.db.TransitionOutgoingTransfer(id, core.OutgoingFailed, item.ExternalHandle, status.ErrorText); err != nil {
				return false, err
			}
		}
	default:
		return false, nil // still ACTIVE
	}
	if err := o.db.MarkSendQueueItemDone(item.Id); err != nil {
		return false, err
	}
	return true, nil
}

// IncomingHypervisorTick fails any IncomingTransfer that has sat in
// INITIATED past olderThan without its bytes arriving -- a peer that
// announced a stage_batch but never actually pushed the file (spec §4.5
// incoming_transfer_hypervisor).
func (o *Orchestrator) IncomingHypervisorTick(olderThan time.Time) (int, error) {
	stale, err := o.db.IncomingTransfersInState(core.IncomingInitiated)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, it := range stale {
		if it.UpdatedAt.After(olderThan) {
			continue
		}
		if err := o.db.SetIncomingTransferState(it.Id, core.IncomingFailed, "timed out waiting for staged bytes"); err != nil {
			_, _ = o.db.LogError(core.SeverityError, core.CategoryTransport, fmt.Sprintf("incoming transfer %s: %v", it.Id, err))
			continue
		}
		failed++
	}
	return failed, nil
}
