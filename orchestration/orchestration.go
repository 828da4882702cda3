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

// Package orchestration drives the push transfer protocol between
// Librarians: OutgoingTransfer/IncomingTransfer creation, send-queue
// batching, peer callbacks, and the hypervisor ticks that reconcile a
// transfer's recorded state against its transport manager's actual
// progress (spec §4.5).
package orchestration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/peers"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"
)

// Orchestrator holds everything needed to drive one Librarian's side of
// the push protocol: its metadata store, its configured stores, its
// knowledge of peers, and the transfer managers those stores expose.
type Orchestrator struct {
	db       *metadatadb.DB
	stores   *stores.Registry
	peers    *peers.Registry
	managers map[string]transfermgr.Manager // store name -> manager
	selfName string
}

// New constructs an Orchestrator. managers associates each store name with
// the transfer manager it uses to push to peers (spec §4.2's
// TransferManagers tag determines which manager a given Store/peer pair
// resolves to; the scheduler and main wiring choose the concrete manager
// per store at startup).
func New(db *metadatadb.DB, storeReg *stores.Registry, peerReg *peers.Registry, managers map[string]transfermgr.Manager, selfName string) *Orchestrator {
	return &Orchestrator{db: db, stores: storeReg, peers: peerReg, managers: managers, selfName: selfName}
}

// InitiateTransfer creates an OutgoingTransfer record for a File destined
// for a peer and submits it to the source store's transfer manager,
// transitioning INITIATED -> ONGOING immediately on successful submission
// (spec §4.5).
func (o *Orchestrator) InitiateTransfer(fileId uuid.UUID, sourceStore, destinationPeer string, sourcePath, destinationPath string, size int64, hash string) (core.OutgoingTransfer, error) {
	peer, err := o.db.GetPeer(destinationPeer)
	if err != nil {
		return core.OutgoingTransfer{}, err
	}
	if !peer.EnabledForTransfer {
		return core.OutgoingTransfer{}, fmt.Errorf("peer %q is not enabled for transfer", destinationPeer)
	}

	mgr, found := o.managers[sourceStore]
	if !found {
		return core.OutgoingTransfer{}, fmt.Errorf("store %q has no transfer manager configured", sourceStore)
	}

	ot, err := o.db.CreateOutgoingTransfer(core.OutgoingTransfer{
		FileId:          fileId,
		DestinationPeer: destinationPeer,
		SourceStore:     sourceStore,
	})
	if err != nil {
		return core.OutgoingTransfer{}, err
	}

	handle, err := mgr.Submit([]transfermgr.FileTransfer{{
		SourcePath: sourcePath, DestinationPath: destinationPath, Hash: hash, Size: size,
	}}, peer.BaseURL)
	if err != nil {
		_ = o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingFailed, "", err.Error())
		return core.OutgoingTransfer{}, err
	}

	if err := o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingOngoing, handle.String(), ""); err != nil {
		return core.OutgoingTransfer{}, err
	}
	ot.State = core.OutgoingOngoing
	ot.ExternalId = handle.String()
	return ot, nil
}

// ReceiveStageBatch records an IncomingTransfer for a batch a peer has
// pushed to us, honoring the idempotency key derived from (source peer,
// source outgoing id) so a retried callback doesn't duplicate work (spec
// §4.5, §5).
func (o *Orchestrator) ReceiveStageBatch(sourcePeer string, sourceOutgoingId uuid.UUID, expectedName, expectedHash string, expectedSize int64, destinationStore, stagingPath string) (core.IncomingTransfer, error) {
	if existing, err := o.db.GetIncomingTransferByIdempotencyKey(sourcePeer, sourceOutgoingId); err == nil {
		return existing, nil
	}
	return o.db.CreateIncomingTransfer(core.IncomingTransfer{
		ExpectedName:     expectedName,
		ExpectedHash:     expectedHash,
		ExpectedSize:     expectedSize,
		StagingPath:      stagingPath,
		DestinationStore: destinationStore,
		SourcePeer:       sourcePeer,
		SourceOutgoingId: sourceOutgoingId,
	})
}

// SetStaged marks an IncomingTransfer STAGED once its bytes have arrived
// and verified, the destination-side mirror of the source's STAGED state
// (spec §4.5).
func (o *Orchestrator) SetStaged(id uuid.UUID) error {
	return o.db.SetIncomingTransferState(id, core.IncomingStaged, "")
}

// CallbackSucceeded is invoked when a peer reports (via its
// callback_succeeded endpoint) that an OutgoingTransfer we initiated has
// been fully ingested on its end. It completes the corresponding
// OutgoingTransfer and records a RemoteInstance. A peer may deliver this
// callback more than once for the same transfer (retry after a dropped
// response, or a race with the hypervisor's own reconciliation of the same
// outcome), so an already-COMPLETED transfer short-circuits to success
// instead of re-running the transition and duplicating the RemoteInstance.
func (o *Orchestrator) CallbackSucceeded(outgoingId uuid.UUID, peerName string) error {
	ot, err := o.db.GetOutgoingTransfer(outgoingId)
	if err != nil {
		return err
	}
	if ot.State == core.OutgoingCompleted {
		return nil
	}
	if err := o.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingCompleted, ot.ExternalId, ""); err != nil {
		return err
	}
	return o.db.CreateRemoteInstance(core.RemoteInstance{
		FileId:   ot.FileId,
		PeerName: peerName,
		CopiedAt: time.Now().UTC(),
	})
}
