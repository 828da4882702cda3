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

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/core"
)

// registerPeerEndpoints wires up the surface other Librarians call into
// (spec §6): ping, stage_batch, set_staged, callback_succeeded,
// query_incoming, and ingest_store_manifest. Every handler identifies its
// caller through the Bearer-authenticated peer name the auth middleware
// attached to the request context, not through any field in the request
// body -- a peer can't claim to be a different peer just by naming one.
func (s *Server) registerPeerEndpoints(api huma.API) {
	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "ping",
		Method:      http.MethodGet,
		Path:        "/v1/ping",
		Summary:     "Report this instance's federation-visible identity",
	}, core.AuthNone), s.handlePing)

	// stage_batch and query_incoming are mounted at the bare resource names
	// transfermgr.AsyncManager's post/get helpers build URLs with
	// ("%s/%s", baseURL, resource)/("%s/query_incoming?batch_id=...") rather
	// than under /v1/peer/, so a peer's BaseURL need only be its bare
	// "scheme://host:port" for the two sides to agree on a path.
	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "stage-batch",
		Method:      http.MethodPost,
		Path:        "/stage_batch",
		Summary:     "Accept a batch of files a peer is about to push",
	}, core.AuthReadAppend), s.handleStageBatch)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "set-staged",
		Method:      http.MethodPost,
		Path:        "/v1/peer/set_staged",
		Summary:     "Mark previously staged outgoing transfers as STAGED on this side",
	}, core.AuthReadAppend), s.handleSetStaged)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "callback-succeeded",
		Method:      http.MethodPost,
		Path:        "/v1/peer/callback_succeeded",
		Summary:     "Report that a pushed transfer was fully ingested",
	}, core.AuthCallback), s.handleCallbackSucceeded)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "query-incoming",
		Method:      http.MethodGet,
		Path:        "/query_incoming",
		Summary:     "Report the aggregate progress of a previously submitted batch",
	}, core.AuthCallback), s.handleQueryIncoming)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "ingest-store-manifest",
		Method:      http.MethodPost,
		Path:        "/v1/peer/ingest_store_manifest",
		Summary:     "Register Files/Instances for items physically present on a store (SneakerNet)",
	}, core.AuthReadAppend), s.handleIngestStoreManifest)
}

type pingOutput struct {
	Body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
}

func (s *Server) handlePing(ctx context.Context, in *struct{}) (*pingOutput, error) {
	out := &pingOutput{}
	out.Body.Name = s.Name
	out.Body.Description = "librarian federated data archive instance"
	return out, nil
}

type stageBatchFile struct {
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Hash            string `json:"hash"`
	Size            int64  `json:"size"`
}

type stageBatchInput struct {
	Body struct {
		Files []stageBatchFile `json:"files"`
	}
}

type stageBatchOutput struct {
	Body struct {
		BatchId string `json:"batch_id"`
	}
}

// handleStageBatch accepts a peer's full per-file manifest for an upcoming
// push in one call -- transfermgr.AsyncManager.Submit sends every file's
// metadata up front rather than negotiating a slot count first. Each file
// becomes its own IncomingTransfer; since the wire format carries no
// per-file outgoing-transfer id from the source, the idempotency key
// SetStaged/query_incoming rely on elsewhere is derived here instead, as a
// version-5 UUID of the calling peer's name and the file's destination
// path, so a retried stage_batch with the same files is a no-op rather
// than a duplicate (spec §5's idempotency-key requirement, adapted to a
// wire format with no explicit key). The batch id returned to the caller
// is simply the comma-joined list of the created transfers' ids, letting
// query_incoming resolve it back to exactly this file set without a
// separate batches table.
func (s *Server) handleStageBatch(ctx context.Context, in *stageBatchInput) (*stageBatchOutput, error) {
	if len(in.Body.Files) == 0 {
		return nil, huma.Error422UnprocessableEntity("files must not be empty")
	}
	peerName, _ := callingPeerFromContext(ctx)

	stores, err := s.db.ListStores()
	if err != nil {
		return nil, domainErr(err)
	}
	var storeName string
	for _, st := range stores {
		if st.Enabled && st.Ingestible && st.Available {
			storeName = st.Name
			break
		}
	}
	if storeName == "" {
		return nil, huma.Error500InternalServerError("no ingestible store is configured")
	}
	store, err := s.stores.Get(storeName)
	if err != nil {
		return nil, domainErr(err)
	}

	ids := make([]string, 0, len(in.Body.Files))
	for _, f := range in.Body.Files {
		sourceOutgoingId := uuid.NewSHA1(uuid.Nil, []byte(peerName+":"+f.DestinationPath))
		stagingPath := store.StagingRoot() + "/" + f.DestinationPath
		incoming, err := s.orch.ReceiveStageBatch(peerName, sourceOutgoingId, f.DestinationPath, f.Hash, f.Size, storeName, stagingPath)
		if err != nil {
			return nil, domainErr(err)
		}
		ids = append(ids, incoming.Id.String())
	}

	out := &stageBatchOutput{}
	out.Body.BatchId = strings.Join(ids, ",")
	return out, nil
}

type setStagedInput struct {
	Body struct {
		OutgoingIds []string `json:"outgoing_ids"`
	}
}

type setStagedOutput struct {
	Body struct {
		Ok bool `json:"ok"`
	}
}

// handleSetStaged is called by the source side of a push once its
// transport reports SUCCEEDED. outgoing_ids are the source's own
// OutgoingTransfer ids; we look up the matching IncomingTransfer by the
// (caller, source_outgoing_id) idempotency key and mark it STAGED (spec
// §4.5).
func (s *Server) handleSetStaged(ctx context.Context, in *setStagedInput) (*setStagedOutput, error) {
	peerName, _ := callingPeerFromContext(ctx)

	for _, raw := range in.Body.OutgoingIds {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("invalid outgoing id: %s", raw))
		}
		incoming, err := s.db.GetIncomingTransferByIdempotencyKey(peerName, id)
		if err != nil {
			return nil, domainErr(err)
		}
		if err := s.orch.SetStaged(incoming.Id); err != nil {
			return nil, domainErr(err)
		}
	}
	out := &setStagedOutput{}
	out.Body.Ok = true
	return out, nil
}

type callbackSucceededInput struct {
	Body struct {
		OutgoingId   string `json:"outgoing_id"`
		InstanceInfo string `json:"instance_info,omitempty"`
	}
}

type callbackSucceededOutput struct {
	Body struct {
		Ok bool `json:"ok"`
	}
}

func (s *Server) handleCallbackSucceeded(ctx context.Context, in *callbackSucceededInput) (*callbackSucceededOutput, error) {
	peerName, _ := callingPeerFromContext(ctx)

	id, err := uuid.Parse(in.Body.OutgoingId)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("invalid outgoing id: %s", in.Body.OutgoingId))
	}
	if err := s.orch.CallbackSucceeded(id, peerName); err != nil {
		return nil, domainErr(err)
	}
	out := &callbackSucceededOutput{}
	out.Body.Ok = true
	return out, nil
}

type queryIncomingInput struct {
	BatchId string `query:"batch_id"`
}

type queryIncomingOutput struct {
	Body struct {
		State               string `json:"state"`
		NumFiles             int    `json:"num_files"`
		NumFilesTransferred  int    `json:"num_files_transferred"`
		ErrorText            string `json:"error_text,omitempty"`
	}
}

// handleQueryIncoming reports the aggregate progress of a batch previously
// accepted by stage_batch, whose id is the comma-joined list of its member
// IncomingTransfer ids (see handleStageBatch). The reported State mirrors
// core.IncomingTransferState rather than collapsing to a three-way
// succeeded/failed/active split: the outgoing hypervisor's STAGED-row
// resolution (spec §4.5) needs to tell STAGED/INGESTING apart from a
// forgotten batch, which a coarser report couldn't express. An unknown
// first id 404s via domainErr -- stage_batch always mints every member id
// in the same request, so a caller holding a stale batch_id sees its first
// lookup fail the same way the rest would.
func (s *Server) handleQueryIncoming(ctx context.Context, in *queryIncomingInput) (*queryIncomingOutput, error) {
	if in.BatchId == "" {
		return nil, huma.Error422UnprocessableEntity("batch_id is required")
	}
	rawIds := strings.Split(in.BatchId, ",")

	out := &queryIncomingOutput{}
	out.Body.NumFiles = len(rawIds)
	var completed, ingesting, staged, failed int
	for _, raw := range rawIds {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("invalid batch_id: %s", in.BatchId))
		}
		incoming, err := s.db.GetIncomingTransfer(id)
		if err != nil {
			return nil, domainErr(err)
		}
		switch incoming.State {
		case core.IncomingCompleted:
			completed++
		case core.IncomingIngesting:
			ingesting++
		case core.IncomingStaged:
			staged++
		case core.IncomingFailed:
			failed++
			if out.Body.ErrorText == "" {
				out.Body.ErrorText = incoming.ErrorText
			}
		}
	}
	out.Body.NumFilesTransferred = completed
	switch {
	case failed > 0:
		out.Body.State = "FAILED"
	case completed == len(rawIds):
		out.Body.State = "COMPLETED"
	case ingesting > 0:
		out.Body.State = "INGESTING"
	case staged > 0:
		out.Body.State = "STAGED"
	default:
		out.Body.State = "INITIATED"
	}
	return out, nil
}

// storeManifest is the on-device SneakerNet format (spec §6): a versioned
// list of items physically present on a store's media, exchanged between
// get_store_manifest and ingest_store_manifest.
type storeManifest struct {
	Version             int                 `json:"version"`
	Items               []storeManifestItem `json:"items"`
	SourceLibrarian      string              `json:"source_librarian,omitempty"`
	DestinationLibrarian string              `json:"destination_librarian,omitempty"`
	GeneratedAt          string              `json:"generated_at,omitempty"`
}

type storeManifestItem struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	RelativePath string `json:"relative_path"`
}

type ingestStoreManifestInput struct {
	Body struct {
		Store    string        `json:"store"`
		Manifest storeManifest `json:"manifest"`
	}
}

type ingestStoreManifestOutput struct {
	Body struct {
		Ingested int `json:"ingested"`
		Rejected int `json:"rejected"`
	}
}

// handleIngestStoreManifest registers a File and Instance for every
// manifest item whose bytes are already present on disk (the manifest
// travels with a swapped physical drive; nothing is streamed over HTTP
// here). A re-delivered item with a matching hash is a no-op success
// (CreateFile's own idempotency); a name collision with a different hash
// is rejected and counted, not fatal to the rest of the batch (spec §8
// partial-failure semantics).
func (s *Server) handleIngestStoreManifest(ctx context.Context, in *ingestStoreManifestInput) (*ingestStoreManifestOutput, error) {
	out := &ingestStoreManifestOutput{}
	for _, item := range in.Body.Manifest.Items {
		f, err := s.db.CreateFile(core.File{
			Name:      item.Name,
			Size:      item.Size,
			Hash:      item.Hash,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			out.Body.Rejected++
			continue
		}
		if _, err := s.db.CreateInstance(core.Instance{
			Id:             uuid.New(),
			FileId:         f.Id,
			StoreName:      in.Body.Store,
			Path:           item.RelativePath,
			DeletionPolicy: core.DeletionAllowed,
		}, item.Size); err != nil {
			out.Body.Rejected++
			continue
		}
		out.Body.Ingested++
	}
	return out, nil
}
