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
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
)

// registerFileEndpoints wires up the ingest/lookup surface local clients
// use (spec §6): search_files, locate_file, validate_file, and
// delete_instance through huma, and upload as a plain streaming handler
// registered directly on the underlying router (huma's JSON body binding
// isn't a fit for a request whose body is raw file content, not JSON --
// see the upload doc comment below).
func (s *Server) registerFileEndpoints(api huma.API) {
	s.router.HandleFunc("/v1/upload", s.handleUpload).Methods(http.MethodPost)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "search-files",
		Method:      http.MethodGet,
		Path:        "/v1/files",
		Summary:     "Search for Files matching a flat, AND-combined filter set",
	}, core.AuthReadOnly), s.handleSearchFiles)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "locate-file",
		Method:      http.MethodGet,
		Path:        "/v1/files/{name}/instances",
		Summary:     "List every known local and remote Instance of a named File",
	}, core.AuthReadOnly), s.handleLocateFile)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "validate-file",
		Method:      http.MethodGet,
		Path:        "/v1/files/{name}/validate",
		Summary:     "Re-hash a named File's local instances and report mismatches",
	}, core.AuthReadAppend), s.handleValidateFile)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "delete-instance",
		Method:      http.MethodDelete,
		Path:        "/v1/instances/{id}",
		Summary:     "Delete one Instance of a File, honoring its DeletionPolicy",
	}, core.AuthReadWrite), s.handleDeleteInstance)
}

// handleUpload streams a client's upload directly into the named store,
// reading declared metadata from the query string so the request body can
// carry nothing but file bytes -- the same separation of metadata from
// payload the store's own Stage/StagePath/Commit handshake already uses.
// source_path_on_client is not stored anywhere; it is only echoed back in
// the response so an uploader's own bookkeeping round-trips for
// client-side correlation, per spec §6's upload parameter list.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, _, identifiedPeer, err := s.resolveCaller(r.Header.Get("Authorization"))
	level := user.Level
	if identifiedPeer {
		level = core.AuthCallback
	}
	if err != nil || !level.Satisfies(core.AuthReadAppend) {
		writeJSONError(w, http.StatusUnauthorized, "insufficient authorization level")
		return
	}

	q := r.URL.Query()
	name := q.Get("name")
	hash := q.Get("hash")
	destinationHint := q.Get("destination_hint")
	size, err := strconv.ParseInt(q.Get("size"), 10, 64)
	if name == "" || hash == "" || err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "name, size, and hash are required")
		return
	}
	if config.Service.MaximalUploadSizeBytes > 0 && size > config.Service.MaximalUploadSizeBytes {
		writeJSONError(w, http.StatusUnprocessableEntity, "declared size exceeds maximal_upload_size_bytes")
		return
	}

	storeName := destinationHint
	if storeName == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "destination_hint is required")
		return
	}
	store, err := s.db.GetStore(storeName)
	if err != nil {
		status, msg := domainStatus(err)
		writeJSONError(w, status, msg)
		return
	}
	if !store.CanAcceptUpload(size) {
		writeJSONError(w, storeFullStatus, storeFullMessage(storeName))
		return
	}

	body := http.MaxBytesReader(w, r.Body, size)
	result, err := s.files.Upload(storeName, name, size, hash, user.Name, body)
	if err != nil {
		status, msg := domainStatus(err)
		writeJSONError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		FileId              uuid.UUID `json:"file_id"`
		InstanceId           uuid.UUID `json:"instance_id"`
		Path                 string    `json:"path"`
		SourcePathOnClient   string    `json:"source_path_on_client,omitempty"`
	}{
		FileId:             result.File.Id,
		InstanceId:         result.Instance.Id,
		Path:               result.Instance.Path,
		SourcePathOnClient: q.Get("source_path_on_client"),
	})
}

type searchFilesInput struct {
	Name             string `query:"name"`
	SizeLE           int64  `query:"size_le"`
	Hash             string `query:"hash"`
	CreatedAfter     string `query:"created_after"`
	UploaderIdentity string `query:"uploader_identity"`
	ObservationGroup string `query:"observation_group"`
	SessionGroup     string `query:"session_group"`
	Limit            int    `query:"limit"`
}

type searchFilesOutput struct {
	Body struct {
		Files []core.File `json:"files"`
	}
}

func (s *Server) handleSearchFiles(ctx context.Context, in *searchFilesInput) (*searchFilesOutput, error) {
	var filters []metadatadb.Filter
	if in.Name != "" {
		filters = append(filters, metadatadb.Filter{Column: "name", Op: metadatadb.FilterLike, Value: in.Name})
	}
	if in.SizeLE > 0 {
		filters = append(filters, metadatadb.Filter{Column: "size", Op: metadatadb.FilterLessEqual, Value: in.SizeLE})
	}
	if in.Hash != "" {
		filters = append(filters, metadatadb.Filter{Column: "hash", Op: metadatadb.FilterEqual, Value: in.Hash})
	}
	if in.CreatedAfter != "" {
		filters = append(filters, metadatadb.Filter{Column: "created_at", Op: metadatadb.FilterGreaterEq, Value: in.CreatedAfter})
	}
	if in.UploaderIdentity != "" {
		filters = append(filters, metadatadb.Filter{Column: "uploader_identity", Op: metadatadb.FilterEqual, Value: in.UploaderIdentity})
	}
	if in.ObservationGroup != "" {
		filters = append(filters, metadatadb.Filter{Column: "observation_group", Op: metadatadb.FilterEqual, Value: in.ObservationGroup})
	}
	if in.SessionGroup != "" {
		filters = append(filters, metadatadb.Filter{Column: "session_group", Op: metadatadb.FilterEqual, Value: in.SessionGroup})
	}

	var files []core.File
	var err error
	if callerFromContext(ctx).Level.Satisfies(core.AuthAdmin) {
		// administrative callers bypass the non-admin result cap (spec §6).
		files, err = s.db.SearchFiles(filters, in.Limit)
	} else {
		files, err = s.files.SearchFiles(filters, in.Limit, config.Service.MaxSearchResults)
	}
	if err != nil {
		return nil, domainErr(err)
	}
	out := &searchFilesOutput{}
	out.Body.Files = files
	return out, nil
}

type locateFileInput struct {
	Name string `path:"name"`
}

type locateFileOutput struct {
	Body struct {
		Instances []core.Instance       `json:"instances"`
		Remotes   []core.RemoteInstance `json:"remote_instances"`
	}
}

func (s *Server) handleLocateFile(ctx context.Context, in *locateFileInput) (*locateFileOutput, error) {
	instances, remotes, err := s.files.LocateFile(in.Name)
	if err != nil {
		return nil, domainErr(err)
	}
	out := &locateFileOutput{}
	out.Body.Instances = instances
	out.Body.Remotes = remotes
	return out, nil
}

type validateFileInput struct {
	Name string `path:"name"`
}

// instanceValidation reports one Instance's agreement with the File's
// recorded hash, covering both local instances (re-hashed against the
// store's on-disk content) and remote instances (reported as unverifiable
// from here -- only the owning peer can re-hash its own copy).
type instanceValidation struct {
	InstanceId uuid.UUID `json:"instance_id"`
	StoreName  string    `json:"store_name,omitempty"`
	PeerName   string    `json:"peer_name,omitempty"`
	Match      bool      `json:"match"`
	Verifiable bool      `json:"verifiable"`
}

type validateFileOutput struct {
	Body struct {
		Instances []instanceValidation `json:"instances"`
	}
}

func (s *Server) handleValidateFile(ctx context.Context, in *validateFileInput) (*validateFileOutput, error) {
	f, err := s.db.GetFileByName(in.Name)
	if err != nil {
		return nil, domainErr(err)
	}
	local, err := s.db.InstancesOfFile(f.Id)
	if err != nil {
		return nil, domainErr(err)
	}
	mismatched, err := s.files.ValidateFile(in.Name)
	if err != nil {
		return nil, domainErr(err)
	}
	isMismatched := make(map[uuid.UUID]bool, len(mismatched))
	for _, m := range mismatched {
		isMismatched[m.Id] = true
	}
	remotes, err := s.db.RemoteInstancesOfFile(f.Id)
	if err != nil {
		return nil, domainErr(err)
	}

	out := &validateFileOutput{}
	for _, inst := range local {
		out.Body.Instances = append(out.Body.Instances, instanceValidation{
			InstanceId: inst.Id,
			StoreName:  inst.StoreName,
			Match:      !isMismatched[inst.Id],
			Verifiable: true,
		})
	}
	for _, ri := range remotes {
		out.Body.Instances = append(out.Body.Instances, instanceValidation{
			InstanceId: ri.Id,
			PeerName:   ri.PeerName,
			Match:      true,
			Verifiable: false,
		})
	}
	return out, nil
}

type deleteInstanceInput struct {
	Id string `path:"id"`
}

type deleteInstanceOutput struct{}

func (s *Server) handleDeleteInstance(ctx context.Context, in *deleteInstanceInput) (*deleteInstanceOutput, error) {
	id, err := uuid.Parse(in.Id)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("invalid instance id: %s", in.Id))
	}

	inst, err := s.db.GetInstance(id)
	if err != nil {
		return nil, domainErr(err)
	}
	if inst.DeletionPolicy == core.DeletionDisallowed {
		return nil, domainErr(&metadatadb.DeletionDisallowedError{InstanceId: inst.Id.String()})
	}
	f, err := s.db.GetFile(inst.FileId)
	if err != nil {
		return nil, domainErr(err)
	}
	if err := s.files.DeleteInstance(inst.Id, inst.StoreName, inst.Path, f.Size); err != nil {
		return nil, domainErr(err)
	}
	return &deleteInstanceOutput{}, nil
}
