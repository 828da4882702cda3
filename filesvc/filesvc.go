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

// Package filesvc implements the File/Instance surface above metadatadb
// and stores: upload, search, locate, validate, and remote-instance
// bookkeeping (spec §6 search_files, locate_file, validate_file, upload,
// delete_instance).
package filesvc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/stores"
)

// Service wires together the metadata store and the store registry behind
// the endpoints that create, locate, and validate Files.
type Service struct {
	db    *metadatadb.DB
	stores *stores.Registry
}

// New constructs a Service.
func New(db *metadatadb.DB, reg *stores.Registry) *Service {
	return &Service{db: db, stores: reg}
}

// UploadResult reports the outcome of an Upload call.
type UploadResult struct {
	File     core.File
	Instance core.Instance
}

// Upload stages the content read from r into storeName, verifies its size
// and hash match what the caller declared, commits it, and records the
// resulting File and Instance (spec §6 upload).
func (s *Service) Upload(storeName, name string, size int64, hash, uploaderIdentity string, r io.Reader) (UploadResult, error) {
	return s.upload(storeName, name, size, hash, uploaderIdentity, core.DeletionAllowed, r)
}

func (s *Service) upload(storeName, name string, size int64, hash, uploaderIdentity string, deletionPolicy core.DeletionPolicy, r io.Reader) (UploadResult, error) {
	store, err := s.stores.Get(storeName)
	if err != nil {
		return UploadResult{}, err
	}

	handle, err := store.Stage(name, size)
	if err != nil {
		return UploadResult{}, err
	}
	stagePath, err := store.StagePath(handle)
	if err != nil {
		return UploadResult{}, err
	}

	if err := writeStagedFile(stagePath, r); err != nil {
		return UploadResult{}, err
	}

	committedPath, err := store.Commit(handle, name, hash)
	if err != nil {
		return UploadResult{}, err
	}

	f, err := s.db.CreateFile(core.File{
		Name:             name,
		Size:             size,
		Hash:             hash,
		CreatedAt:        time.Now().UTC(),
		UploaderIdentity: uploaderIdentity,
	})
	if err != nil {
		return UploadResult{}, err
	}

	inst, err := s.db.CreateInstance(core.Instance{
		Id:             uuid.New(),
		FileId:         f.Id,
		StoreName:      storeName,
		Path:           committedPath,
		DeletionPolicy: deletionPolicy,
	}, size)
	if err != nil {
		return UploadResult{}, err
	}

	return UploadResult{File: f, Instance: inst}, nil
}

// IngestStaged commits a file that already landed on disk at stagingPath
// (pushed there directly by a peer's transfer manager, outside this
// store's own Stage/StagePath handshake) into storeName, verifying its
// size and hash before recording the resulting File and Instance (spec
// §4.5 receive_clone). If a File of the same name with the same hash
// already exists, the commit is a no-op success and no new Instance is
// created beyond what CreateFile/CreateInstance's own idempotency gives.
func (s *Service) IngestStaged(storeName, name string, size int64, hash, stagingPath string, deletionPolicy core.DeletionPolicy) (UploadResult, error) {
	f, err := os.Open(stagingPath)
	if err != nil {
		return UploadResult{}, err
	}
	defer f.Close()
	return s.upload(storeName, name, size, hash, "", deletionPolicy, f)
}

// SearchFiles proxies to metadatadb.SearchFiles, capping the result count
// at maxResults regardless of what the caller requests (spec §6
// max_search_results).
func (s *Service) SearchFiles(filters []metadatadb.Filter, limit, maxResults int) ([]core.File, error) {
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}
	return s.db.SearchFiles(filters, limit)
}

// LocateFile returns every local Instance and every known RemoteInstance
// of a named File (spec §6 locate_file).
func (s *Service) LocateFile(name string) ([]core.Instance, []core.RemoteInstance, error) {
	f, err := s.db.GetFileByName(name)
	if err != nil {
		return nil, nil, err
	}
	instances, err := s.db.InstancesOfFile(f.Id)
	if err != nil {
		return nil, nil, err
	}
	remotes, err := s.db.RemoteInstancesOfFile(f.Id)
	if err != nil {
		return nil, nil, err
	}
	return instances, remotes, nil
}

// ValidateFile re-hashes every local Instance of a named File and reports
// any whose on-disk content no longer matches the recorded hash (spec §6
// validate_file).
func (s *Service) ValidateFile(name string) ([]core.Instance, error) {
	f, err := s.db.GetFileByName(name)
	if err != nil {
		return nil, err
	}
	instances, err := s.db.InstancesOfFile(f.Id)
	if err != nil {
		return nil, err
	}

	var invalid []core.Instance
	for _, inst := range instances {
		store, err := s.stores.Get(inst.StoreName)
		if err != nil {
			return nil, err
		}
		entries, err := store.Enumerate()
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range entries {
			if e.Path == inst.Path {
				found = true
				if e.Hash != f.Hash {
					invalid = append(invalid, inst)
				}
				break
			}
		}
		if !found {
			invalid = append(invalid, inst)
		}
	}
	return invalid, nil
}

// DeleteInstance removes an Instance from its store and from metadatadb,
// after the metadatadb layer confirms the instance's DeletionPolicy
// permits it (spec §9: enforced at both the metadatadb and api layers).
func (s *Service) DeleteInstance(instanceId uuid.UUID, storeName, path string, size int64) error {
	store, err := s.stores.Get(storeName)
	if err != nil {
		return err
	}
	if err := s.db.DeleteInstance(instanceId, size); err != nil {
		return err
	}
	if err := store.Delete(path); err != nil {
		return fmt.Errorf("instance metadata removed but file deletion failed: %w", err)
	}
	return nil
}

func writeStagedFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
