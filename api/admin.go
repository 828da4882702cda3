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
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scidata-fed/librarian/auth"
	"github.com/scidata-fed/librarian/core"
)

// registerAdminEndpoints wires up the operator surface (spec §6):
// account and peer-roster management, store state, and manifest
// generation for SneakerNet transfers. Every operation here requires
// core.AuthAdmin.
func (s *Server) registerAdminEndpoints(api huma.API) {
	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/v1/admin/users",
		Summary:     "Create a local account",
	}, core.AuthAdmin), s.handleCreateUser)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/v1/admin/users/{name}",
		Summary:     "Remove a local account",
	}, core.AuthAdmin), s.handleDeleteUser)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "add-librarian",
		Method:      http.MethodPost,
		Path:        "/v1/admin/peers",
		Summary:     "Register a federation peer",
	}, core.AuthAdmin), s.handleAddLibrarian)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "remove-librarian",
		Method:      http.MethodDelete,
		Path:        "/v1/admin/peers/{name}",
		Summary:     "Deregister a federation peer",
	}, core.AuthAdmin), s.handleRemoveLibrarian)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "set-librarian-transfer",
		Method:      http.MethodPut,
		Path:        "/v1/admin/peers/{name}/transfer",
		Summary:     "Enable or disable orchestration with a peer",
	}, core.AuthAdmin), s.handleSetLibrarianTransfer)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "set-store-state",
		Method:      http.MethodPut,
		Path:        "/v1/admin/stores/{name}/state",
		Summary:     "Enable/disable a store, or toggle its ingestibility",
	}, core.AuthAdmin), s.handleSetStoreState)

	huma.Register(api, withAuthLevel(huma.Operation{
		OperationID: "get-store-manifest",
		Method:      http.MethodPost,
		Path:        "/v1/admin/stores/{name}/manifest",
		Summary:     "Generate a SneakerNet manifest of a store's on-disk contents",
	}, core.AuthAdmin), s.handleGetStoreManifest)
}

type createUserInput struct {
	Body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Level    string `json:"level"`
	}
}

type createUserOutput struct{}

func (s *Server) handleCreateUser(ctx context.Context, in *createUserInput) (*createUserOutput, error) {
	level, err := core.ParseAuthLevel(in.Body.Level)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	hash, err := auth.HashPassword(in.Body.Password)
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	if err := s.db.CreateUser(core.User{Name: in.Body.Name, PasswordHash: hash, Level: level}); err != nil {
		return nil, domainErr(err)
	}
	return &createUserOutput{}, nil
}

type deleteUserInput struct {
	Name string `path:"name"`
}

type deleteUserOutput struct{}

func (s *Server) handleDeleteUser(ctx context.Context, in *deleteUserInput) (*deleteUserOutput, error) {
	if err := s.db.DeleteUser(in.Name); err != nil {
		return nil, domainErr(err)
	}
	return &deleteUserOutput{}, nil
}

type addLibrarianInput struct {
	Body struct {
		Name               string `json:"name"`
		BaseURL            string `json:"base_url"`
		Port               int    `json:"port"`
		Authenticator      string `json:"authenticator"` // plaintext "username:password"
		EnabledForTransfer bool   `json:"enabled_for_transfer"`
	}
}

type addLibrarianOutput struct{}

// handleAddLibrarian encrypts the plaintext authenticator the operator
// supplies before it ever reaches metadatadb -- only peers.Registry holds
// the key material needed to decrypt it again (spec §4.4).
func (s *Server) handleAddLibrarian(ctx context.Context, in *addLibrarianInput) (*addLibrarianOutput, error) {
	encrypted, err := s.peers.EncryptAuthenticator(in.Body.Authenticator)
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	err = s.db.AddPeer(core.Peer{
		Name:               in.Body.Name,
		BaseURL:            in.Body.BaseURL,
		Port:               in.Body.Port,
		EncryptedAuth:      encrypted,
		EnabledForTransfer: in.Body.EnabledForTransfer,
	})
	if err != nil {
		return nil, domainErr(err)
	}
	return &addLibrarianOutput{}, nil
}

type removeLibrarianInput struct {
	Name string `path:"name"`
}

type removeLibrarianOutput struct{}

func (s *Server) handleRemoveLibrarian(ctx context.Context, in *removeLibrarianInput) (*removeLibrarianOutput, error) {
	if err := s.db.RemovePeer(in.Name); err != nil {
		return nil, domainErr(err)
	}
	return &removeLibrarianOutput{}, nil
}

type setLibrarianTransferInput struct {
	Name string `path:"name"`
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

type setLibrarianTransferOutput struct{}

func (s *Server) handleSetLibrarianTransfer(ctx context.Context, in *setLibrarianTransferInput) (*setLibrarianTransferOutput, error) {
	if err := s.db.SetPeerTransferEnabled(in.Name, in.Body.Enabled); err != nil {
		return nil, domainErr(err)
	}
	return &setLibrarianTransferOutput{}, nil
}

type setStoreStateInput struct {
	Name string `path:"name"`
	Body struct {
		Enabled    *bool `json:"enabled,omitempty"`
		Ingestible *bool `json:"ingestible,omitempty"`
	}
}

type setStoreStateOutput struct{}

func (s *Server) handleSetStoreState(ctx context.Context, in *setStoreStateInput) (*setStoreStateOutput, error) {
	if err := s.db.SetStoreState(in.Name, in.Body.Enabled, in.Body.Ingestible); err != nil {
		return nil, domainErr(err)
	}
	return &setStoreStateOutput{}, nil
}

type getStoreManifestInput struct {
	Name string `path:"name"`
	Body struct {
		DestinationLibrarian          string `json:"destination_librarian,omitempty"`
		CreateOutgoingTransfers       bool   `json:"create_outgoing_transfers,omitempty"`
		DisableStore                  bool   `json:"disable_store,omitempty"`
		MarkLocalInstancesUnavailable bool   `json:"mark_local_instances_as_unavailable,omitempty"`
	}
}

type getStoreManifestOutput struct {
	Body storeManifest
}

// handleGetStoreManifest enumerates a store's on-disk contents into the
// SneakerNet manifest format ingest_store_manifest consumes on the
// receiving side. For a LocalStore, an on-disk entry's path is the File's
// name -- the store commits files under their declared name with no
// intervening directory layout -- so the manifest item's name and
// relative_path coincide.
func (s *Server) handleGetStoreManifest(ctx context.Context, in *getStoreManifestInput) (*getStoreManifestOutput, error) {
	store, err := s.stores.Get(in.Name)
	if err != nil {
		return nil, domainErr(err)
	}
	entries, err := store.Enumerate()
	if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}

	out := &getStoreManifestOutput{}
	out.Body.Version = 1
	out.Body.SourceLibrarian = s.Name
	out.Body.DestinationLibrarian = in.Body.DestinationLibrarian
	out.Body.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	for _, e := range entries {
		out.Body.Items = append(out.Body.Items, storeManifestItem{
			Name:         e.Path,
			Size:         e.Size,
			Hash:         e.Hash,
			RelativePath: e.Path,
		})

		if in.Body.CreateOutgoingTransfers && in.Body.DestinationLibrarian != "" {
			f, err := s.db.GetFileByName(e.Path)
			if err == nil {
				ot, err := s.db.CreateOutgoingTransfer(core.OutgoingTransfer{
					FileId:          f.Id,
					DestinationPeer: in.Body.DestinationLibrarian,
					SourceStore:     in.Name,
				})
				if err == nil {
					_ = s.db.TransitionOutgoingTransfer(ot.Id, core.OutgoingStaged, "", "")
				}
			}
		}
		if in.Body.MarkLocalInstancesUnavailable {
			f, err := s.db.GetFileByName(e.Path)
			if err == nil {
				instances, err := s.db.InstancesOfFile(f.Id)
				if err == nil {
					for _, inst := range instances {
						if inst.StoreName == in.Name {
							_ = s.db.SetAvailability(inst.Id, core.InstanceUnavailable)
						}
					}
				}
			}
		}
	}

	if in.Body.DisableStore {
		disabled := false
		if err := s.db.SetStoreState(in.Name, &disabled, nil); err != nil {
			return nil, domainErr(err)
		}
	}

	return out, nil
}
