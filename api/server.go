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

// Package api exposes a Librarian instance's REST surface (spec §6):
// ingest/lookup endpoints for local clients, peer-to-peer endpoints for the
// federation, and administrative endpoints for operators. Every operation
// declares a minimum core.AuthLevel; the auth middleware resolves the
// caller's level before any handler body runs.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/filesvc"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/orchestration"
	"github.com/scidata-fed/librarian/peers"
	"github.com/scidata-fed/librarian/stores"
)

// Server is one Librarian instance's HTTP front end: the router, the
// services its handlers call into, and the listener lifecycle.
type Server struct {
	Name      string
	StartTime time.Time

	db     *metadatadb.DB
	files  *filesvc.Service
	orch   *orchestration.Orchestrator
	stores *stores.Registry
	peers  *peers.Registry

	router *mux.Router
	server *http.Server
}

// NewServer builds a Server and registers every endpoint (spec §6) against
// a huma API mounted on a gorilla/mux router, the same router-plus-
// subrouter shape the teacher's prototype service used, generalized from
// its bespoke mux.HandleFunc registrations to huma.Register's typed
// operations.
func NewServer(db *metadatadb.DB, files *filesvc.Service, orch *orchestration.Orchestrator, storeReg *stores.Registry, peerReg *peers.Registry) *Server {
	s := &Server{
		Name:   config.Service.Name,
		db:     db,
		files:  files,
		orch:   orch,
		stores: storeReg,
		peers:  peerReg,
	}

	r := mux.NewRouter()
	s.router = r
	humaAPI := humamux.New(r, huma.DefaultConfig(s.Name, "1.0.0"))
	humaAPI.UseMiddleware(s.authMiddleware(humaAPI))
	s.registerFileEndpoints(humaAPI)
	s.registerPeerEndpoints(humaAPI)
	s.registerAdminEndpoints(humaAPI)

	return s
}

// Start binds the configured port and serves requests until Shutdown or
// Close is called, enforcing config.Service.MaxConnections the same way
// the teacher's prototype service did (netutil.LimitListener).
func (s *Server) Start() error {
	s.StartTime = time.Now().UTC()

	listener, err := net.Listen("tcp", net.JoinHostPort(config.Service.Host, strconv.Itoa(config.Service.Port)))
	if err != nil {
		return err
	}
	if config.Service.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Service.MaxConnections)
	}

	s.server = &http.Server{Handler: s.router}
	err = s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight connections before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close closes the server immediately, abandoning in-flight connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// uptime reports how long the server has been serving requests. No handler
// calls it; the ping endpoint's description is a fixed string.
func (s *Server) uptime() time.Duration {
	return time.Since(s.StartTime)
}

func errToHuma(err error) error {
	return huma.Error500InternalServerError(fmt.Sprintf("internal error: %s", err))
}
