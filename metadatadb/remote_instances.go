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

package metadatadb

import (
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scidata-fed/librarian/core"
)

// CreateRemoteInstance records that a peer has confirmed ingestion of a
// File. Idempotent: re-recording the same (file, peer) pair is a no-op
// rather than a conflict, since hypervisors and callbacks may race.
func (db *DB) CreateRemoteInstance(ri core.RemoteInstance) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if ri.Id == uuid.Nil {
			ri.Id = uuid.New()
		}
		if ri.CopiedAt.IsZero() {
			ri.CopiedAt = time.Now().UTC()
		}
		return nil, sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO remote_instances (id, file_id, peer_name, copied_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				ri.Id.String(), ri.FileId.String(), ri.PeerName, ri.CopiedAt.Format(time.RFC3339Nano),
			}})
	})
	return err
}

// HasRemoteInstance reports whether a File already has a confirmed
// RemoteInstance at the named peer (used by send_clone to skip already
// replicated files, spec §4.5).
func (db *DB) HasRemoteInstance(fileId uuid.UUID, peerName string) (bool, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		err := sqlitex.Execute(conn, `SELECT 1 FROM remote_instances WHERE file_id = ? AND peer_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{fileId.String(), peerName},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					return nil
				},
			})
		return found, err
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// RemoteInstancesOfFile returns every peer known to hold a confirmed copy
// of a File (spec §6 locate_file).
func (db *DB) RemoteInstancesOfFile(fileId uuid.UUID) ([]core.RemoteInstance, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.RemoteInstance
		err := sqlitex.Execute(conn, `SELECT id, file_id, peer_name, copied_at FROM remote_instances WHERE file_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{fileId.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, _ := uuid.Parse(stmt.GetText("id"))
					fid, _ := uuid.Parse(stmt.GetText("file_id"))
					copiedAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("copied_at"))
					results = append(results, core.RemoteInstance{
						Id: id, FileId: fid, PeerName: stmt.GetText("peer_name"), CopiedAt: copiedAt,
					})
					return nil
				},
			})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.RemoteInstance), nil
}
