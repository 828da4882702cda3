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

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scidata-fed/librarian/core"
)

func peerFromStmt(stmt *sqlite.Stmt) core.Peer {
	var lastSeen time.Time
	if s := stmt.GetText("last_seen"); s != "" {
		lastSeen, _ = time.Parse(time.RFC3339Nano, s)
	}
	return core.Peer{
		Name:               stmt.GetText("name"),
		BaseURL:            stmt.GetText("base_url"),
		Port:               int(stmt.GetInt64("port")),
		EnabledForTransfer: stmt.GetInt64("enabled_for_transfer") != 0,
		LastSeen:           lastSeen,
		LastError:          stmt.GetText("last_error"),
	}
}

// AddPeer registers a new federation peer (spec §6 add_librarian). The
// authenticator is stored pre-encrypted -- this package never sees
// plaintext credentials (that's the peers package's job).
func (db *DB) AddPeer(p core.Peer) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn,
			`INSERT INTO peers (name, base_url, port, encrypted_auth, enabled_for_transfer) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{p.Name, p.BaseURL, p.Port, p.EncryptedAuth, boolInt(p.EnabledForTransfer)}})
	})
	return err
}

// RemovePeer deregisters a peer (spec §6 remove_librarian).
func (db *DB) RemovePeer(name string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `DELETE FROM peers WHERE name = ?`, &sqlitex.ExecOptions{Args: []any{name}})
	})
	return err
}

// GetPeer returns a peer's record, including its encrypted authenticator
// blob.
func (db *DB) GetPeer(name string) (core.Peer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var p core.Peer
		err := sqlitex.Execute(conn,
			`SELECT name, base_url, port, encrypted_auth, enabled_for_transfer, last_seen, last_error FROM peers WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					p = peerFromStmt(stmt)
					p.EncryptedAuth = stmt.GetText("encrypted_auth")
					return nil
				},
			})
		if err != nil {
			return core.Peer{}, err
		}
		if !found {
			return core.Peer{}, &NotFoundError{Entity: "peer", Key: name}
		}
		return p, nil
	})
	if err != nil {
		return core.Peer{}, err
	}
	return v.(core.Peer), nil
}

// ListPeers returns every known peer, for background tasks that iterate
// over the federation.
func (db *DB) ListPeers() ([]core.Peer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.Peer
		err := sqlitex.Execute(conn,
			`SELECT name, base_url, port, enabled_for_transfer, last_seen, last_error FROM peers ORDER BY name`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, peerFromStmt(stmt))
				return nil
			}})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.Peer), nil
}

// SetPeerTransferEnabled toggles a peer's enabled-for-transfer flag (spec
// §6 set_librarian_transfer); orchestration skips disabled peers.
func (db *DB) SetPeerTransferEnabled(name string, enabled bool) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `UPDATE peers SET enabled_for_transfer = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{boolInt(enabled), name}})
	})
	return err
}

// RecordPeerSeen updates a peer's last-seen timestamp after a successful
// ping, and clears any recorded error.
func (db *DB) RecordPeerSeen(name string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `UPDATE peers SET last_seen = ?, last_error = '' WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{time.Now().UTC().Format(time.RFC3339Nano), name}})
	})
	return err
}

// RecordPeerError records a peer interaction failure (spec §7: "mark the
// peer record with last_error and skip further interaction this cycle").
func (db *DB) RecordPeerError(name, message string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `UPDATE peers SET last_error = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{message, name}})
	})
	return err
}
