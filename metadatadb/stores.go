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
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scidata-fed/librarian/core"
)

// CreateStore registers a new Store row (administrative, at startup or via
// an admin call).
func (db *DB) CreateStore(s core.Store) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn,
			`INSERT INTO stores (name, type, staging_path, commit_path, capacity, used, report_full_fraction,
				ingestible, enabled, available, group_write_after_stage, own_after_commit, readonly_after_commit)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				s.Name, string(s.Type), s.StagingPath, s.CommitPath, s.Capacity, s.ReportFullFraction,
				boolInt(s.Ingestible), boolInt(s.Enabled), boolInt(s.Available),
				boolInt(s.GroupWriteAfterStage), boolInt(s.OwnAfterCommit), boolInt(s.ReadonlyAfterCommit),
			}})
	})
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storeFromStmt(stmt *sqlite.Stmt) core.Store {
	return core.Store{
		Name:                 stmt.GetText("name"),
		Type:                 core.StoreType(stmt.GetText("type")),
		StagingPath:          stmt.GetText("staging_path"),
		CommitPath:           stmt.GetText("commit_path"),
		Capacity:             stmt.GetInt64("capacity"),
		Used:                 stmt.GetInt64("used"),
		ReportFullFraction:   stmt.GetFloat("report_full_fraction"),
		Ingestible:           stmt.GetInt64("ingestible") != 0,
		Enabled:              stmt.GetInt64("enabled") != 0,
		Available:            stmt.GetInt64("available") != 0,
		GroupWriteAfterStage: stmt.GetInt64("group_write_after_stage") != 0,
		OwnAfterCommit:       stmt.GetInt64("own_after_commit") != 0,
		ReadonlyAfterCommit:  stmt.GetInt64("readonly_after_commit") != 0,
	}
}

const storeColumns = `name, type, staging_path, commit_path, capacity, used, report_full_fraction,
	ingestible, enabled, available, group_write_after_stage, own_after_commit, readonly_after_commit`

// GetStore looks up a Store by name.
func (db *DB) GetStore(name string) (core.Store, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var s core.Store
		err := sqlitex.Execute(conn, `SELECT `+storeColumns+` FROM stores WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					s = storeFromStmt(stmt)
					return nil
				},
			})
		if err != nil {
			return core.Store{}, err
		}
		if !found {
			return core.Store{}, &NotFoundError{Entity: "store", Key: name}
		}
		return s, nil
	})
	if err != nil {
		return core.Store{}, err
	}
	return v.(core.Store), nil
}

// ListStores returns every configured Store, for clone target selection and
// administrative listing.
func (db *DB) ListStores() ([]core.Store, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.Store
		err := sqlitex.Execute(conn, `SELECT `+storeColumns+` FROM stores ORDER BY name`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, storeFromStmt(stmt))
				return nil
			}})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.Store), nil
}

// SetStoreState toggles a Store's enabled/ingestible flags (spec §6
// set_store_state).
func (db *DB) SetStoreState(name string, enabled, ingestible *bool) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if enabled != nil {
			if err := sqlitex.Execute(conn, `UPDATE stores SET enabled = ? WHERE name = ?`,
				&sqlitex.ExecOptions{Args: []any{boolInt(*enabled), name}}); err != nil {
				return nil, err
			}
		}
		if ingestible != nil {
			if err := sqlitex.Execute(conn, `UPDATE stores SET ingestible = ? WHERE name = ?`,
				&sqlitex.ExecOptions{Args: []any{boolInt(*ingestible), name}}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// SetStoreCapacity updates a Store's measured capacity and used bytes
// (spec §4.2). No package in this repository calls it;
// stores.Registry.Report queries the file system but does not write the
// result back here.
func (db *DB) SetStoreCapacity(name string, capacity, used int64) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `UPDATE stores SET capacity = ?, used = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{capacity, used, name}})
	})
	return err
}
