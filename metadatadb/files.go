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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scidata-fed/librarian/core"
)

// FilterOp enumerates the comparison kinds the flat filter surface supports
// (spec §6: "equality / range / 'like' on the attributes enumerated in
// §3"). Only the flat surface is authoritative -- see DESIGN.md's Open
// Question note on the legacy boolean combinator.
type FilterOp string

const (
	FilterEqual      FilterOp = "="
	FilterLessEqual  FilterOp = "<="
	FilterGreaterEq  FilterOp = ">="
	FilterLike       FilterOp = "LIKE"
)

// Filter is one column constraint in a flat, AND-combined search.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

var fileFilterColumns = map[string]bool{
	"name": true, "size": true, "hash": true, "created_at": true,
	"uploader_identity": true, "observation_group": true, "session_group": true,
}

// whereClause builds a parameterized "WHERE ..." clause (or "" if filters
// is empty) restricted to the given allowed column set, to avoid building
// SQL from caller-controlled column names.
func whereClause(filters []Filter, allowed map[string]bool) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for _, f := range filters {
		if !allowed[f.Column] {
			return "", nil, fmt.Errorf("metadatadb: unsearchable column %q", f.Column)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", f.Column, f.Op))
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// CreateFile inserts a new File row. If a File with the same name already
// exists, CreateFile returns a HashMismatchError when the hash differs,
// or returns the existing File with no error when the
// hash matches (spec §8: "Name uniqueness" -- identical re-upload is a
// no-op).
func (db *DB) CreateFile(f core.File) (core.File, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		existing, err := getFileByNameTx(conn, f.Name)
		if err == nil {
			if existing.Hash == f.Hash {
				return existing, nil
			}
			return core.File{}, &HashMismatchError{Name: f.Name}
		}
		if _, ok := err.(*NotFoundError); !ok {
			return core.File{}, err
		}

		if f.Id == uuid.Nil {
			f.Id = uuid.New()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		txErr := withTransaction(conn, func() error {
			return sqlitex.Execute(conn,
				`INSERT INTO files (id, name, size, hash, created_at, uploader_identity, observation_group, session_group)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					f.Id.String(), f.Name, f.Size, f.Hash, f.CreatedAt.Format(time.RFC3339Nano),
					f.UploaderIdentity, f.ObservationGroup, f.SessionGroup,
				}})
		})
		if txErr != nil {
			return core.File{}, txErr
		}
		return f, nil
	})
	if err != nil {
		return core.File{}, err
	}
	return v.(core.File), nil
}

func getFileByNameTx(conn *sqlite.Conn, name string) (core.File, error) {
	var found core.File
	var has bool
	err := sqlitex.Execute(conn, `SELECT id, name, size, hash, created_at, uploader_identity, observation_group, session_group FROM files WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				has = true
				found = fileFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return core.File{}, err
	}
	if !has {
		return core.File{}, &NotFoundError{Entity: "file", Key: name}
	}
	return found, nil
}

func fileFromStmt(stmt *sqlite.Stmt) core.File {
	id, _ := uuid.Parse(stmt.GetText("id"))
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	return core.File{
		Id:               id,
		Name:             stmt.GetText("name"),
		Size:             stmt.GetInt64("size"),
		Hash:             stmt.GetText("hash"),
		CreatedAt:        createdAt,
		UploaderIdentity: stmt.GetText("uploader_identity"),
		ObservationGroup: stmt.GetText("observation_group"),
		SessionGroup:     stmt.GetText("session_group"),
	}
}

// GetFileByName looks up a File by its unique name.
func (db *DB) GetFileByName(name string) (core.File, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return getFileByNameTx(conn, name)
	})
	if err != nil {
		return core.File{}, err
	}
	return v.(core.File), nil
}

// GetFile looks up a File by id, for callers (send-queue batching, the
// incoming hypervisor) that only have a foreign key on hand.
func (db *DB) GetFile(id uuid.UUID) (core.File, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var f core.File
		err := sqlitex.Execute(conn, `SELECT id, name, size, hash, created_at, uploader_identity, observation_group, session_group FROM files WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}, ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				f = fileFromStmt(stmt)
				return nil
			}})
		if err != nil {
			return core.File{}, err
		}
		if !found {
			return core.File{}, &NotFoundError{Entity: "file", Key: id.String()}
		}
		return f, nil
	})
	if err != nil {
		return core.File{}, err
	}
	return v.(core.File), nil
}

// SearchFiles returns Files matching the given flat filter set, ordered by
// creation time, capped at limit rows (0 means unlimited -- used for
// administrative callers who bypass the result cap per spec §6).
func (db *DB) SearchFiles(filters []Filter, limit int) ([]core.File, error) {
	where, args, err := whereClause(filters, fileFilterColumns)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, name, size, hash, created_at, uploader_identity, observation_group, session_group FROM files` + where + ` ORDER BY created_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.File
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, fileFromStmt(stmt))
				return nil
			},
		})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.File), nil
}
