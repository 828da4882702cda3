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

// CreateInstance inserts an Instance row and, within the same transaction,
// increases the owning Store's used-bytes counter -- keeping
// core.Store.Used monotone with committed instance sizes (spec §8:
// "Capacity monotonicity").
func (db *DB) CreateInstance(inst core.Instance, size int64) (core.Instance, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if inst.Id == uuid.Nil {
			inst.Id = uuid.New()
		}
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = time.Now().UTC()
		}
		err := withTransaction(conn, func() error {
			if err := sqlitex.Execute(conn,
				`INSERT INTO instances (id, file_id, store_name, path, availability, deletion_policy, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					inst.Id.String(), inst.FileId.String(), inst.StoreName, inst.Path,
					int(inst.Availability), int(inst.DeletionPolicy), inst.CreatedAt.Format(time.RFC3339Nano),
				}}); err != nil {
				return err
			}
			return sqlitex.Execute(conn, `UPDATE stores SET used = used + ? WHERE name = ?`,
				&sqlitex.ExecOptions{Args: []any{size, inst.StoreName}})
		})
		if err != nil {
			return core.Instance{}, err
		}
		return inst, nil
	})
	if err != nil {
		return core.Instance{}, err
	}
	return v.(core.Instance), nil
}

// InstancesOfFile returns all Instances of the named File, across all
// Stores, for search_files/locate_file/validate_file (spec §6).
func (db *DB) InstancesOfFile(fileId uuid.UUID) ([]core.Instance, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.Instance
		err := sqlitex.Execute(conn,
			`SELECT id, file_id, store_name, path, availability, deletion_policy, created_at FROM instances WHERE file_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{fileId.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					results = append(results, instanceFromStmt(stmt))
					return nil
				},
			})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.Instance), nil
}

func instanceFromStmt(stmt *sqlite.Stmt) core.Instance {
	id, _ := uuid.Parse(stmt.GetText("id"))
	fileId, _ := uuid.Parse(stmt.GetText("file_id"))
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	return core.Instance{
		Id:             id,
		FileId:         fileId,
		StoreName:      stmt.GetText("store_name"),
		Path:           stmt.GetText("path"),
		Availability:   core.InstanceAvailability(stmt.GetInt64("availability")),
		DeletionPolicy: core.DeletionPolicy(stmt.GetInt64("deletion_policy")),
		CreatedAt:      createdAt,
	}
}

// GetInstance looks up a single Instance by id, for callers (the
// delete_instance endpoint) that need its store name, path, and owning
// file id before acting on it.
func (db *DB) GetInstance(instanceId uuid.UUID) (core.Instance, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var inst core.Instance
		err := sqlitex.Execute(conn,
			`SELECT id, file_id, store_name, path, availability, deletion_policy, created_at FROM instances WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{instanceId.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					inst = instanceFromStmt(stmt)
					return nil
				},
			})
		if err != nil {
			return core.Instance{}, err
		}
		if !found {
			return core.Instance{}, &NotFoundError{Entity: "instance", Key: instanceId.String()}
		}
		return inst, nil
	})
	if err != nil {
		return core.Instance{}, err
	}
	return v.(core.Instance), nil
}

// SetAvailability transitions an Instance's availability flag, used both
// for check_integrity's soft-delete-on-hash-mismatch (spec §4.6) and for
// delete_instance (spec §6).
func (db *DB) SetAvailability(instanceId uuid.UUID, availability core.InstanceAvailability) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var policy core.DeletionPolicy
		var found bool
		err := sqlitex.Execute(conn, `SELECT deletion_policy FROM instances WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{instanceId.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					policy = core.DeletionPolicy(stmt.GetInt64("deletion_policy"))
					return nil
				},
			})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &NotFoundError{Entity: "instance", Key: instanceId.String()}
		}
		if availability == core.InstanceRemoved && policy == core.DeletionDisallowed {
			return nil, &DeletionDisallowedError{InstanceId: instanceId.String()}
		}
		return nil, sqlitex.Execute(conn, `UPDATE instances SET availability = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{int(availability), instanceId.String()}})
	})
	return err
}

// DeleteInstance removes an Instance's row and decreases its Store's
// used-bytes counter, enforcing the deletion policy at this layer as well
// as at the api layer (spec §9 Open Question, resolved: enforce at both).
func (db *DB) DeleteInstance(instanceId uuid.UUID, size int64) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var storeName string
		var policy core.DeletionPolicy
		var found bool
		err := sqlitex.Execute(conn, `SELECT store_name, deletion_policy FROM instances WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{instanceId.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					storeName = stmt.GetText("store_name")
					policy = core.DeletionPolicy(stmt.GetInt64("deletion_policy"))
					return nil
				},
			})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &NotFoundError{Entity: "instance", Key: instanceId.String()}
		}
		if policy == core.DeletionDisallowed {
			return nil, &DeletionDisallowedError{InstanceId: instanceId.String()}
		}
		return nil, withTransaction(conn, func() error {
			if err := sqlitex.Execute(conn, `DELETE FROM instances WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{instanceId.String()}}); err != nil {
				return err
			}
			return sqlitex.Execute(conn, `UPDATE stores SET used = used - ? WHERE name = ?`,
				&sqlitex.ExecOptions{Args: []any{size, storeName}})
		})
	})
	return err
}
