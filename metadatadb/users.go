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

// CreateUser inserts a new local account (spec §6 create_user).
func (db *DB) CreateUser(u core.User) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var exists bool
		if err := sqlitex.Execute(conn, `SELECT 1 FROM users WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{u.Name}, ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			}}); err != nil {
			return nil, err
		}
		if exists {
			return nil, &ConflictError{Entity: "user", Key: u.Name}
		}
		return nil, sqlitex.Execute(conn, `INSERT INTO users (name, password_hash, level) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{u.Name, u.PasswordHash, int(u.Level)}})
	})
	return err
}

// DeleteUser removes a local account (spec §6 delete_user).
func (db *DB) DeleteUser(name string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `DELETE FROM users WHERE name = ?`, &sqlitex.ExecOptions{Args: []any{name}})
	})
	return err
}

// GetUser looks up a local account by name, for Basic-auth resolution.
func (db *DB) GetUser(name string) (core.User, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var u core.User
		err := sqlitex.Execute(conn, `SELECT name, password_hash, level FROM users WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					u = core.User{
						Name:         stmt.GetText("name"),
						PasswordHash: stmt.GetText("password_hash"),
						Level:        core.AuthLevel(stmt.GetInt64("level")),
					}
					return nil
				},
			})
		if err != nil {
			return core.User{}, err
		}
		if !found {
			return core.User{}, &NotFoundError{Entity: "user", Key: name}
		}
		return u, nil
	})
	if err != nil {
		return core.User{}, err
	}
	return v.(core.User), nil
}
