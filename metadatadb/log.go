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

// LogError appends an ErrorLog row (spec §3, §7).
func (db *DB) LogError(severity core.LogSeverity, category core.LogCategory, message string) (core.ErrorLog, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		entry := core.ErrorLog{
			Id:        uuid.New(),
			Severity:  severity,
			Category:  category,
			Message:   message,
			CreatedAt: time.Now().UTC(),
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO error_log (id, severity, category, message, created_at) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				entry.Id.String(), string(entry.Severity), string(entry.Category), entry.Message,
				entry.CreatedAt.Format(time.RFC3339Nano),
			}})
		return entry, err
	})
	if err != nil {
		return core.ErrorLog{}, err
	}
	return v.(core.ErrorLog), nil
}

// ErrorLogsSince returns ErrorLog rows created strictly after since, oldest
// first, for the slackwebhook forwarder to poll.
func (db *DB) ErrorLogsSince(since time.Time) ([]core.ErrorLog, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.ErrorLog
		err := sqlitex.Execute(conn,
			`SELECT id, severity, category, message, created_at FROM error_log WHERE created_at > ? ORDER BY created_at`,
			&sqlitex.ExecOptions{
				Args: []any{since.Format(time.RFC3339Nano)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, _ := uuid.Parse(stmt.GetText("id"))
					createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
					results = append(results, core.ErrorLog{
						Id:        id,
						Severity:  core.LogSeverity(stmt.GetText("severity")),
						Category:  core.LogCategory(stmt.GetText("category")),
						Message:   stmt.GetText("message"),
						CreatedAt: createdAt,
					})
					return nil
				},
			})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.ErrorLog), nil
}

// ClaimBackgroundTask attempts to claim a task tick for execution. Inside
// one savepoint it looks for an open claim (claimed but not finished) on
// the same task name; if there is none it inserts a new BackgroundTaskLog
// row and reports the claim as taken, otherwise it inserts nothing and
// reports claimed=false. This stands in for the conditional "UPDATE ...
// WHERE claimed_at IS NULL" advisory lock spec §4.6/§5 describes.
func (db *DB) ClaimBackgroundTask(taskName string) (core.BackgroundTaskLog, bool, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var claimed bool
		entry := core.BackgroundTaskLog{
			Id:        uuid.New(),
			TaskName:  taskName,
			StartedAt: time.Now().UTC(),
			ClaimedAt: time.Now().UTC(),
		}
		err := withTransaction(conn, func() error {
			var openClaim bool
			if err := sqlitex.Execute(conn,
				`SELECT 1 FROM background_task_log WHERE task_name = ? AND claimed_at IS NOT NULL AND finished_at IS NULL`,
				&sqlitex.ExecOptions{Args: []any{taskName}, ResultFunc: func(stmt *sqlite.Stmt) error {
					openClaim = true
					return nil
				}}); err != nil {
				return err
			}
			if openClaim {
				return nil
			}
			if err := sqlitex.Execute(conn,
				`INSERT INTO background_task_log (id, task_name, started_at, claimed_at, success, message)
				 VALUES (?, ?, ?, ?, 0, '')`,
				&sqlitex.ExecOptions{Args: []any{
					entry.Id.String(), entry.TaskName, entry.StartedAt.Format(time.RFC3339Nano), entry.ClaimedAt.Format(time.RFC3339Nano),
				}}); err != nil {
				return err
			}
			claimed = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		return struct {
			entry   core.BackgroundTaskLog
			claimed bool
		}{entry, claimed}, nil
	})
	if err != nil {
		return core.BackgroundTaskLog{}, false, err
	}
	r := v.(struct {
		entry   core.BackgroundTaskLog
		claimed bool
	})
	return r.entry, r.claimed, nil
}

// FinishBackgroundTask records the outcome of a claimed task tick,
// releasing the claim.
func (db *DB) FinishBackgroundTask(id uuid.UUID, success bool, message string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn,
			`UPDATE background_task_log SET finished_at = ?, success = ?, message = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				time.Now().UTC().Format(time.RFC3339Nano), boolInt(success), message, id.String(),
			}})
	})
	return err
}
