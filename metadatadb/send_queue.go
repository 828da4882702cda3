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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scidata-fed/librarian/core"
)

// EnqueueSendQueueItem inserts a new SendQueueItem in state QUEUED
// (spec §4.5 send_clone).
func (db *DB) EnqueueSendQueueItem(item core.SendQueueItem) (core.SendQueueItem, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if item.Id == uuid.Nil {
			item.Id = uuid.New()
		}
		item.CreatedAt = time.Now().UTC()
		if item.State == "" {
			item.State = core.SendQueueQueued
		}
		pathsJSON, err := json.Marshal(item.Paths)
		if err != nil {
			return core.SendQueueItem{}, err
		}
		idsJSON, err := json.Marshal(item.OutgoingTransferIds)
		if err != nil {
			return core.SendQueueItem{}, err
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO send_queue_items (id, destination_peer, destination_endpoint, paths_json, outgoing_ids_json,
				external_handle, state, created_at) VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				item.Id.String(), item.DestinationPeer, item.DestinationEndpoint, string(pathsJSON), string(idsJSON),
				string(item.State), item.CreatedAt.Format(time.RFC3339Nano),
			}})
		if err != nil {
			return core.SendQueueItem{}, err
		}
		return item, nil
	})
	if err != nil {
		return core.SendQueueItem{}, err
	}
	return v.(core.SendQueueItem), nil
}

func sendQueueItemFromStmt(stmt *sqlite.Stmt) (core.SendQueueItem, error) {
	id, _ := uuid.Parse(stmt.GetText("id"))
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	item := core.SendQueueItem{
		Id:                  id,
		DestinationPeer:     stmt.GetText("destination_peer"),
		DestinationEndpoint: stmt.GetText("destination_endpoint"),
		ExternalHandle:      stmt.GetText("external_handle"),
		State:               core.SendQueueState(stmt.GetText("state")),
		CreatedAt:           createdAt,
	}
	if err := json.Unmarshal([]byte(stmt.GetText("paths_json")), &item.Paths); err != nil {
		return core.SendQueueItem{}, err
	}
	if err := json.Unmarshal([]byte(stmt.GetText("outgoing_ids_json")), &item.OutgoingTransferIds); err != nil {
		return core.SendQueueItem{}, err
	}
	return item, nil
}

const sendQueueColumns = `id, destination_peer, destination_endpoint, paths_json, outgoing_ids_json, external_handle, state, created_at`

// QueuedSendQueueItems returns up to limit items in state QUEUED, for
// consume_queue to submit to the async transfer manager (spec §4.5). limit
// implements the global live-handle cap (e.g. 100).
func (db *DB) QueuedSendQueueItems(limit int) ([]core.SendQueueItem, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.SendQueueItem
		err := sqlitex.Execute(conn,
			`SELECT `+sendQueueColumns+` FROM send_queue_items WHERE state = ? ORDER BY created_at LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(core.SendQueueQueued), limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					item, err := sendQueueItemFromStmt(stmt)
					if err != nil {
						return err
					}
					results = append(results, item)
					return nil
				},
			})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.SendQueueItem), nil
}

// SubmittedSendQueueItems returns items in state SUBMITTED, for
// check_consumed_queue to poll (spec §4.5).
func (db *DB) SubmittedSendQueueItems() ([]core.SendQueueItem, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.SendQueueItem
		err := sqlitex.Execute(conn,
			`SELECT `+sendQueueColumns+` FROM send_queue_items WHERE state = ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(core.SendQueueSubmitted)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					item, err := sendQueueItemFromStmt(stmt)
					if err != nil {
						return err
					}
					results = append(results, item)
					return nil
				},
			})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.SendQueueItem), nil
}

// MarkSendQueueItemSubmitted records the transport handle returned by the
// async transfer manager's submit() call and transitions the item to
// SUBMITTED.
func (db *DB) MarkSendQueueItemSubmitted(id uuid.UUID, externalHandle string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn,
			`UPDATE send_queue_items SET state = ?, external_handle = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(core.SendQueueSubmitted), externalHandle, id.String()}})
	})
	return err
}

// MarkSendQueueItemDone transitions an item to DONE once every
// OutgoingTransfer it batches has reached a terminal state.
func (db *DB) MarkSendQueueItemDone(id uuid.UUID) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn, `UPDATE send_queue_items SET state = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(core.SendQueueDone), id.String()}})
	})
	return err
}
