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

// CreateOutgoingTransfer inserts a new OutgoingTransfer in state INITIATED
// (spec §4.5 send_clone). The partial unique index on
// outgoing_transfers_live_unique rejects a second live transfer for the
// same (file, peer, store).
func (db *DB) CreateOutgoingTransfer(t core.OutgoingTransfer) (core.OutgoingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if t.Id == uuid.Nil {
			t.Id = uuid.New()
		}
		now := time.Now().UTC()
		t.CreatedAt, t.UpdatedAt = now, now
		if t.State == "" {
			t.State = core.OutgoingInitiated
		}
		var batchId any
		if t.BatchId.Valid {
			batchId = t.BatchId.UUID.String()
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO outgoing_transfers (id, file_id, destination_peer, source_store, transfer_method,
				external_id, batch_id, state, created_at, updated_at, error_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
			&sqlitex.ExecOptions{Args: []any{
				t.Id.String(), t.FileId.String(), t.DestinationPeer, t.SourceStore, t.TransferMethod,
				t.ExternalId, batchId, string(t.State), t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
			}})
		if err != nil {
			return core.OutgoingTransfer{}, err
		}
		return t, nil
	})
	if err != nil {
		return core.OutgoingTransfer{}, err
	}
	return v.(core.OutgoingTransfer), nil
}

func outgoingFromStmt(stmt *sqlite.Stmt) core.OutgoingTransfer {
	id, _ := uuid.Parse(stmt.GetText("id"))
	fileId, _ := uuid.Parse(stmt.GetText("file_id"))
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	updatedAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("updated_at"))
	var batchId uuid.NullUUID
	if b := stmt.GetText("batch_id"); b != "" {
		if parsed, err := uuid.Parse(b); err == nil {
			batchId = uuid.NullUUID{UUID: parsed, Valid: true}
		}
	}
	return core.OutgoingTransfer{
		Id:              id,
		FileId:          fileId,
		DestinationPeer: stmt.GetText("destination_peer"),
		SourceStore:     stmt.GetText("source_store"),
		TransferMethod:  stmt.GetText("transfer_method"),
		ExternalId:      stmt.GetText("external_id"),
		BatchId:         batchId,
		State:           core.OutgoingTransferState(stmt.GetText("state")),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		ErrorText:       stmt.GetText("error_text"),
	}
}

const outgoingColumns = `id, file_id, destination_peer, source_store, transfer_method, external_id, batch_id, state, created_at, updated_at, error_text`

// GetOutgoingTransfer looks up an OutgoingTransfer by id.
func (db *DB) GetOutgoingTransfer(id uuid.UUID) (core.OutgoingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var t core.OutgoingTransfer
		err := sqlitex.Execute(conn, `SELECT `+outgoingColumns+` FROM outgoing_transfers WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}, ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				t = outgoingFromStmt(stmt)
				return nil
			}})
		if err != nil {
			return core.OutgoingTransfer{}, err
		}
		if !found {
			return core.OutgoingTransfer{}, &NotFoundError{Entity: "outgoing_transfer", Key: id.String()}
		}
		return t, nil
	})
	if err != nil {
		return core.OutgoingTransfer{}, err
	}
	return v.(core.OutgoingTransfer), nil
}

// OutgoingTransfersInStates returns outgoing transfers in any of the given
// states, older than the given cutoff (for hypervisors and queue
// consumers, spec §4.5).
func (db *DB) OutgoingTransfersInStates(states []core.OutgoingTransferState, olderThan time.Time) ([]core.OutgoingTransfer, error) {
	placeholders := ""
	args := make([]any, 0, len(states)+1)
	for i, s := range states {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, olderThan.Format(time.RFC3339Nano))
	query := `SELECT ` + outgoingColumns + ` FROM outgoing_transfers WHERE state IN (` + placeholders + `) AND updated_at <= ?`
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.OutgoingTransfer
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, outgoingFromStmt(stmt))
				return nil
			},
		})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.OutgoingTransfer), nil
}

// TransitionOutgoingTransfer moves an OutgoingTransfer to a new state,
// rejecting the call if the edge isn't legal (spec §4.5, §5, §8: "Transfer
// monotonicity"). errorText is recorded when transitioning to FAILED.
func (db *DB) TransitionOutgoingTransfer(id uuid.UUID, to core.OutgoingTransferState, externalId, errorText string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, withTransaction(conn, func() error {
			var found bool
			var from core.OutgoingTransferState
			if err := sqlitex.Execute(conn, `SELECT state FROM outgoing_transfers WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{id.String()}, ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					from = core.OutgoingTransferState(stmt.GetText("state"))
					return nil
				}}); err != nil {
				return err
			}
			if !found {
				return &NotFoundError{Entity: "outgoing_transfer", Key: id.String()}
			}
			if !core.CanTransition(from, to) {
				return &InvalidTransitionError{Id: id.String(), From: string(from), To: string(to)}
			}
			query := `UPDATE outgoing_transfers SET state = ?, updated_at = ?`
			args := []any{string(to), time.Now().UTC().Format(time.RFC3339Nano)}
			if externalId != "" {
				query += `, external_id = ?`
				args = append(args, externalId)
			}
			if to == core.OutgoingFailed {
				query += `, error_text = ?`
				args = append(args, errorText)
			}
			query += ` WHERE id = ?`
			args = append(args, id.String())
			return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
		})
	})
	return err
}

// -------------------
// IncomingTransfer
// -------------------

// CreateIncomingTransfer inserts a new IncomingTransfer in state INITIATED
// (spec §4.5 stage_batch). source_outgoing_id is the idempotency key: a
// second insert for the same (source_peer, source_outgoing_id) fails on
// the unique index with the driver's constraint error. ReceiveStageBatch
// looks the key up first and returns the existing row instead.
func (db *DB) CreateIncomingTransfer(t core.IncomingTransfer) (core.IncomingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		if t.Id == uuid.Nil {
			t.Id = uuid.New()
		}
		now := time.Now().UTC()
		t.CreatedAt, t.UpdatedAt = now, now
		if t.State == "" {
			t.State = core.IncomingInitiated
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO incoming_transfers (id, expected_name, expected_hash, expected_size, staging_path,
				destination_store, source_peer, source_outgoing_id, state, created_at, updated_at, error_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
			&sqlitex.ExecOptions{Args: []any{
				t.Id.String(), t.ExpectedName, t.ExpectedHash, t.ExpectedSize, t.StagingPath,
				t.DestinationStore, t.SourcePeer, t.SourceOutgoingId.String(), string(t.State),
				t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
			}})
		if err != nil {
			return core.IncomingTransfer{}, err
		}
		return t, nil
	})
	if err != nil {
		return core.IncomingTransfer{}, err
	}
	return v.(core.IncomingTransfer), nil
}

func incomingFromStmt(stmt *sqlite.Stmt) core.IncomingTransfer {
	id, _ := uuid.Parse(stmt.GetText("id"))
	outId, _ := uuid.Parse(stmt.GetText("source_outgoing_id"))
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	updatedAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("updated_at"))
	return core.IncomingTransfer{
		Id:               id,
		ExpectedName:     stmt.GetText("expected_name"),
		ExpectedHash:     stmt.GetText("expected_hash"),
		ExpectedSize:     stmt.GetInt64("expected_size"),
		StagingPath:      stmt.GetText("staging_path"),
		DestinationStore: stmt.GetText("destination_store"),
		SourcePeer:       stmt.GetText("source_peer"),
		SourceOutgoingId: outId,
		State:            core.IncomingTransferState(stmt.GetText("state")),
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		ErrorText:        stmt.GetText("error_text"),
	}
}

const incomingColumns = `id, expected_name, expected_hash, expected_size, staging_path, destination_store, source_peer, source_outgoing_id, state, created_at, updated_at, error_text`

// GetIncomingTransferByIdempotencyKey looks up an IncomingTransfer by the
// (peer, source outgoing id) idempotency key (spec §4.5, §5: "Idempotency
// keys").
func (db *DB) GetIncomingTransferByIdempotencyKey(sourcePeer string, sourceOutgoingId uuid.UUID) (core.IncomingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var t core.IncomingTransfer
		err := sqlitex.Execute(conn, `SELECT `+incomingColumns+` FROM incoming_transfers WHERE source_peer = ? AND source_outgoing_id = ?`,
			&sqlitex.ExecOptions{Args: []any{sourcePeer, sourceOutgoingId.String()}, ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				t = incomingFromStmt(stmt)
				return nil
			}})
		if err != nil {
			return core.IncomingTransfer{}, err
		}
		if !found {
			return core.IncomingTransfer{}, &NotFoundError{Entity: "incoming_transfer", Key: sourceOutgoingId.String()}
		}
		return t, nil
	})
	if err != nil {
		return core.IncomingTransfer{}, err
	}
	return v.(core.IncomingTransfer), nil
}

// GetIncomingTransfer looks up a single IncomingTransfer by its primary key,
// for callers (query_incoming) that already hold the id rather than the
// (peer, source outgoing id) idempotency key.
func (db *DB) GetIncomingTransfer(id uuid.UUID) (core.IncomingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var found bool
		var t core.IncomingTransfer
		err := sqlitex.Execute(conn, `SELECT `+incomingColumns+` FROM incoming_transfers WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}, ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				t = incomingFromStmt(stmt)
				return nil
			}})
		if err != nil {
			return core.IncomingTransfer{}, err
		}
		if !found {
			return core.IncomingTransfer{}, &NotFoundError{Entity: "incoming_transfer", Key: id.String()}
		}
		return t, nil
	})
	if err != nil {
		return core.IncomingTransfer{}, err
	}
	return v.(core.IncomingTransfer), nil
}

// IncomingTransfersInState returns incoming transfers in the given state,
// for receive_clone and the incoming hypervisor (spec §4.5, §4.6).
func (db *DB) IncomingTransfersInState(state core.IncomingTransferState) ([]core.IncomingTransfer, error) {
	v, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		var results []core.IncomingTransfer
		err := sqlitex.Execute(conn, `SELECT `+incomingColumns+` FROM incoming_transfers WHERE state = ?`,
			&sqlitex.ExecOptions{Args: []any{string(state)}, ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, incomingFromStmt(stmt))
				return nil
			}})
		return results, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]core.IncomingTransfer), nil
}

// SetIncomingTransferState updates an IncomingTransfer's state unconditionally
// (the destination side's state machine is a simple linear progression, not
// the monotonic DAG OutgoingTransfer uses, so no transition table is
// consulted here).
func (db *DB) SetIncomingTransferState(id uuid.UUID, state core.IncomingTransferState, errorText string) error {
	_, err := db.submit(func(conn *sqlite.Conn) (any, error) {
		return nil, sqlitex.Execute(conn,
			`UPDATE incoming_transfers SET state = ?, updated_at = ?, error_text = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(state), time.Now().UTC().Format(time.RFC3339Nano), errorText, id.String()}})
	})
	return err
}
