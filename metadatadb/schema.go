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
)

// schema is the complete DDL for the metadata store. Foreign keys enforce
// referential integrity (spec §4.1); unique indexes enforce the invariants
// named in §3 and §4.1.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL,
	hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	uploader_identity TEXT NOT NULL DEFAULT '',
	observation_group TEXT NOT NULL DEFAULT '',
	session_group TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stores (
	name TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	staging_path TEXT NOT NULL,
	commit_path TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	report_full_fraction REAL NOT NULL DEFAULT 1.0,
	ingestible INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	available INTEGER NOT NULL DEFAULT 1,
	group_write_after_stage INTEGER NOT NULL DEFAULT 0,
	own_after_commit INTEGER NOT NULL DEFAULT 0,
	readonly_after_commit INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id),
	store_name TEXT NOT NULL REFERENCES stores(name),
	path TEXT NOT NULL,
	availability INTEGER NOT NULL DEFAULT 0,
	deletion_policy INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE (file_id, store_name, path)
);

CREATE TABLE IF NOT EXISTS remote_instances (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id),
	peer_name TEXT NOT NULL,
	copied_at TEXT NOT NULL,
	UNIQUE (file_id, peer_name)
);

CREATE TABLE IF NOT EXISTS peers (
	name TEXT PRIMARY KEY,
	base_url TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	encrypted_auth TEXT NOT NULL DEFAULT '',
	enabled_for_transfer INTEGER NOT NULL DEFAULT 1,
	last_seen TEXT,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	level INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outgoing_transfers (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id),
	destination_peer TEXT NOT NULL REFERENCES peers(name),
	source_store TEXT NOT NULL REFERENCES stores(name),
	transfer_method TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	batch_id TEXT,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT ''
);

-- at most one non-terminal transfer per (file, peer, store): enforced via a
-- partial unique index over the live states only.
CREATE UNIQUE INDEX IF NOT EXISTS outgoing_transfers_live_unique
	ON outgoing_transfers(file_id, destination_peer, source_store)
	WHERE state IN ('INITIATED', 'ONGOING', 'STAGED');

CREATE TABLE IF NOT EXISTS incoming_transfers (
	id TEXT PRIMARY KEY,
	expected_name TEXT NOT NULL,
	expected_hash TEXT NOT NULL,
	expected_size INTEGER NOT NULL,
	staging_path TEXT NOT NULL,
	destination_store TEXT NOT NULL DEFAULT '',
	source_peer TEXT NOT NULL REFERENCES peers(name),
	source_outgoing_id TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	UNIQUE (source_peer, source_outgoing_id)
);

CREATE TABLE IF NOT EXISTS send_queue_items (
	id TEXT PRIMARY KEY,
	destination_peer TEXT NOT NULL REFERENCES peers(name),
	destination_endpoint TEXT NOT NULL DEFAULT '',
	paths_json TEXT NOT NULL,
	outgoing_ids_json TEXT NOT NULL,
	external_handle TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS error_log (
	id TEXT PRIMARY KEY,
	severity TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS background_task_log (
	id TEXT PRIMARY KEY,
	task_name TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	claimed_at TEXT,
	success INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT ''
);
`

func applySchema(conn *sqlite.Conn) error {
	return sqlitex.ExecScript(conn, schema)
}
