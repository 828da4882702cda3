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

// Package metadatadb implements the relational metadata store (spec §4.1):
// atomic create/update of every entity in package core, unique and foreign
// key constraints, filtered enumeration, and retry-with-backoff on
// transient commit failures.
//
// The database gets its own goroutine, which runs every statement serially
// over the single writable connection: every exported method submits a
// closure to it and waits for its result.
package metadatadb

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB is a handle to the metadata store's actor goroutine.
type DB struct {
	requests chan dbRequest
	done     chan struct{}
}

type dbRequest struct {
	do     func(conn *sqlite.Conn) (any, error)
	result chan dbResult
}

type dbResult struct {
	value any
	err   error
}

// Open creates (if necessary) and opens the database at path, applies the
// schema, and starts the actor goroutine.
func Open(path string) (*DB, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, &CantOpenError{Message: err.Error()}
	}
	if err := applySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{
		requests: make(chan dbRequest, 64),
		done:     make(chan struct{}),
	}
	go db.process(conn)
	return db, nil
}

// Close shuts down the actor goroutine and closes the underlying connection.
func (db *DB) Close() error {
	close(db.requests)
	<-db.done
	return nil
}

func (db *DB) process(conn *sqlite.Conn) {
	defer close(db.done)
	defer conn.Close()
	for req := range db.requests {
		var value any
		err := withRetry(func() error {
			var opErr error
			value, opErr = req.do(conn)
			return opErr
		}, isTransientSQLiteError)
		req.result <- dbResult{value: value, err: err}
	}
}

// submit runs do on the actor goroutine and returns its result.
func (db *DB) submit(do func(conn *sqlite.Conn) (any, error)) (any, error) {
	result := make(chan dbResult, 1)
	db.requests <- dbRequest{do: do, result: result}
	r := <-result
	return r.value, r.err
}

// retryDelays is the fixed three-attempt backoff schedule spec §4.1
// mandates for transient commit failures: 100 ms, 500 ms, 2 s.
var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// withRetry runs op, retrying up to three times on a transient error
// (identified by isTransient) using the fixed backoff schedule above. It
// drives cenkalti/backoff's Retry with the fixedSchedule BackOff below
// rather than the library's exponential default, since the schedule here
// is fixed, not growing.
func withRetry(op func() error, isTransient func(error) bool) error {
	attempt := 0
	b := &fixedSchedule{delays: retryDelays}
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= len(retryDelays) || !isTransient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		return err
	}, b)
}

// fixedSchedule implements backoff.BackOff with the exact fixed delays
// spec §4.1 calls for, rather than cenkalti/backoff's default exponential
// curve.
type fixedSchedule struct {
	delays []time.Duration
	next   int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.next >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.next]
	f.next++
	return d
}

func (f *fixedSchedule) Reset() {
	f.next = 0
}

// isTransientSQLiteError reports whether an sqlite error code indicates a
// transient condition worth retrying (lock contention), as opposed to a
// constraint violation or programmer error.
func isTransientSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultBusy || code == sqlite.ResultLocked
}

// withTransaction runs fn inside a savepoint, rolling back on any error or
// panic, exactly scoping the lifetime of the transaction to the block
// (spec §9: "every DB transaction is acquired within a scoped block that
// guarantees rollback on any early exit").
func withTransaction(conn *sqlite.Conn, fn func() error) (err error) {
	release := sqlitex.Save(conn)
	defer func() {
		release(&err)
	}()
	err = fn()
	return err
}

// CantOpenError indicates the database file could not be opened.
type CantOpenError struct {
	Message string
}

func (e *CantOpenError) Error() string {
	return fmt.Sprintf("metadatadb: could not open database: %s", e.Message)
}
