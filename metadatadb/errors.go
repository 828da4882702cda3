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

import "fmt"

// NotFoundError indicates that a requested entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("metadatadb: %s %q not found", e.Entity, e.Key)
}

// ConflictError indicates a uniqueness violation. CreateUser returns it
// for a duplicate user name; a duplicate File.name is reported by
// CreateFile as HashMismatchError instead.
type ConflictError struct {
	Entity string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("metadatadb: %s %q already exists", e.Entity, e.Key)
}

// HashMismatchError indicates a re-delivered upload whose name matches an
// existing File but whose hash does not (spec §5: "a name collision is
// fatal").
type HashMismatchError struct {
	Name string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("metadatadb: file %q exists with a different hash", e.Name)
}

// DeletionDisallowedError indicates an attempt to delete an Instance whose
// DeletionPolicy forbids it (spec §9 Open Question, resolved: enforced here
// as well as at the api layer).
type DeletionDisallowedError struct {
	InstanceId string
}

func (e *DeletionDisallowedError) Error() string {
	return fmt.Sprintf("metadatadb: instance %q has a disallow-deletion policy", e.InstanceId)
}

// InvalidTransitionError mirrors core.InvalidTransitionError but is raised
// when the metadata store itself -- not just application code -- rejects an
// out-of-order OutgoingTransfer/IncomingTransfer state update (spec §5: "a
// DB CHECK or application-level guard rejects out-of-order transitions").
type InvalidTransitionError struct {
	Id       string
	From, To string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("metadatadb: transfer %q: invalid transition %s -> %s", e.Id, e.From, e.To)
}
