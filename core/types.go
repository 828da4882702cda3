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

package core

import (
	"time"

	"github.com/google/uuid"
)

// File is the unit of metadata tracked by a Librarian instance. Files are
// immutable once created: Size and Hash never change after the row exists.
// Name is unique within the instance (enforced by metadatadb).
type File struct {
	Id               uuid.UUID
	Name             string // no directory separators
	Size             int64  // bytes
	Hash             string // MD5 or equivalent fixed-width digest, hex-encoded
	CreatedAt        time.Time
	UploaderIdentity string
	ObservationGroup string // optional grouping key
	SessionGroup     string // optional grouping key
}

// InstanceAvailability enumerates the soft/hard delete lifecycle of an
// Instance.
type InstanceAvailability int

const (
	InstanceAvailable InstanceAvailability = iota
	InstanceUnavailable
	InstanceRemoved
)

// DeletionPolicy controls whether a peer administrator may later remove a
// received Instance. Enforced both at the metadatadb layer and the api
// layer (spec §9 Open Question, resolved: enforce at both).
type DeletionPolicy int

const (
	DeletionAllowed DeletionPolicy = iota
	DeletionDisallowed
)

// Instance is a local, on-disk realization of a File on a Store. At most one
// availability state exists per (File, Store) pair.
type Instance struct {
	Id             uuid.UUID
	FileId         uuid.UUID
	StoreName      string
	Path           string // relative to the Store's root; stable once committed
	Availability   InstanceAvailability
	DeletionPolicy DeletionPolicy
	CreatedAt      time.Time
}

// RemoteInstance is a claim that a File has an Instance on a named peer.
// Only created after the peer has confirmed ingestion.
type RemoteInstance struct {
	Id       uuid.UUID
	FileId   uuid.UUID
	PeerName string
	CopiedAt time.Time
}

// StoreType identifies the concrete backend a Store is configured with. The
// reference implementation only provides "local" (a local POSIX
// filesystem), but the tag lets orchestration program against the
// capability set alone (spec §9).
type StoreType string

const (
	StoreTypeLocal StoreType = "local"
)

// Store is a storage backend: a staging area, a commit area, and capacity
// accounting. used <= capacity always holds; non-ingestible stores accept
// clones but not fresh uploads; disabled stores reject new transfers.
type Store struct {
	Name               string
	Type               StoreType
	StagingPath        string
	CommitPath         string
	Capacity           int64 // bytes
	Used               int64 // bytes
	ReportFullFraction float64
	Ingestible         bool
	Enabled            bool
	Available          bool // reflects physical reachability
	GroupWriteAfterStage bool
	OwnAfterCommit       bool
	ReadonlyAfterCommit  bool
	// TransferManagers lists the transfer-manager capability tags this
	// Store supports ("sync", "async") and the endpoint identifiers from
	// which they may be initiated.
	TransferManagers map[string]string
}

// CanAcceptUpload reports whether the store may accept a freshly-ingested
// (non-clone) file of the given size.
func (s Store) CanAcceptUpload(size int64) bool {
	return s.Enabled && s.Ingestible && s.Available && s.Used+size <= s.Capacity
}

// CanAcceptClone reports whether the store may accept a cloned instance of
// the given size (ingestible is not required for clones).
func (s Store) CanAcceptClone(size int64) bool {
	return s.Enabled && s.Available && s.Used+size <= s.Capacity
}

// IsFull reports whether used has crossed the configured full-fraction
// threshold.
func (s Store) IsFull() bool {
	if s.ReportFullFraction <= 0 {
		return false
	}
	return float64(s.Used) >= s.ReportFullFraction*float64(s.Capacity)
}

// OutgoingTransferState is the monotonic state machine driving the
// source-side record of one File being pushed to one peer (spec §4.5).
type OutgoingTransferState string

const (
	OutgoingInitiated OutgoingTransferState = "INITIATED"
	OutgoingOngoing   OutgoingTransferState = "ONGOING"
	OutgoingStaged    OutgoingTransferState = "STAGED"
	OutgoingCompleted OutgoingTransferState = "COMPLETED"
	OutgoingFailed    OutgoingTransferState = "FAILED"
)

// outgoingTransitions enumerates the only legal (from, to) edges of the
// OutgoingTransfer state machine. FAILED is reachable from every state
// except COMPLETED, which is terminal; only an operator may move a
// transfer back from FAILED to INITIATED.
var outgoingTransitions = map[OutgoingTransferState]map[OutgoingTransferState]bool{
	OutgoingInitiated: {OutgoingOngoing: true, OutgoingFailed: true},
	OutgoingOngoing:   {OutgoingStaged: true, OutgoingFailed: true},
	OutgoingStaged:    {OutgoingCompleted: true, OutgoingFailed: true},
	OutgoingCompleted: {},
	OutgoingFailed:    {OutgoingInitiated: true},
}

// CanTransition reports whether moving from one OutgoingTransfer state to
// another is a legal edge of the state machine.
func CanTransition(from, to OutgoingTransferState) bool {
	edges, ok := outgoingTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// OutgoingTransfer is the source-side record of one File being pushed to one
// peer.
type OutgoingTransfer struct {
	Id               uuid.UUID
	FileId           uuid.UUID
	DestinationPeer  string
	SourceStore      string
	TransferMethod   string // "sync" or "async"
	ExternalId       string // opaque transport handle
	BatchId          uuid.NullUUID
	State            OutgoingTransferState
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ErrorText        string
}

// IncomingTransferState is the destination-side mirror of the
// OutgoingTransfer lifecycle.
type IncomingTransferState string

const (
	IncomingInitiated IncomingTransferState = "INITIATED"
	IncomingStaged    IncomingTransferState = "STAGED"
	IncomingIngesting IncomingTransferState = "INGESTING"
	IncomingCompleted IncomingTransferState = "COMPLETED"
	IncomingFailed    IncomingTransferState = "FAILED"
)

// IncomingTransfer is the destination-side record mirroring a peer's
// OutgoingTransfer.
type IncomingTransfer struct {
	Id                 uuid.UUID
	ExpectedName       string
	ExpectedHash       string
	ExpectedSize       int64
	StagingPath        string
	DestinationStore   string
	SourcePeer         string
	SourceOutgoingId   uuid.UUID // idempotency key
	State              IncomingTransferState
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ErrorText          string
}

// SendQueueState tracks a batch submission's lifecycle independent of the
// individual OutgoingTransfers it aggregates (it weakly references them).
type SendQueueState string

const (
	SendQueueQueued    SendQueueState = "QUEUED"
	SendQueueSubmitted SendQueueState = "SUBMITTED"
	SendQueueDone      SendQueueState = "DONE"
)

// SendPathPair is one (source path -> destination path) entry within a
// SendQueueItem.
type SendPathPair struct {
	SourcePath      string
	DestinationPath string
}

// SendQueueItem aggregates up to N OutgoingTransfers into one transport
// submission.
type SendQueueItem struct {
	Id                   uuid.UUID
	DestinationPeer      string
	DestinationEndpoint  string
	Paths                []SendPathPair
	OutgoingTransferIds  []uuid.UUID
	ExternalHandle       string
	State                SendQueueState
	CreatedAt            time.Time
}

// Peer (called a "Librarian" in the federation's own vocabulary) is another
// instance of this service. Its encrypted authenticator is decrypted only
// at call time (spec §4.4, §9).
type Peer struct {
	Name              string
	BaseURL           string
	Port              int
	EncryptedAuth     string // fernet token, base64-encoded
	EnabledForTransfer bool
	LastSeen          time.Time
	LastError         string
}

// AuthLevel is a total order of authorization levels. Every API endpoint
// requires a minimum AuthLevel (spec §6).
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthReadOnly
	AuthCallback
	AuthReadAppend
	AuthReadWrite
	AuthAdmin
)

// Satisfies reports whether a held level satisfies a required minimum
// level, per the total order NONE < READONLY < CALLBACK < READAPPEND <
// READWRITE < ADMIN.
func (held AuthLevel) Satisfies(required AuthLevel) bool {
	return held >= required
}

func (l AuthLevel) String() string {
	switch l {
	case AuthNone:
		return "NONE"
	case AuthReadOnly:
		return "READONLY"
	case AuthCallback:
		return "CALLBACK"
	case AuthReadAppend:
		return "READAPPEND"
	case AuthReadWrite:
		return "READWRITE"
	case AuthAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// ParseAuthLevel parses the String() form back into an AuthLevel.
func ParseAuthLevel(s string) (AuthLevel, error) {
	switch s {
	case "NONE":
		return AuthNone, nil
	case "READONLY":
		return AuthReadOnly, nil
	case "CALLBACK":
		return AuthCallback, nil
	case "READAPPEND":
		return AuthReadAppend, nil
	case "READWRITE":
		return AuthReadWrite, nil
	case "ADMIN":
		return AuthAdmin, nil
	default:
		return AuthNone, &InvalidAuthLevelError{Level: s}
	}
}

// User is a local account able to authenticate with the service.
type User struct {
	Name         string
	PasswordHash string
	Level        AuthLevel
}

// LogSeverity enumerates ErrorLog/BackgroundTaskLog severities (spec §7).
type LogSeverity string

const (
	SeverityWarning  LogSeverity = "warning"
	SeverityError    LogSeverity = "error"
	SeverityCritical LogSeverity = "critical"
)

// LogCategory enumerates ErrorLog/BackgroundTaskLog categories (spec §7).
type LogCategory string

const (
	CategoryStore     LogCategory = "store"
	CategoryTransport LogCategory = "transport"
	CategoryPeer      LogCategory = "peer"
	CategoryInternal  LogCategory = "internal"
)

// InstanceManifestEntry describes one on-disk file discovered by a store's
// enumeration pass (spec §4.2, check_integrity).
type InstanceManifestEntry struct {
	Path string
	Size int64
	Hash string
}

// ErrorLog is an append-only observability row.
type ErrorLog struct {
	Id        uuid.UUID
	Severity  LogSeverity
	Category  LogCategory
	Message   string
	CreatedAt time.Time
}

// BackgroundTaskLog is an append-only observability row recording one
// scheduler tick of one task, doubling as the advisory-lock row that lets
// multiple worker processes claim a task exclusively (spec §4.6).
type BackgroundTaskLog struct {
	Id         uuid.UUID
	TaskName   string
	StartedAt  time.Time
	FinishedAt time.Time
	ClaimedAt  time.Time
	Success    bool
	Message    string
}
