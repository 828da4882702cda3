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

// Package stores implements the on-disk Store backend: a staging area files
// are written into before they're verified, and a commit area holding
// immutable, content-addressed instances once verification succeeds.
package stores

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
)

// LocalStore moves files between a staging area and a commit area on a
// local POSIX file system (spec §4.2). It's the only StoreType the
// reference implementation ships, but orchestration only ever reaches it
// through this interface-shaped set of methods, so a second backend is a
// matter of adding a type, not touching callers.
type LocalStore struct {
	name                 string
	stagingPath          string
	storePath            string
	groupWriteAfterStage bool
	ownAfterCommit       bool
	readonlyAfterCommit  bool

	mu      sync.Mutex
	staging map[string]stagedUpload // handle -> in-flight upload
}

type stagedUpload struct {
	name         string
	expectedSize int64
	path         string
}

// NotFoundError is returned when a requested instance path or stage handle
// does not exist within the store.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such path in store: %s", e.Path)
}

// SizeMismatchError is returned when a staged upload's final size does not
// match what the caller declared at stage time.
type SizeMismatchError struct {
	Expected, Actual int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("staged file size %d does not match expected size %d", e.Actual, e.Expected)
}

// HashMismatchError is returned when a committed file's content hash does
// not match the hash the caller declared.
type HashMismatchError struct {
	Expected, Actual string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash %s does not match expected hash %s", e.Actual, e.Expected)
}

// NewLocalStore constructs a LocalStore from the named entry in the loaded
// configuration (spec §6 add_stores).
func NewLocalStore(name string) (*LocalStore, error) {
	sc, found := config.Stores[name]
	if !found {
		return nil, fmt.Errorf("store %q is not configured", name)
	}
	for _, dir := range []string{sc.StoreData.StagingPath, sc.StoreData.StorePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &LocalStore{
		name:                 name,
		stagingPath:          sc.StoreData.StagingPath,
		storePath:            sc.StoreData.StorePath,
		groupWriteAfterStage: sc.StoreData.GroupWriteAfterStage,
		ownAfterCommit:       sc.StoreData.OwnAfterCommit,
		readonlyAfterCommit:  sc.StoreData.ReadonlyAfterCommit,
		staging:              make(map[string]stagedUpload),
	}, nil
}

// Name returns the configured name this store is registered under.
func (s *LocalStore) Name() string { return s.name }

// Root returns the store's commit-area root path, for callers (the
// scheduler's create_local_clone task) that copy bytes directly between two
// local stores without going through Stage/Commit on the destination side.
func (s *LocalStore) Root() string { return s.storePath }

// StagingRoot returns the store's staging-area root path, for callers (the
// api package's stage_batch handler) that need to tell a peer where to push
// bytes before any individual file handle exists yet.
func (s *LocalStore) StagingRoot() string { return s.stagingPath }

// Stage allocates a staging location for a new upload of the given
// declared size and returns a handle identifying it. The caller writes the
// file's bytes to the path returned by StagePath before calling Commit.
func (s *LocalStore) Stage(name string, expectedSize int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", name, expectedSize, len(s.staging)))))
	path := filepath.Join(s.stagingPath, handle)
	s.staging[handle] = stagedUpload{name: name, expectedSize: expectedSize, path: path}
	return handle, nil
}

// StagePath returns the filesystem path a stage handle's bytes should be
// written to.
func (s *LocalStore) StagePath(handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, found := s.staging[handle]
	if !found {
		return "", &NotFoundError{Path: handle}
	}
	return up.path, nil
}

// Commit verifies a staged upload's size and hash and moves it into the
// commit area under finalName, returning the committed instance's path
// relative to the store root. After commit the staging entry is forgotten.
func (s *LocalStore) Commit(handle, finalName, expectedHash string) (string, error) {
	s.mu.Lock()
	up, found := s.staging[handle]
	s.mu.Unlock()
	if !found {
		return "", &NotFoundError{Path: handle}
	}

	info, err := os.Stat(up.path)
	if err != nil {
		return "", err
	}
	if up.expectedSize > 0 && info.Size() != up.expectedSize {
		return "", &SizeMismatchError{Expected: up.expectedSize, Actual: info.Size()}
	}

	actualHash, err := hashFile(up.path)
	if err != nil {
		return "", err
	}
	if expectedHash != "" && actualHash != expectedHash {
		return "", &HashMismatchError{Expected: expectedHash, Actual: actualHash}
	}

	destPath := filepath.Join(s.storePath, finalName)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}

	mode := fs.FileMode(0o644)
	if s.readonlyAfterCommit {
		mode = 0o444
	}
	if s.groupWriteAfterStage {
		mode |= 0o020
	}
	if err := os.Chmod(up.path, mode); err != nil {
		return "", err
	}
	if err := os.Rename(up.path, destPath); err != nil {
		return "", err
	}

	s.mu.Lock()
	delete(s.staging, handle)
	s.mu.Unlock()

	return finalName, nil
}

// Delete removes a committed instance's file from the store. The caller is
// responsible for checking the instance's DeletionPolicy first (spec §9).
func (s *LocalStore) Delete(path string) error {
	fullPath := filepath.Join(s.storePath, path)
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &NotFoundError{Path: path}
		}
		return err
	}
	return nil
}

// Capacity reports the total size and the free space of the file system
// holding the commit area, from its statistics. The store's configured
// capacity is not consulted.
func (s *LocalStore) Capacity() (capacity, free int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.storePath, &stat); err != nil {
		return 0, 0, err
	}
	free = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	return total, free, nil
}

// Enumerate walks the commit area and reports every on-disk file's path
// (relative to the store root), size, and content hash. Used by
// check_integrity to reconcile on-disk reality against metadatadb records.
func (s *LocalStore) Enumerate() ([]core.InstanceManifestEntry, error) {
	var entries []core.InstanceManifestEntry
	err := filepath.WalkDir(s.storePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.storePath, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, core.InstanceManifestEntry{
			Path: rel,
			Size: info.Size(),
			Hash: hash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// hashFile computes the hex-encoded MD5 digest of a regular file's content,
// matching core.File.Hash's format.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
