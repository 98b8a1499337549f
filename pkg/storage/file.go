// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gofrs/flock"
)

const (
	storeFileName = "telemetry.json"
	lockFileName  = "telemetry.lock"

	storeFileMode = 0o600
	storeDirMode  = 0o700
)

// Compile-time check
var _ Store = (*FileStore)(nil)

// FileStore persists the JSON tree as a single document on disk. Every
// operation is a locked read-modify-write: the document is re-read under a
// cross-process file lock, mutated, and atomically replaced via a temp file
// rename. A corrupt or unreadable document is logged and treated as empty.
type FileStore struct {
	logger   logr.Logger
	path     string
	fileLock *flock.Flock

	mu sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(logger logr.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return nil, fmt.Errorf("creating data directory %q: %w", dir, err)
	}
	return &FileStore{
		logger:   logger.WithName("file-store"),
		path:     filepath.Join(dir, storeFileName),
		fileLock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

func (s *FileStore) Get(path Path) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, unlock, err := s.load()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	return treeMarshal(root, path)
}

func (s *FileStore) Update(path Path, mutate Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, unlock, err := s.load()
	if err != nil {
		return err
	}
	defer unlock()

	if err := treeUpdate(root, path, mutate); err != nil {
		return err
	}
	return s.save(root)
}

func (s *FileStore) Delete(path Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, unlock, err := s.load()
	if err != nil {
		return err
	}
	defer unlock()

	treeDelete(root, path)
	return s.save(root)
}

// load acquires the cross-process lock and reads the current document.
// The returned unlock func must be called once the operation is complete.
func (s *FileStore) load() (map[string]any, func(), error) {
	if err := s.fileLock.Lock(); err != nil {
		return nil, nil, fmt.Errorf("locking %q: %w", s.fileLock.Path(), err)
	}
	unlock := func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logger.Error(err, "failed to release store lock", "path", s.fileLock.Path())
		}
	}

	root := make(map[string]any)
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return root, unlock, nil
	case err != nil:
		s.logger.Error(err, "failed to read store, starting empty", "path", s.path)
		return root, unlock, nil
	}

	if err := json.Unmarshal(data, &root); err != nil {
		s.logger.Error(err, "store document is corrupt, starting empty", "path", s.path)
		return make(map[string]any), unlock, nil
	}
	return root, unlock, nil
}

func (s *FileStore) save(root map[string]any) error {
	data, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encoding store document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), storeFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing store document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing store document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing store document: %w", err)
	}
	if err := os.Chmod(tmpName, storeFileMode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting store permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing store document: %w", err)
	}
	return nil
}
