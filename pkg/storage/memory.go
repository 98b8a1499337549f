// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package storage

import (
	"encoding/json"
	"sync"
)

// Compile-time check
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store backed by an in-process JSON tree. It is the
// default for tests and for embedders that manage persistence themselves.
type MemoryStore struct {
	mu   sync.Mutex
	root map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: make(map[string]any)}
}

func (s *MemoryStore) Get(path Path) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return treeMarshal(s.root, path)
}

func (s *MemoryStore) Update(path Path, mutate Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return treeUpdate(s.root, path, mutate)
}

func (s *MemoryStore) Delete(path Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	treeDelete(s.root, path)
	return nil
}
