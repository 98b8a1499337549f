// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errEmptyPath = errors.New("storage: empty path")

// treeGet walks root along path and returns the node found there.
func treeGet(root map[string]any, path Path) (any, bool) {
	if len(path) == 0 {
		return root, true
	}
	node := any(root)
	for _, key := range path {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// treeSet writes value at path, creating intermediate maps. A non-map
// intermediate node is replaced; persisted state always wins over shape.
func treeSet(root map[string]any, path Path, value any) error {
	if len(path) == 0 {
		return errEmptyPath
	}
	m := root
	for _, key := range path[:len(path)-1] {
		child, ok := m[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[key] = child
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

// treeDelete removes the node at path. Missing nodes are ignored.
func treeDelete(root map[string]any, path Path) {
	if len(path) == 0 {
		return
	}
	m := root
	for _, key := range path[:len(path)-1] {
		child, ok := m[key].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, path[len(path)-1])
}

// treeUpdate applies a mutator to the node at path.
func treeUpdate(root map[string]any, path Path, mutate Mutator) error {
	var current json.RawMessage
	if node, ok := treeGet(root, path); ok {
		raw, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("storage: marshaling %q: %w", path, err)
		}
		current = raw
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}
	if next == nil {
		treeDelete(root, path)
		return nil
	}

	var value any
	if err := json.Unmarshal(next, &value); err != nil {
		return fmt.Errorf("storage: mutator produced invalid JSON for %q: %w", path, err)
	}
	return treeSet(root, path, value)
}

// treeMarshal renders the node at path back to JSON.
func treeMarshal(root map[string]any, path Path) (json.RawMessage, bool, error) {
	node, ok := treeGet(root, path)
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, false, fmt.Errorf("storage: marshaling %q: %w", path, err)
	}
	return raw, true, nil
}
