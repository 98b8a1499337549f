// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package storage provides the persistent key/value store backing the
// telemetry databases. Values form a JSON tree addressed by ordered string
// paths; atomicity is per single Update call.
package storage

import (
	"encoding/json"
	"strings"
)

// Path addresses a node in the store, outermost key first.
type Path []string

// String renders the path for logging.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Mutator transforms the current value of a node into its new value.
// current is nil when the node does not exist. Returning a nil value
// deletes the node.
type Mutator func(current json.RawMessage) (json.RawMessage, error)

// Store is the narrow persistence contract shared by all telemetry
// databases. Implementations must serialize individual calls; callers
// provide any cross-call ordering themselves.
type Store interface {
	// Get returns the JSON subtree rooted at path. The boolean reports
	// whether the node exists.
	Get(path Path) (json.RawMessage, bool, error)

	// Update atomically replaces the node at path with the mutator's
	// result, creating intermediate nodes as needed.
	Update(path Path, mutate Mutator) error

	// Delete removes the subtree rooted at path. Deleting a missing node
	// is not an error.
	Delete(path Path) error
}
