// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh store per test so both implementations run
// through the same contract suite.
type storeFactory func(t *testing.T) Store

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("GetMissingNode", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(Path{"events", "nope"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateCreatesIntermediateNodes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(Path{"events-meta", "start-time"}, func(current json.RawMessage) (json.RawMessage, error) {
			assert.Nil(t, current)
			return json.RawMessage(`12345`), nil
		}))

		raw, ok, err := s.Get(Path{"events-meta", "start-time"})
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `12345`, string(raw))

		// Interior node returns the whole subtree.
		raw, ok, err = s.Get(Path{"events-meta"})
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"start-time": 12345}`, string(raw))
	})

	t.Run("UpdateSeesCurrentValue", func(t *testing.T) {
		s := newStore(t)
		appendOne := func(current json.RawMessage) (json.RawMessage, error) {
			var items []int
			if current != nil {
				if err := json.Unmarshal(current, &items); err != nil {
					return nil, err
				}
			}
			return json.Marshal(append(items, len(items)))
		}

		p := Path{"events", "aPing"}
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Update(p, appendOne))
		}

		raw, ok, err := s.Get(p)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `[0, 1, 2]`, string(raw))
	})

	t.Run("NilMutatorResultDeletes", func(t *testing.T) {
		s := newStore(t)
		p := Path{"events", "aPing"}
		require.NoError(t, s.Update(p, func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`[1]`), nil
		}))
		require.NoError(t, s.Update(p, func(json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}))

		_, ok, err := s.Get(p)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteSubtree", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(Path{"events", "a"}, func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`[1]`), nil
		}))
		require.NoError(t, s.Update(Path{"events", "b"}, func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`[2]`), nil
		}))

		require.NoError(t, s.Delete(Path{"events"}))

		_, ok, err := s.Get(Path{"events", "a"})
		require.NoError(t, err)
		assert.False(t, ok)

		// Deleting again is fine.
		require.NoError(t, s.Delete(Path{"events"}))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewFileStore(logr.Discard(), t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewFileStore(logr.Discard(), dir)
	require.NoError(t, err)
	require.NoError(t, s1.Update(Path{"events-meta", "start-time"}, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`99`), nil
	}))

	s2, err := NewFileStore(logr.Discard(), dir)
	require.NoError(t, err)
	raw, ok, err := s2.Get(Path{"events-meta", "start-time"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `99`, string(raw))
}

func TestFileStore_CorruptDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, storeFileName), []byte("{not json"), 0o600))

	s, err := NewFileStore(logr.Discard(), dir)
	require.NoError(t, err)

	_, ok, err := s.Get(Path{"events"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Writes still work after discarding the corrupt document.
	require.NoError(t, s.Update(Path{"events", "aPing"}, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`[]`), nil
	}))
}
