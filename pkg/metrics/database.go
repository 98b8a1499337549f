// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/telemetry/internal/events"
	"github.com/antimetal/telemetry/pkg/storage"
)

// ExecutionCounterID is the reserved counter tracking how many process
// lifetimes contributed events to a ping.
const ExecutionCounterID = "glean.execution_counter"

const (
	counterKind        = "counter"
	labeledCounterKind = "labeled_counter"
)

// Compile-time check: the database backs the events subsystem's counter
// and error bookkeeping.
var _ events.MetricsStore = (*Database)(nil)

// Database is the generic metrics database: persisted metric values keyed
// by lifetime, type, identifier, and ping. It shares the storage tree with
// the events database and is serialized on the same dispatch queue.
type Database struct {
	logger logr.Logger
	store  storage.Store
}

// NewDatabase creates a metrics database on top of store.
func NewDatabase(logger logr.Logger, store storage.Store) *Database {
	return &Database{
		logger: logger.WithName("metrics-db"),
		store:  store,
	}
}

func counterPath(lifetime Lifetime, id string) storage.Path {
	return storage.Path{"metrics", string(lifetime), counterKind, id}
}

func labeledCounterPath(lifetime Lifetime, id string) storage.Path {
	return storage.Path{"metrics", string(lifetime), labeledCounterKind, id}
}

// GetCounter returns the counter's value in ping; ok is false when unset.
func (d *Database) GetCounter(lifetime Lifetime, id, ping string) (int64, bool, error) {
	raw, ok, err := d.store.Get(counterPath(lifetime, id))
	if err != nil || !ok {
		return 0, false, err
	}

	var perPing map[string]int64
	if err := json.Unmarshal(raw, &perPing); err != nil {
		return 0, false, fmt.Errorf("counter %q is unreadable: %w", id, err)
	}
	value, ok := perPing[ping]
	return value, ok, nil
}

// SetCounter stores value for the counter in ping.
func (d *Database) SetCounter(lifetime Lifetime, id, ping string, value int64) error {
	return d.mutateCounter(lifetime, id, func(perPing map[string]int64) {
		perPing[ping] = value
	})
}

// AddCounter adds amount to the counter in ping and returns the new value.
func (d *Database) AddCounter(lifetime Lifetime, id, ping string, amount int64) (int64, error) {
	var updated int64
	err := d.mutateCounter(lifetime, id, func(perPing map[string]int64) {
		perPing[ping] += amount
		updated = perPing[ping]
	})
	return updated, err
}

// RemoveCounter unsets the counter in ping.
func (d *Database) RemoveCounter(lifetime Lifetime, id, ping string) error {
	return d.mutateCounter(lifetime, id, func(perPing map[string]int64) {
		delete(perPing, ping)
	})
}

// RemoveCounterAll unsets the counter for every ping.
func (d *Database) RemoveCounterAll(lifetime Lifetime, id string) error {
	return d.store.Delete(counterPath(lifetime, id))
}

func (d *Database) mutateCounter(lifetime Lifetime, id string, apply func(map[string]int64)) error {
	return d.store.Update(counterPath(lifetime, id), func(current json.RawMessage) (json.RawMessage, error) {
		perPing := make(map[string]int64)
		if current != nil {
			if err := json.Unmarshal(current, &perPing); err != nil {
				d.logger.Error(err, "counter is unreadable, resetting", "metric", id)
				perPing = make(map[string]int64)
			}
		}
		apply(perPing)
		if len(perPing) == 0 {
			return nil, nil
		}
		return json.Marshal(perPing)
	})
}

// AddLabeledCounter adds amount to one label of a labeled counter in ping.
func (d *Database) AddLabeledCounter(lifetime Lifetime, id, ping, label string, amount int64) error {
	return d.store.Update(labeledCounterPath(lifetime, id), func(current json.RawMessage) (json.RawMessage, error) {
		perPing := make(map[string]map[string]int64)
		if current != nil {
			if err := json.Unmarshal(current, &perPing); err != nil {
				d.logger.Error(err, "labeled counter is unreadable, resetting", "metric", id)
				perPing = make(map[string]map[string]int64)
			}
		}
		if perPing[ping] == nil {
			perPing[ping] = make(map[string]int64)
		}
		perPing[ping][label] += amount
		return json.Marshal(perPing)
	})
}

// GetLabeledCounter returns one label's value of a labeled counter in ping.
func (d *Database) GetLabeledCounter(lifetime Lifetime, id, ping, label string) (int64, bool, error) {
	raw, ok, err := d.store.Get(labeledCounterPath(lifetime, id))
	if err != nil || !ok {
		return 0, false, err
	}

	var perPing map[string]map[string]int64
	if err := json.Unmarshal(raw, &perPing); err != nil {
		return 0, false, fmt.Errorf("labeled counter %q is unreadable: %w", id, err)
	}
	value, ok := perPing[ping][label]
	return value, ok, nil
}

// The methods below satisfy events.MetricsStore. The execution counter has
// user lifetime so it survives process restarts alongside the buffers it
// describes.

func (d *Database) ExecutionCounter(ping string) (int64, bool, error) {
	return d.GetCounter(LifetimeUser, ExecutionCounterID, ping)
}

func (d *Database) SetExecutionCounter(ping string, value int64) error {
	return d.SetCounter(LifetimeUser, ExecutionCounterID, ping, value)
}

func (d *Database) AddExecutionCounter(ping string, amount int64) (int64, error) {
	return d.AddCounter(LifetimeUser, ExecutionCounterID, ping, amount)
}

func (d *Database) ClearExecutionCounter(ping string) error {
	return d.RemoveCounter(LifetimeUser, ExecutionCounterID, ping)
}

func (d *Database) ClearAllExecutionCounters() error {
	return d.RemoveCounterAll(LifetimeUser, ExecutionCounterID)
}

func (d *Database) RecordInvalidValue(metricID, ping string) {
	d.recordError(metricID, []string{ping}, ErrorInvalidValue, "")
}
