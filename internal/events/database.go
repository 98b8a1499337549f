// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package events implements the durable per-ping event buffers of the
// telemetry SDK: recording, restart bridging across process lifetimes,
// timestamp normalization, and capacity- and startup-triggered delivery.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/antimetal/telemetry/internal/dispatch"
	"github.com/antimetal/telemetry/pkg/storage"
)

const (
	// gleanCategory is the reserved metric category produced by the SDK
	// itself.
	gleanCategory = "glean"

	// restartedName is the synthetic event separating process lifetimes
	// within a persisted buffer.
	restartedName = "restarted"

	// databaseMetricID is the metric that accumulates errors about
	// unreadable persisted entries.
	databaseMetricID = "glean.event_database"

	// EventsPingName is the ping drained by capacity and startup
	// submissions.
	EventsPingName = "events"

	// ReasonStartup tags the submission scheduled when prior events
	// remain on disk at initialization.
	ReasonStartup = "startup"

	// ReasonMaxCapacity tags the submission triggered when the events
	// ping buffer fills up.
	ReasonMaxCapacity = "max_capacity"
)

var (
	eventsRootPath    = storage.Path{"events"}
	startTimePath     = storage.Path{"events-meta", "start-time"}
	eventsMetaPath    = storage.Path{"events-meta"}
	restartedMetricID = gleanCategory + "." + restartedName
)

// ErrNotInitialized is returned when recording before Initialize.
var ErrNotInitialized = errors.New("events database not initialized")

// MetricsStore is the narrow view of the generic metrics database the
// events database needs: the per-ping execution counter and the
// invalid-value error counter.
type MetricsStore interface {
	ExecutionCounter(ping string) (int64, bool, error)
	SetExecutionCounter(ping string, value int64) error
	AddExecutionCounter(ping string, amount int64) (int64, error)
	ClearExecutionCounter(ping string) error
	ClearAllExecutionCounters() error

	// RecordInvalidValue bumps the invalid-value error counter for
	// metricID in ping.
	RecordInvalidValue(metricID, ping string)
}

// Submitter hands a drained ping off for assembly and upload. Submit is
// always invoked on the dispatch queue, after the state transition that
// triggered it has committed.
type Submitter interface {
	Submit(ping, reason string) error
}

// Config carries the events-relevant slice of the SDK configuration.
type Config struct {
	// MaxEvents is the buffer length at which the events ping is
	// submitted. Always >= 1.
	MaxEvents int
}

// Database owns the per-ping ordered event buffers persisted under
// "events/<ping>" and the lifetime bookkeeping under "events-meta".
// All operations are serialized on the dispatch queue.
type Database struct {
	logger  logr.Logger
	store   storage.Store
	metrics MetricsStore
	queue   *dispatch.Queue
	clock   Clock

	uploadEnabled func() bool

	// Written once by the Initialize task, read only by later tasks on
	// the same queue.
	maxEvents   int
	submitter   Submitter
	initialized bool
}

// NewDatabase creates an events database. uploadEnabled gates recording;
// it must be safe to call from the dispatch worker.
func NewDatabase(logger logr.Logger, store storage.Store, metrics MetricsStore,
	queue *dispatch.Queue, clock Clock, uploadEnabled func() bool) *Database {
	return &Database{
		logger:        logger.WithName("events-db"),
		store:         store,
		metrics:       metrics,
		queue:         queue,
		clock:         clock,
		uploadEnabled: uploadEnabled,
	}
}

// Initialize stitches persisted buffers into the new lifetime: it bumps
// every dirty ping's execution counter, appends a restart marker, persists
// the new process start time, and schedules a single startup submission of
// the events ping when anything is left on disk. It runs as a queue task,
// so the submission is naturally deferred until the queue starts.
func (d *Database) Initialize(cfg Config, submitter Submitter) error {
	if cfg.MaxEvents < 1 {
		cfg.MaxEvents = 1
	}
	return d.queue.Launch(func() {
		d.initializeSync(cfg, submitter)
	})
}

func (d *Database) initializeSync(cfg Config, submitter Submitter) {
	d.maxEvents = cfg.MaxEvents
	d.submitter = submitter
	d.initialized = true

	buffers := d.loadBuffers()
	prevStart, hasPrev := d.readStartTime()
	curStart := d.clock.StartTimeMS()

	dirty := false
	for _, ping := range sortedKeys(buffers) {
		if len(buffers[ping]) == 0 {
			continue
		}
		counter, err := d.metrics.AddExecutionCounter(ping, 1)
		if err != nil {
			d.logger.Error(err, "failed to advance execution counter", "ping", ping)
			continue
		}

		var offset int64
		if hasPrev {
			offset = curStart - prevStart
			if offset <= 0 {
				d.metrics.RecordInvalidValue(restartedMetricID, ping)
				d.logger.V(1).Info("clock did not advance across restart",
					"ping", ping, "offset_ms", offset)
				offset = 0
			}
		}

		marker := storedEvent{
			RecordedEvent: RecordedEvent{
				Category:  gleanCategory,
				Name:      restartedName,
				Timestamp: offset,
			},
			ExecutionCounter: counter,
		}
		if _, err := d.appendEvent(ping, marker); err != nil {
			d.logger.Error(err, "failed to append restart marker", "ping", ping)
			continue
		}
		dirty = true
	}

	d.writeStartTime(curStart)

	if dirty {
		if err := submitter.Submit(EventsPingName, ReasonStartup); err != nil {
			d.logger.Error(err, "startup submission failed")
		}
	}
}

// Record appends the event to every requested ping. Recording never fails
// from the caller's perspective; storage problems are logged and the event
// is dropped.
func (d *Database) Record(event RecordedEvent, sendInPings []string, disabled bool) error {
	pings := append([]string(nil), sendInPings...)
	return d.queue.Launch(func() {
		d.RecordSync(event, pings, disabled)
	})
}

// RecordSync is Record for callers already on the dispatch queue.
func (d *Database) RecordSync(event RecordedEvent, sendInPings []string, disabled bool) {
	if !d.initialized {
		d.logger.Error(ErrNotInitialized, "dropping event", "event", event.Identifier())
		return
	}
	if disabled || !d.uploadEnabled() {
		return
	}

	for _, ping := range sendInPings {
		counter, ok, err := d.metrics.ExecutionCounter(ping)
		if err != nil {
			d.logger.Error(err, "failed to read execution counter", "ping", ping)
			continue
		}
		if !ok {
			counter = 1
			if err := d.metrics.SetExecutionCounter(ping, counter); err != nil {
				d.logger.Error(err, "failed to seed execution counter", "ping", ping)
				continue
			}
		}

		stored := storedEvent{RecordedEvent: event, ExecutionCounter: counter}
		length, err := d.appendEvent(ping, stored)
		if err != nil {
			d.logger.Error(err, "failed to persist event",
				"ping", ping, "event", event.Identifier())
			continue
		}

		// The capacity submission must observe the append it rides on
		// and run before any later append on this ping, so it happens
		// inline rather than as a separate task.
		if ping == EventsPingName && length >= d.maxEvents {
			if err := d.submitter.Submit(EventsPingName, ReasonMaxCapacity); err != nil {
				d.logger.Error(err, "capacity submission failed")
			}
		}
	}
}

// PingEvents returns the normalized public payload for ping, or nil when
// no events are buffered. With clear set, the buffer and the ping's
// execution counter are removed. The call is bridged onto the dispatch
// queue; use Snapshot from code already running on it.
func (d *Database) PingEvents(ctx context.Context, ping string, clear bool) ([]EventPayload, error) {
	var payload []EventPayload
	err := d.queue.Sync(ctx, func() {
		payload = d.Snapshot(ping, clear)
	})
	return payload, err
}

// Snapshot is PingEvents for callers already on the dispatch queue.
func (d *Database) Snapshot(ping string, clear bool) []EventPayload {
	events := d.loadPingBuffer(ping)

	if clear {
		if err := d.store.Delete(append(eventsRootPath, ping)); err != nil {
			d.logger.Error(err, "failed to clear event buffer", "ping", ping)
		}
		if err := d.metrics.ClearExecutionCounter(ping); err != nil {
			d.logger.Error(err, "failed to clear execution counter", "ping", ping)
		}
	}

	if len(events) == 0 {
		return nil
	}
	return normalize(events)
}

// ClearAll wipes every buffer, the execution counters, and the persisted
// start time.
func (d *Database) ClearAll() error {
	return d.queue.Launch(func() {
		if err := d.store.Delete(eventsRootPath); err != nil {
			d.logger.Error(err, "failed to clear event buffers")
		}
		if err := d.store.Delete(eventsMetaPath); err != nil {
			d.logger.Error(err, "failed to clear events metadata")
		}
		if err := d.metrics.ClearAllExecutionCounters(); err != nil {
			d.logger.Error(err, "failed to clear execution counters")
		}
	})
}

// appendEvent persists the event at the tail of the ping's buffer and
// returns the new buffer length.
func (d *Database) appendEvent(ping string, event storedEvent) (int, error) {
	length := 0
	err := d.store.Update(append(eventsRootPath, ping), func(current json.RawMessage) (json.RawMessage, error) {
		var items []json.RawMessage
		if current != nil {
			if err := json.Unmarshal(current, &items); err != nil {
				// A non-array buffer is unreadable; replace it.
				d.logger.Error(err, "event buffer is not an array, replacing", "ping", ping)
				d.metrics.RecordInvalidValue(databaseMetricID, ping)
				items = nil
			}
		}
		raw, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("encoding event: %w", err)
		}
		items = append(items, raw)
		length = len(items)
		return json.Marshal(items)
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// loadPingBuffer reads and decodes one ping's buffer, discarding malformed
// entries with an error count against the event database metric.
func (d *Database) loadPingBuffer(ping string) []storedEvent {
	raw, ok, err := d.store.Get(append(eventsRootPath, ping))
	if err != nil {
		d.logger.Error(err, "failed to read event buffer, treating as empty", "ping", ping)
		return nil
	}
	if !ok {
		return nil
	}
	return d.decodeBuffer(ping, raw)
}

// loadBuffers reads every persisted buffer keyed by ping name.
func (d *Database) loadBuffers() map[string][]storedEvent {
	raw, ok, err := d.store.Get(eventsRootPath)
	if err != nil {
		d.logger.Error(err, "failed to read event buffers, treating as empty")
		return nil
	}
	if !ok {
		return nil
	}

	var perPing map[string]json.RawMessage
	if err := json.Unmarshal(raw, &perPing); err != nil {
		d.logger.Error(err, "events subtree is unreadable, treating as empty")
		return nil
	}

	buffers := make(map[string][]storedEvent, len(perPing))
	for ping, rawBuffer := range perPing {
		buffers[ping] = d.decodeBuffer(ping, rawBuffer)
	}
	return buffers
}

func (d *Database) decodeBuffer(ping string, raw json.RawMessage) []storedEvent {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.logger.Error(err, "event buffer is not an array, discarding", "ping", ping)
		d.metrics.RecordInvalidValue(databaseMetricID, ping)
		return nil
	}

	events := make([]storedEvent, 0, len(items))
	for _, item := range items {
		var event storedEvent
		if err := json.Unmarshal(item, &event); err != nil {
			d.logger.Error(err, "discarding malformed persisted event", "ping", ping)
			d.metrics.RecordInvalidValue(databaseMetricID, ping)
			continue
		}
		events = append(events, event)
	}
	return events
}

func (d *Database) readStartTime() (int64, bool) {
	raw, ok, err := d.store.Get(startTimePath)
	if err != nil {
		d.logger.Error(err, "failed to read persisted start time")
		return 0, false
	}
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		d.logger.Error(err, "persisted start time is unreadable", "raw", string(raw))
		return 0, false
	}
	return value, true
}

func (d *Database) writeStartTime(value int64) {
	err := d.store.Update(startTimePath, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(strconv.FormatInt(value, 10)), nil
	})
	if err != nil {
		d.logger.Error(err, "failed to persist start time")
	}
}

func sortedKeys(m map[string][]storedEvent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
