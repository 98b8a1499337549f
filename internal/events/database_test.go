// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/telemetry/internal/dispatch"
	"github.com/antimetal/telemetry/internal/events"
	"github.com/antimetal/telemetry/pkg/metrics"
	"github.com/antimetal/telemetry/pkg/storage"
)

type fakeClock struct {
	elapsed int64
	start   int64
}

func (c *fakeClock) ElapsedMS() int64   { return c.elapsed }
func (c *fakeClock) StartTimeMS() int64 { return c.start }

type submission struct {
	Ping   string
	Reason string
	Events []events.EventPayload
}

// fakeSubmitter drains the triggering ping the way the real assembler
// does, so capacity and startup submissions observe the buffer state at
// the moment they fire.
type fakeSubmitter struct {
	db          *events.Database
	submissions []submission
}

func (s *fakeSubmitter) Submit(ping, reason string) error {
	var drained []events.EventPayload
	if s.db != nil {
		drained = s.db.Snapshot(ping, true)
	}
	s.submissions = append(s.submissions, submission{Ping: ping, Reason: reason, Events: drained})
	return nil
}

type harness struct {
	store     storage.Store
	queue     *dispatch.Queue
	metricsDB *metrics.Database
	db        *events.Database
	clock     *fakeClock
	submitter *fakeSubmitter

	uploadEnabled bool
}

func newHarness(t *testing.T, store storage.Store, clock *fakeClock, maxEvents int) *harness {
	t.Helper()
	logger := logr.Discard()

	h := &harness{
		store:         store,
		queue:         dispatch.NewQueue(logger),
		metricsDB:     metrics.NewDatabase(logger, store),
		clock:         clock,
		uploadEnabled: true,
	}
	h.db = events.NewDatabase(logger, store, h.metricsDB, h.queue, clock,
		func() bool { return h.uploadEnabled })
	h.submitter = &fakeSubmitter{db: h.db}

	require.NoError(t, h.db.Initialize(events.Config{MaxEvents: maxEvents}, h.submitter))
	h.queue.Start()
	h.flush(t)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Sync(ctx, func() {}))
}

func (h *harness) record(t *testing.T, name string, timestamp int64, pings ...string) {
	t.Helper()
	require.NoError(t, h.db.Record(events.RecordedEvent{
		Category:  "app",
		Name:      name,
		Timestamp: timestamp,
	}, pings, false))
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(ctx))
}

func TestRecordAndSnapshot(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)

	h.record(t, "first", 100, "custom")
	h.record(t, "second", 130, "custom")

	got, err := h.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Name)
	assert.Equal(t, int64(0), got[0].Timestamp)
	assert.Equal(t, int64(30), got[1].Timestamp)
}

func TestRecordSeedsExecutionCounter(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)

	h.record(t, "only", 0, "custom")
	h.flush(t)

	counter, ok, err := h.metricsDB.ExecutionCounter("custom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), counter)
}

func TestSnapshotClearRemovesBufferAndCounter(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)

	h.record(t, "gone", 0, "custom")

	got, err := h.db.PingEvents(context.Background(), "custom", true)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = h.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok, err := h.metricsDB.ExecutionCounter("custom")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledEventNotRecorded(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)

	require.NoError(t, h.db.Record(events.RecordedEvent{Name: "off"}, []string{"custom"}, true))

	got, err := h.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUploadDisabledDropsEvents(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)
	h.flush(t)
	h.uploadEnabled = false

	h.record(t, "dropped", 0, "custom")

	got, err := h.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCapacitySubmission(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 3)

	for i := int64(0); i < 7; i++ {
		h.record(t, "e", i*10, events.EventsPingName)
	}
	h.flush(t)

	// Seven events with a threshold of three: two full submissions, one
	// event left buffered.
	require.Len(t, h.submitter.submissions, 2)
	for _, sub := range h.submitter.submissions {
		assert.Equal(t, events.EventsPingName, sub.Ping)
		assert.Equal(t, events.ReasonMaxCapacity, sub.Reason)
		assert.Len(t, sub.Events, 3)
	}

	got, err := h.db.PingEvents(context.Background(), events.EventsPingName, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCapacityOnlyAppliesToEventsPing(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 2)

	for i := int64(0); i < 5; i++ {
		h.record(t, "e", i, "custom")
	}
	h.flush(t)

	assert.Empty(t, h.submitter.submissions)
}

func TestRestartBridging(t *testing.T) {
	store := storage.NewMemoryStore()

	h1 := newHarness(t, store, &fakeClock{start: 1000}, 500)
	h1.record(t, "before", 0, events.EventsPingName)
	h1.record(t, "also", 10, events.EventsPingName)
	h1.shutdown(t)

	// One hour later the process comes back.
	h2 := newHarness(t, store, &fakeClock{start: 3_601_000}, 500)

	require.Len(t, h2.submitter.submissions, 1)
	sub := h2.submitter.submissions[0]
	assert.Equal(t, events.EventsPingName, sub.Ping)
	assert.Equal(t, events.ReasonStartup, sub.Reason)

	// Trailing restart marker is dropped; the startup ping carries only
	// the previous lifetime's events.
	require.Len(t, sub.Events, 2)
	assert.Equal(t, "before", sub.Events[0].Name)
	assert.Equal(t, int64(0), sub.Events[0].Timestamp)
	assert.Equal(t, int64(10), sub.Events[1].Timestamp)
}

func TestRestartAdvancesExecutionCounter(t *testing.T) {
	store := storage.NewMemoryStore()

	h1 := newHarness(t, store, &fakeClock{start: 1000}, 500)
	h1.record(t, "old", 0, "custom")
	h1.shutdown(t)

	h2 := newHarness(t, store, &fakeClock{start: 10_000}, 500)
	counter, ok, err := h2.metricsDB.ExecutionCounter("custom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), counter)
}

func TestRestartBridgesAcrossLifetimes(t *testing.T) {
	store := storage.NewMemoryStore()

	h1 := newHarness(t, store, &fakeClock{start: 1000}, 500)
	h1.record(t, "old", 5, "custom")
	h1.shutdown(t)

	h2 := newHarness(t, store, &fakeClock{start: 61_000}, 500)
	h2.record(t, "new", 3, "custom")

	got, err := h2.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "old", got[0].Name)
	assert.Equal(t, "glean.restarted", got[1].Category+"."+got[1].Name)
	assert.Equal(t, int64(60_000), got[1].Timestamp)
	assert.Equal(t, "new", got[2].Name)
	assert.Equal(t, int64(60_003), got[2].Timestamp)
}

func TestRestartWithNonAdvancingClock(t *testing.T) {
	store := storage.NewMemoryStore()

	h1 := newHarness(t, store, &fakeClock{start: 50_000}, 500)
	h1.record(t, "old", 0, "custom")
	h1.shutdown(t)

	// Start time moved backward; the bad offset is clamped and counted.
	h2 := newHarness(t, store, &fakeClock{start: 40_000}, 500)
	h2.record(t, "new", 0, "custom")

	got, err := h2.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Timestamp, got[i-1].Timestamp)
	}

	errorCount := h2.metricsDB.TestGetNumRecordedErrors(
		"glean.restarted", metrics.ErrorInvalidValue, "custom")
	assert.Equal(t, int64(1), errorCount)
}

func TestInitializeCleanStoreIsQuiet(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)
	assert.Empty(t, h.submitter.submissions)
}

func TestClearAll(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), &fakeClock{start: 1000}, 500)

	h.record(t, "a", 0, "custom")
	h.record(t, "b", 0, events.EventsPingName)
	require.NoError(t, h.db.ClearAll())

	for _, ping := range []string{"custom", events.EventsPingName} {
		got, err := h.db.PingEvents(context.Background(), ping, false)
		require.NoError(t, err)
		assert.Empty(t, got, "ping %q not cleared", ping)
	}

	_, ok, err := h.metricsDB.ExecutionCounter("custom")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedPersistedEntryDiscarded(t *testing.T) {
	store := storage.NewMemoryStore()

	h1 := newHarness(t, store, &fakeClock{start: 1000}, 500)
	h1.record(t, "good", 0, "custom")
	h1.shutdown(t)

	// Corrupt one entry in place.
	err := store.Update(storage.Path{"events", "custom"}, func(current json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`[{"category":"app","name":"good","timestamp":0,"extra":{"#execution_counter":1}},"garbage"]`), nil
	})
	require.NoError(t, err)

	h2 := newHarness(t, store, &fakeClock{start: 2000}, 500)
	got, err := h2.db.PingEvents(context.Background(), "custom", false)
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name
	}
	assert.Contains(t, names, "good")
	assert.NotContains(t, names, "garbage")

	errorCount := h2.metricsDB.TestGetNumRecordedErrors(
		"glean.event_database", metrics.ErrorInvalidValue, "custom")
	assert.GreaterOrEqual(t, errorCount, int64(1))
}
