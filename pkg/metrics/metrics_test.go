// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/telemetry/internal/dispatch"
	"github.com/antimetal/telemetry/internal/events"
	"github.com/antimetal/telemetry/pkg/storage"
)

type fakeClock struct {
	elapsed int64
	start   int64
}

func (c *fakeClock) ElapsedMS() int64   { return c.elapsed }
func (c *fakeClock) StartTimeMS() int64 { return c.start }

type nopSubmitter struct{}

func (nopSubmitter) Submit(ping, reason string) error { return nil }

type testRecorder struct {
	*Recorder
	clock   *fakeClock
	enabled bool
}

func newTestRecorder(t *testing.T) *testRecorder {
	t.Helper()
	logger := logr.Discard()
	store := storage.NewMemoryStore()
	queue := dispatch.NewQueue(logger)
	db := NewDatabase(logger, store)
	clock := &fakeClock{start: 1000}

	tr := &testRecorder{clock: clock, enabled: true}
	eventsDB := events.NewDatabase(logger, store, db, queue, clock,
		func() bool { return tr.enabled })
	require.NoError(t, eventsDB.Initialize(events.Config{MaxEvents: 500}, nopSubmitter{}))
	queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})

	tr.Recorder = &Recorder{
		Logger:        logger,
		Queue:         queue,
		Database:      db,
		Events:        eventsDB,
		Clock:         clock,
		UploadEnabled: func() bool { return tr.enabled },
	}
	return tr
}

func (r *testRecorder) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Queue.Sync(ctx, func() {}))
}

func TestCommonMetricDataValidation(t *testing.T) {
	rec := newTestRecorder(t)

	tests := []struct {
		name    string
		meta    CommonMetricData
		wantErr error
	}{
		{
			name:    "reserved category",
			meta:    CommonMetricData{Category: "glean", Name: "thing", SendInPings: []string{"custom"}},
			wantErr: ErrReservedCategory,
		},
		{
			name:    "bad category",
			meta:    CommonMetricData{Category: "Has-Caps", Name: "thing", SendInPings: []string{"custom"}},
			wantErr: ErrInvalidMetricName,
		},
		{
			name:    "bad name",
			meta:    CommonMetricData{Category: "app", Name: "9starts_with_digit", SendInPings: []string{"custom"}},
			wantErr: ErrInvalidMetricName,
		},
		{
			name:    "name too long",
			meta:    CommonMetricData{Category: "app", Name: "abcdefghijklmnopqrstuvwxyz_abcdefg", SendInPings: []string{"custom"}},
			wantErr: ErrInvalidMetricName,
		},
		{
			name:    "no pings",
			meta:    CommonMetricData{Category: "app", Name: "thing"},
			wantErr: ErrInvalidMetricName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCounterMetric(rec.Recorder, tt.meta)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "app.clicks",
		CommonMetricData{Category: "app", Name: "clicks"}.Identifier())
	assert.Equal(t, "clicks", CommonMetricData{Name: "clicks"}.Identifier())
}
