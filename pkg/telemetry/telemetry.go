// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry is the embedding surface of the SDK: it wires storage,
// the dispatch queue, the metric databases, and ping delivery together and
// hands out metric instances to record through.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/antimetal/telemetry/internal/dispatch"
	"github.com/antimetal/telemetry/internal/events"
	"github.com/antimetal/telemetry/pkg/debug"
	"github.com/antimetal/telemetry/pkg/metrics"
	"github.com/antimetal/telemetry/pkg/pings"
	"github.com/antimetal/telemetry/pkg/storage"
	"github.com/antimetal/telemetry/pkg/uploader"
)

// sdkVersion is reported in every ping's client_info section.
const sdkVersion = "0.1.0"

var (
	clientIDPath = storage.Path{"client-info", "client_id"}
	firstRunPath = storage.Path{"client-info", "first_run_date"}
)

// SDK is one initialized telemetry instance.
type SDK struct {
	logger    logr.Logger
	cfg       Config
	store     storage.Store
	queue     *dispatch.Queue
	metricsDB *metrics.Database
	eventsDB  *events.Database
	assembler *pings.Assembler
	opts      *debug.Options
	watcher   *debug.Watcher
	recorder  *metrics.Recorder

	uploadEnabled atomic.Bool
}

// Initialize builds and starts an SDK instance. Events recorded before
// Initialize returns are buffered and land in order once the instance is
// running.
func Initialize(cfg Config) (*SDK, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}

	logger := cfg.Logger

	var store storage.Store
	if cfg.DataDir == "" {
		store = storage.NewMemoryStore()
	} else {
		fileStore, err := storage.NewFileStore(logger, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening data dir: %w", err)
		}
		store = fileStore
	}

	sdk := &SDK{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		queue:     dispatch.NewQueue(logger),
		metricsDB: metrics.NewDatabase(logger, store),
		opts:      debug.NewOptions(),
	}
	sdk.uploadEnabled.Store(cfg.UploadEnabled)

	clock := events.NewSystemClock()
	sdk.eventsDB = events.NewDatabase(logger, store, sdk.metricsDB, sdk.queue, clock,
		sdk.uploadEnabled.Load)

	up := cfg.Uploader
	if up == nil {
		httpUploader, err := uploader.NewHTTPUploader(logger, uploader.DefaultConfig())
		if err != nil {
			return nil, err
		}
		up = httpUploader
	}

	if cfg.DebugDir != "" {
		watcher, err := debug.NewWatcher(logger, sdk.opts, cfg.DebugDir)
		if err != nil {
			return nil, fmt.Errorf("watching debug dir: %w", err)
		}
		sdk.watcher = watcher
	}

	sdk.assembler = pings.NewAssembler(logger, store, sdk.eventsDB, up, sdk.opts,
		cfg.AppID, cfg.Endpoint, sdk.clientInfo())

	if err := sdk.eventsDB.Initialize(events.Config{MaxEvents: cfg.MaxEvents}, sdk.assembler); err != nil {
		return nil, fmt.Errorf("initializing events database: %w", err)
	}
	sdk.queue.Start()

	if !cfg.TestingMode {
		go sdk.assembler.FlushPending(context.Background())
	}

	sdk.recorder = &metrics.Recorder{
		Logger:        logger,
		Queue:         sdk.queue,
		Database:      sdk.metricsDB,
		Events:        sdk.eventsDB,
		Clock:         clock,
		UploadEnabled: sdk.uploadEnabled.Load,
	}
	return sdk, nil
}

// Shutdown drains the dispatch queue and waits for in-flight ping
// deliveries. The instance must not be used afterwards.
func (s *SDK) Shutdown(ctx context.Context) error {
	err := s.queue.Shutdown(ctx)
	s.assembler.Wait()
	if s.watcher != nil {
		if closeErr := s.watcher.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// SetUploadEnabled flips the collection switch. Turning it off wipes the
// buffered events so nothing recorded before the opt-out can ever leave
// the device.
func (s *SDK) SetUploadEnabled(enabled bool) {
	was := s.uploadEnabled.Swap(enabled)
	if was && !enabled {
		if err := s.eventsDB.ClearAll(); err != nil {
			s.logger.Error(err, "failed to clear events after opt-out")
		}
	}
}

// UploadEnabled reports the current collection switch state.
func (s *SDK) UploadEnabled() bool {
	return s.uploadEnabled.Load()
}

// SubmitPing schedules an assembly of ping with the given reason.
func (s *SDK) SubmitPing(ping, reason string) error {
	return s.queue.Launch(func() {
		if err := s.assembler.Submit(ping, reason); err != nil {
			s.logger.Error(err, "ping submission failed", "ping", ping, "reason", reason)
		}
	})
}

// Debug exposes the runtime debugging switches.
func (s *SDK) Debug() *debug.Options {
	return s.opts
}

// NewEventMetric creates an event metric bound to this instance.
func (s *SDK) NewEventMetric(meta metrics.CommonMetricData, allowedExtraKeys []string) (*metrics.EventMetric, error) {
	return metrics.NewEventMetric(s.recorder, meta, allowedExtraKeys)
}

// NewCounterMetric creates a counter metric bound to this instance.
func (s *SDK) NewCounterMetric(meta metrics.CommonMetricData) (*metrics.CounterMetric, error) {
	return metrics.NewCounterMetric(s.recorder, meta)
}

// clientInfo assembles the client_info section, minting and persisting the
// client ID and first run date on first use of a data directory.
func (s *SDK) clientInfo() pings.ClientInfo {
	return pings.ClientInfo{
		AppBuild:          s.cfg.AppBuild,
		AppDisplayVersion: s.cfg.AppDisplayVersion,
		AppChannel:        s.cfg.Channel,
		ClientID:          s.persistedString(clientIDPath, uuid.NewString),
		FirstRunDate:      s.persistedString(firstRunPath, func() string { return time.Now().UTC().Format(time.RFC3339) }),
		OS:                runtime.GOOS,
		Architecture:      runtime.GOARCH,
		TelemetrySDKBuild: sdkVersion,
	}
}

// persistedString returns the string stored at path, minting one with
// generate and persisting it when absent.
func (s *SDK) persistedString(path storage.Path, generate func() string) string {
	var value string
	err := s.store.Update(path, func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			if err := json.Unmarshal(current, &value); err == nil && value != "" {
				return current, nil
			}
		}
		value = generate()
		return json.Marshal(value)
	})
	if err != nil {
		s.logger.Error(err, "failed to persist client info field")
		if value == "" {
			value = generate()
		}
	}
	return value
}
