// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// telemetry-smoke records a handful of events against a live or local
// endpoint. It exists to exercise the full pipeline from the command line:
// recording, restart bridging, assembly, and upload.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/telemetry/pkg/config/environment"
	"github.com/antimetal/telemetry/pkg/metrics"
	"github.com/antimetal/telemetry/pkg/telemetry"
)

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	appID       string
	dataDir     string
	debugDir    string
	endpoint    string
	eventCount  int
	logPings    bool
	maxEvents   int
	testingMode bool
)

func init() {
	flag.StringVar(&appID, "app-id", environment.GetAppID(),
		"Application ID used in submission URLs.")
	flag.StringVar(&dataDir, "data-dir", "",
		"Directory to persist telemetry state in. Empty means TELEMETRY_DATA_DIR, or a per-user cache directory when that is unset.")
	flag.StringVar(&debugDir, "debug-dir", environment.GetDebugDir(),
		"Directory watched for a debug.json settings file. Empty disables the watcher.")
	flag.StringVar(&endpoint, "endpoint", environment.GetEndpoint(),
		"Base URL pings are submitted to.")
	flag.IntVar(&eventCount, "events", 10,
		"How many events to record before shutting down.")
	flag.BoolVar(&logPings, "log-pings", false,
		"Log assembled ping payloads before upload.")
	flag.IntVar(&maxEvents, "max-events", 5,
		"Events ping buffer length that triggers a submission.")
	flag.BoolVar(&testingMode, "testing-mode", false,
		"Allow http endpoints.")
	flag.Parse()
}

func main() {
	logger, err := telemetry.NewDefaultLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	setupLog = logger.WithName("setup")

	if err := run(logger); err != nil {
		setupLog.Error(err, "smoke run failed")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dataDir == "" {
		dir, err := environment.GetDataDir()
		if err != nil {
			return fmt.Errorf("resolving data dir: %w", err)
		}
		dataDir = dir
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	cfg := telemetry.DefaultConfig()
	cfg.AppID = appID
	cfg.DataDir = dataDir
	cfg.DebugDir = debugDir
	cfg.MaxEvents = maxEvents
	cfg.UploadEnabled = environment.GetUploadEnabled()
	cfg.TestingMode = testingMode
	cfg.Channel = environment.GetChannel()
	cfg.Logger = logger
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}

	sdk, err := telemetry.Initialize(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sdk.Shutdown(shutdownCtx); err != nil {
			setupLog.Error(err, "shutdown did not drain cleanly")
		}
	}()

	if tags := environment.GetSourceTags(); tags != nil {
		if err := sdk.Debug().SetSourceTags(tags); err != nil {
			setupLog.Error(err, "ignoring source tags from environment")
		}
	}
	sdk.Debug().SetLogPings(logPings)

	tick, err := sdk.NewEventMetric(metrics.CommonMetricData{
		Category:    "smoke",
		Name:        "tick",
		SendInPings: []string{"events"},
	}, []string{"sequence"})
	if err != nil {
		return err
	}

	setupLog.Info("recording events", "count", eventCount, "endpoint", cfg.Endpoint)
	for i := 0; i < eventCount; i++ {
		select {
		case <-ctx.Done():
			setupLog.Info("interrupted, shutting down")
			return nil
		case <-time.After(100 * time.Millisecond):
		}
		tick.Record(map[string]string{"sequence": fmt.Sprintf("%d", i)})
	}

	return sdk.SubmitPing("events", "active")
}
