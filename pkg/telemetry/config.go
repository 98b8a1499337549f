// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-logr/logr"

	"github.com/antimetal/telemetry/pkg/uploader"
)

// DefaultEndpoint receives pings when no endpoint is configured.
const DefaultEndpoint = "https://incoming.telemetry.mozilla.org"

// defaultMaxEvents is the buffer length that triggers an events ping.
const defaultMaxEvents = 1

var (
	// ErrMissingAppID is returned when the configuration has no
	// application ID.
	ErrMissingAppID = errors.New("application ID is required")

	// ErrInvalidEndpoint is returned when the endpoint URL does not parse
	// or uses a scheme the configuration forbids.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Config configures an SDK instance.
type Config struct {
	// AppID names the application in submission URLs.
	AppID string

	// Endpoint is the base URL pings are submitted to.
	Endpoint string

	// DataDir is where the SDK persists its state. Empty means in-memory
	// only, which also implies nothing survives a restart.
	DataDir string

	// DebugDir, when set, is watched for a debug.json file whose contents
	// flip the debugging switches at runtime.
	DebugDir string

	// MaxEvents is the events ping buffer length that triggers a
	// submission. Values below 1 fall back to the default.
	MaxEvents int

	// UploadEnabled is the initial upload state.
	UploadEnabled bool

	// TestingMode permits http endpoints and skips background delivery
	// of spooled pings.
	TestingMode bool

	// AppBuild, AppDisplayVersion, and Channel fill the client_info
	// section of every ping.
	AppBuild          string
	AppDisplayVersion string
	Channel           string

	// Logger is the root logger. The zero value means logging is off;
	// use NewDefaultLogger for a production logger.
	Logger logr.Logger

	// Uploader overrides the ping transport, mainly for tests.
	Uploader uploader.Uploader
}

// DefaultConfig returns a configuration with the conventional defaults
// filled in. AppID must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Endpoint:      DefaultEndpoint,
		MaxEvents:     defaultMaxEvents,
		UploadEnabled: true,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.MaxEvents < 1 {
		c.MaxEvents = defaults.MaxEvents
	}
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return ErrMissingAppID
	}

	parsed, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, c.Endpoint)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !c.TestingMode {
			return fmt.Errorf("%w: http is only allowed in testing mode", ErrInvalidEndpoint)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, parsed.Scheme)
	}
	return nil
}
