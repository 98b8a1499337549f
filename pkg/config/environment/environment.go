// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package environment provides utilities for extracting configuration from environment variables
package environment

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetEndpoint returns the submission endpoint from TELEMETRY_ENDPOINT.
// Returns empty string if not set.
func GetEndpoint() string {
	return os.Getenv("TELEMETRY_ENDPOINT")
}

// GetAppID returns the application ID from TELEMETRY_APP_ID.
// Returns empty string if not set.
func GetAppID() string {
	return os.Getenv("TELEMETRY_APP_ID")
}

// GetDataDir returns the persistence directory from TELEMETRY_DATA_DIR,
// falling back to a per-user cache directory if not set.
func GetDataDir() (string, error) {
	if dir := os.Getenv("TELEMETRY_DATA_DIR"); dir != "" {
		return dir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "telemetry"), nil
}

// GetDebugDir returns the debug settings directory from TELEMETRY_DEBUG_DIR.
// Returns empty string if not set.
func GetDebugDir() string {
	return os.Getenv("TELEMETRY_DEBUG_DIR")
}

// GetChannel returns the release channel from TELEMETRY_CHANNEL.
// Returns empty string if not set.
func GetChannel() string {
	return os.Getenv("TELEMETRY_CHANNEL")
}

// GetUploadEnabled returns the initial upload state from
// TELEMETRY_UPLOAD_ENABLED. An unset or unparseable value defaults to true.
func GetUploadEnabled() bool {
	raw := os.Getenv("TELEMETRY_UPLOAD_ENABLED")
	if raw == "" {
		return true
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return enabled
}

// GetSourceTags returns the comma-separated source tags from
// TELEMETRY_SOURCE_TAGS. Returns nil if not set.
func GetSourceTags() []string {
	raw := os.Getenv("TELEMETRY_SOURCE_TAGS")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
