// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics provides the metric types applications record through
// (events, counters) and the generic metrics database that persists their
// values and error counts.
package metrics

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-logr/logr"

	"github.com/antimetal/telemetry/internal/dispatch"
	"github.com/antimetal/telemetry/internal/events"
)

// Lifetime names the storage scope of a metric's persisted value; it is part
// of the value's storage path.
type Lifetime string

const (
	// LifetimePing scopes a value to its ping. Event buffers are drained
	// when their ping is submitted; counter values stored under this
	// lifetime are not cleared by a submission.
	LifetimePing Lifetime = "ping"
	// LifetimeUser keeps the value for as long as the profile exists.
	LifetimeUser Lifetime = "user"
	// LifetimeApplication is a separate storage scope; nothing here clears
	// values stored under it when a process starts or ends.
	LifetimeApplication Lifetime = "application"
)

// reservedCategory is owned by the SDK; user metrics may not use it.
const reservedCategory = "glean"

var (
	// nameRegex constrains metric categories and names.
	nameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,29}$`)

	// ErrInvalidMetricName is returned when a metric's category or name
	// does not match the naming rules.
	ErrInvalidMetricName = errors.New("invalid metric name")

	// ErrReservedCategory is returned when a user metric claims the
	// SDK-reserved category.
	ErrReservedCategory = errors.New("metric category is reserved")
)

// CommonMetricData is shared by every metric type: identity, routing, and
// the disabled switch.
type CommonMetricData struct {
	Category    string
	Name        string
	SendInPings []string
	Lifetime    Lifetime
	Disabled    bool
}

// Identifier returns the qualified metric name.
func (c CommonMetricData) Identifier() string {
	if c.Category == "" {
		return c.Name
	}
	return c.Category + "." + c.Name
}

func (c CommonMetricData) validate() error {
	if c.Category == reservedCategory {
		return fmt.Errorf("%w: %q", ErrReservedCategory, c.Category)
	}
	if c.Category != "" && !nameRegex.MatchString(c.Category) {
		return fmt.Errorf("%w: category %q", ErrInvalidMetricName, c.Category)
	}
	if !nameRegex.MatchString(c.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidMetricName, c.Name)
	}
	if len(c.SendInPings) == 0 {
		return fmt.Errorf("%w: metric %q targets no pings", ErrInvalidMetricName, c.Identifier())
	}
	return nil
}

// defaultPing returns the metric's first target ping, the conventional
// default for test APIs.
func (c CommonMetricData) defaultPing() string {
	return c.SendInPings[0]
}

// Recorder bundles the shared machinery metric instances record through.
// One Recorder is built per SDK instance and handed to every metric.
type Recorder struct {
	Logger        logr.Logger
	Queue         *dispatch.Queue
	Database      *Database
	Events        *events.Database
	Clock         events.Clock
	UploadEnabled func() bool
}
