// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pings assembles drained event buffers into submittable ping
// documents and hands them to the uploader.
package pings

import (
	"github.com/antimetal/telemetry/internal/events"
)

// SchemaVersion is the ping document schema carried in the submission URL.
const SchemaVersion = "1"

// PingInfo describes one submission: its position in the per-ping sequence
// and the window of time it covers.
type PingInfo struct {
	Seq       int64  `json:"seq"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Reason    string `json:"reason,omitempty"`
}

// ClientInfo identifies the application and platform a ping came from.
type ClientInfo struct {
	AppBuild          string `json:"app_build"`
	AppDisplayVersion string `json:"app_display_version,omitempty"`
	AppChannel        string `json:"app_channel,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	FirstRunDate      string `json:"first_run_date,omitempty"`
	OS                string `json:"os"`
	OSVersion         string `json:"os_version,omitempty"`
	Architecture      string `json:"architecture"`
	TelemetrySDKBuild string `json:"telemetry_sdk_build"`
}

// Payload is the assembled ping document.
type Payload struct {
	PingInfo   PingInfo              `json:"ping_info"`
	ClientInfo ClientInfo            `json:"client_info"`
	Events     []events.EventPayload `json:"events,omitempty"`
}
