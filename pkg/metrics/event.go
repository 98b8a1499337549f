// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/antimetal/telemetry/internal/events"
)

// maxExtraValueLength bounds extra values; longer values are truncated and
// counted as overflow errors.
const maxExtraValueLength = 500

// reservedExtraPrefix marks extra keys owned by the event storage layer.
const reservedExtraPrefix = "#"

// EventMetric records structured occurrences into the events database. The
// timestamp is captured when Record is called, not when the queued task runs.
type EventMetric struct {
	meta    CommonMetricData
	allowed map[string]struct{}
	rec     *Recorder
}

// NewEventMetric validates the metric definition and the allowed extra keys.
// Event metrics always have ping lifetime: their values are the events
// themselves, cleared when the owning ping is assembled.
func NewEventMetric(rec *Recorder, meta CommonMetricData, allowedExtraKeys []string) (*EventMetric, error) {
	meta.Lifetime = LifetimePing
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("event metric: %w", err)
	}
	allowed := make(map[string]struct{}, len(allowedExtraKeys))
	for _, key := range allowedExtraKeys {
		if key == "" || strings.HasPrefix(key, reservedExtraPrefix) {
			return nil, fmt.Errorf("event metric %q: %w: extra key %q",
				meta.Identifier(), ErrInvalidMetricName, key)
		}
		allowed[key] = struct{}{}
	}
	return &EventMetric{meta: meta, allowed: allowed, rec: rec}, nil
}

// Record captures an occurrence of the event with the given extras. Extras
// with keys outside the allowed set reject the whole event; over-long values
// are truncated but still recorded.
func (m *EventMetric) Record(extras map[string]string) {
	timestamp := m.rec.Clock.ElapsedMS()

	snapshot := make(map[string]string, len(extras))
	for k, v := range extras {
		snapshot[k] = v
	}

	err := m.rec.Queue.Launch(func() {
		m.recordSync(timestamp, snapshot)
	})
	if err != nil {
		m.rec.Logger.Error(err, "failed to dispatch event record", "metric", m.meta.Identifier())
	}
}

func (m *EventMetric) recordSync(timestamp int64, extras map[string]string) {
	if m.meta.Disabled || !m.rec.UploadEnabled() {
		return
	}

	var cleaned map[string]string
	if len(extras) > 0 {
		cleaned = make(map[string]string, len(extras))
		for key, value := range extras {
			if strings.HasPrefix(key, reservedExtraPrefix) {
				m.rec.Database.recordError(m.meta.Identifier(), m.meta.SendInPings, ErrorInvalidValue,
					fmt.Sprintf("extra key %q uses a reserved prefix", key))
				return
			}
			if _, ok := m.allowed[key]; !ok {
				m.rec.Database.recordError(m.meta.Identifier(), m.meta.SendInPings, ErrorInvalidValue,
					fmt.Sprintf("extra key %q is not allowed for this event", key))
				return
			}
			truncated, overflowed := truncateString(value, maxExtraValueLength)
			if overflowed {
				m.rec.Database.recordError(m.meta.Identifier(), m.meta.SendInPings, ErrorInvalidOverflow,
					fmt.Sprintf("extra value for key %q exceeds %d bytes", key, maxExtraValueLength))
			}
			cleaned[key] = truncated
		}
	}

	event := events.RecordedEvent{
		Category:  m.meta.Category,
		Name:      m.meta.Name,
		Timestamp: timestamp,
		Extra:     cleaned,
	}
	m.rec.Events.RecordSync(event, m.meta.SendInPings, m.meta.Disabled)
}

// TestGetValue returns the recorded occurrences of this event in ping (the
// metric's first target ping when empty) without clearing them. Test API.
func (m *EventMetric) TestGetValue(ping string) []events.EventPayload {
	if ping == "" {
		ping = m.meta.defaultPing()
	}
	all, err := m.rec.Events.PingEvents(context.Background(), ping, false)
	if err != nil {
		m.rec.Logger.Error(err, "failed to read events", "metric", m.meta.Identifier())
		return nil
	}
	var mine []events.EventPayload
	for _, ev := range all {
		if ev.Category == m.meta.Category && ev.Name == m.meta.Name {
			mine = append(mine, ev)
		}
	}
	return mine
}

// truncateString cuts s to at most max bytes on a rune boundary. The second
// return reports whether anything was cut.
func truncateString(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
