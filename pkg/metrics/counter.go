// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"fmt"
)

// CounterMetric is a monotonically growing per-ping integer.
type CounterMetric struct {
	meta CommonMetricData
	rec  *Recorder
}

// NewCounterMetric validates the metric definition and binds it to the
// recording machinery.
func NewCounterMetric(rec *Recorder, meta CommonMetricData) (*CounterMetric, error) {
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("counter metric: %w", err)
	}
	if meta.Lifetime == "" {
		meta.Lifetime = LifetimePing
	}
	return &CounterMetric{meta: meta, rec: rec}, nil
}

// Add increases the counter by amount. Non-positive amounts are rejected
// with an InvalidValue error count.
func (m *CounterMetric) Add(amount int64) {
	err := m.rec.Queue.Launch(func() {
		if m.meta.Disabled || !m.rec.UploadEnabled() {
			return
		}
		if amount <= 0 {
			m.rec.Database.recordError(m.meta.Identifier(), m.meta.SendInPings, ErrorInvalidValue,
				fmt.Sprintf("added negative or zero value %d", amount))
			return
		}
		for _, ping := range m.meta.SendInPings {
			if _, err := m.rec.Database.AddCounter(m.meta.Lifetime, m.meta.Identifier(), ping, amount); err != nil {
				m.rec.Logger.Error(err, "failed to add to counter",
					"metric", m.meta.Identifier(), "ping", ping)
			}
		}
	})
	if err != nil {
		m.rec.Logger.Error(err, "failed to dispatch counter add", "metric", m.meta.Identifier())
	}
}

// TestGetValue returns the counter's value in ping (the metric's first
// target ping when empty); ok is false when unset. Test API.
func (m *CounterMetric) TestGetValue(ping string) (int64, bool) {
	if ping == "" {
		ping = m.meta.defaultPing()
	}

	var (
		value int64
		ok    bool
	)
	err := m.rec.Queue.Sync(context.Background(), func() {
		var err error
		value, ok, err = m.rec.Database.GetCounter(m.meta.Lifetime, m.meta.Identifier(), ping)
		if err != nil {
			m.rec.Logger.Error(err, "failed to read counter", "metric", m.meta.Identifier())
		}
	})
	if err != nil {
		m.rec.Logger.Error(err, "failed to dispatch counter read", "metric", m.meta.Identifier())
		return 0, false
	}
	return value, ok
}
