// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

// ErrorType classifies recording problems surfaced through the per-metric
// error counters instead of being returned to callers.
type ErrorType string

const (
	// ErrorInvalidValue marks unparseable input: a bad URL, a reserved
	// extra key, a non-monotonic clock on restart.
	ErrorInvalidValue ErrorType = "invalid_value"
	// ErrorInvalidType marks a value of unexpected shape.
	ErrorInvalidType ErrorType = "invalid_type"
	// ErrorInvalidOverflow marks input that exceeded a configured bound.
	ErrorInvalidOverflow ErrorType = "invalid_overflow"
	// ErrorInvalidLabel and ErrorInvalidState are declared for parity with
	// the rest of the metric surface; nothing here raises them.
	ErrorInvalidLabel ErrorType = "invalid_label"
	ErrorInvalidState ErrorType = "invalid_state"
)

// Identifier returns the labeled counter that accumulates this error kind.
func (e ErrorType) Identifier() string {
	return "glean.error." + string(e)
}

// recordError counts one occurrence of errType against metricID in each of
// the given pings. Error counters are stored with ping lifetime, keyed by
// ping; assembled ping documents do not include them.
func (d *Database) recordError(metricID string, pings []string, errType ErrorType, message string) {
	for _, ping := range pings {
		if err := d.AddLabeledCounter(LifetimePing, errType.Identifier(), ping, metricID, 1); err != nil {
			d.logger.Error(err, "failed to record metric error",
				"metric", metricID, "error_type", string(errType), "ping", ping)
		}
	}
	if message != "" {
		d.logger.V(1).Info(message, "metric", metricID, "error_type", string(errType))
	}
}

// TestGetNumRecordedErrors returns how many errors of errType were
// recorded against metricID in ping. Test API.
func (d *Database) TestGetNumRecordedErrors(metricID string, errType ErrorType, ping string) int64 {
	value, ok, err := d.GetLabeledCounter(LifetimePing, errType.Identifier(), ping, metricID)
	if err != nil {
		d.logger.Error(err, "failed to read error counter", "metric", metricID)
		return 0
	}
	if !ok {
		return 0
	}
	return value
}
