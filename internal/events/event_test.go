// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoredEventRoundTrip(t *testing.T) {
	original := storedEvent{
		RecordedEvent: RecordedEvent{
			Category:  "app",
			Name:      "click",
			Timestamp: 42,
			Extra:     map[string]string{"button": "ok"},
		},
		ExecutionCounter: 3,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded storedEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestStoredEventCounterTravelsInExtra(t *testing.T) {
	data, err := json.Marshal(storedEvent{
		RecordedEvent:    RecordedEvent{Name: "plain", Timestamp: 1},
		ExecutionCounter: 7,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	extra, ok := raw["extra"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), extra[executionCounterKey])
}

func TestStoredEventUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an object", `"hello"`},
		{"missing name", `{"category":"a","timestamp":1,"extra":{"#execution_counter":1}}`},
		{"missing timestamp", `{"category":"a","name":"b","extra":{"#execution_counter":1}}`},
		{"negative timestamp", `{"category":"a","name":"b","timestamp":-1,"extra":{"#execution_counter":1}}`},
		{"missing counter", `{"category":"a","name":"b","timestamp":1}`},
		{"zero counter", `{"category":"a","name":"b","timestamp":1,"extra":{"#execution_counter":0}}`},
		{"counter wrong type", `{"category":"a","name":"b","timestamp":1,"extra":{"#execution_counter":[1]}}`},
		{"extra wrong type", `{"category":"a","name":"b","timestamp":1,"extra":{"#execution_counter":1,"k":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded storedEvent
			err := json.Unmarshal([]byte(tt.data), &decoded)
			assert.ErrorIs(t, err, errMalformedEvent)
		})
	}
}

func TestStoredEventUnmarshalStringCounter(t *testing.T) {
	// Older persisted buffers carried the counter as a string.
	var decoded storedEvent
	err := json.Unmarshal([]byte(
		`{"category":"a","name":"b","timestamp":1,"extra":{"#execution_counter":"4"}}`), &decoded)
	require.NoError(t, err)
	assert.Equal(t, int64(4), decoded.ExecutionCounter)
}

func TestStoredEventUnmarshalNumericExtra(t *testing.T) {
	var decoded storedEvent
	err := json.Unmarshal([]byte(
		`{"category":"a","name":"b","timestamp":1,"extra":{"#execution_counter":1,"count":2}}`), &decoded)
	require.NoError(t, err)
	assert.Equal(t, "2", decoded.Extra["count"])
}

func TestPayloadStripsReservedExtras(t *testing.T) {
	stored := storedEvent{
		RecordedEvent: RecordedEvent{
			Category: "app",
			Name:     "click",
			Extra:    map[string]string{"button": "ok", "#internal": "x"},
		},
		ExecutionCounter: 1,
	}

	p := stored.payload(99)
	assert.Equal(t, int64(99), p.Timestamp)
	assert.Equal(t, map[string]string{"button": "ok"}, p.Extra)
}

func TestPayloadEmptyExtraOmitted(t *testing.T) {
	stored := storedEvent{
		RecordedEvent:    RecordedEvent{Name: "bare", Extra: map[string]string{"#only": "x"}},
		ExecutionCounter: 1,
	}
	assert.Nil(t, stored.payload(0).Extra)
}

func TestRecordedEventIdentifier(t *testing.T) {
	assert.Equal(t, "app.click", RecordedEvent{Category: "app", Name: "click"}.Identifier())
	assert.Equal(t, "click", RecordedEvent{Name: "click"}.Identifier())
}
