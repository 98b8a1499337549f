// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// executionCounterKey is the reserved extra key carrying the lifetime
	// counter inside persisted events. It never appears in public payloads.
	executionCounterKey = "#execution_counter"

	// reservedKeyPrefix marks extra keys owned by the SDK.
	reservedKeyPrefix = "#"
)

// RecordedEvent is the value object handed to the events database: what
// happened, when, and any user extras. Timestamps are milliseconds since
// the recording process started.
type RecordedEvent struct {
	Category  string
	Name      string
	Timestamp int64
	Extra     map[string]string
}

// Identifier returns the qualified metric name of the event.
func (e RecordedEvent) Identifier() string {
	if e.Category == "" {
		return e.Name
	}
	return e.Category + "." + e.Name
}

// EventPayload is the public form of an event inside a ping: reserved
// extras are stripped and the timestamp has been rebased (see snapshot.go).
type EventPayload struct {
	Category  string            `json:"category"`
	Name      string            `json:"name"`
	Timestamp int64             `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// storedEvent is the raw persisted form: a RecordedEvent plus the execution
// counter of the lifetime that recorded it.
type storedEvent struct {
	RecordedEvent
	ExecutionCounter int64
}

// isRestart reports whether the event is a synthetic restart marker.
func (e storedEvent) isRestart() bool {
	return e.Category == gleanCategory && e.Name == restartedName
}

// payload strips reserved extras and applies the given output timestamp.
func (e storedEvent) payload(timestamp int64) EventPayload {
	p := EventPayload{
		Category:  e.Category,
		Name:      e.Name,
		Timestamp: timestamp,
	}
	if len(e.Extra) > 0 {
		p.Extra = make(map[string]string, len(e.Extra))
		for k, v := range e.Extra {
			if strings.HasPrefix(k, reservedKeyPrefix) {
				continue
			}
			p.Extra[k] = v
		}
		if len(p.Extra) == 0 {
			p.Extra = nil
		}
	}
	return p
}

func (e storedEvent) MarshalJSON() ([]byte, error) {
	extra := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		extra[k] = v
	}
	extra[executionCounterKey] = e.ExecutionCounter

	return json.Marshal(struct {
		Category  string         `json:"category"`
		Name      string         `json:"name"`
		Timestamp int64          `json:"timestamp"`
		Extra     map[string]any `json:"extra"`
	}{e.Category, e.Name, e.Timestamp, extra})
}

var errMalformedEvent = errors.New("malformed persisted event")

func (e *storedEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Category  *string        `json:"category"`
		Name      *string        `json:"name"`
		Timestamp *int64         `json:"timestamp"`
		Extra     map[string]any `json:"extra"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if raw.Category == nil || raw.Name == nil || raw.Timestamp == nil || *raw.Timestamp < 0 {
		return errMalformedEvent
	}

	e.Category = *raw.Category
	e.Name = *raw.Name
	e.Timestamp = *raw.Timestamp
	e.Extra = nil
	e.ExecutionCounter = 0

	for k, v := range raw.Extra {
		if k == executionCounterKey {
			counter, err := toCounter(v)
			if err != nil {
				return err
			}
			e.ExecutionCounter = counter
			continue
		}
		s, err := toExtraString(v)
		if err != nil {
			return err
		}
		if e.Extra == nil {
			e.Extra = make(map[string]string, len(raw.Extra))
		}
		e.Extra[k] = s
	}

	if e.ExecutionCounter < 1 {
		return errMalformedEvent
	}
	return nil
}

func toCounter(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		counter, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, errMalformedEvent
		}
		return counter, nil
	default:
		return 0, errMalformedEvent
	}
}

// toExtraString accepts the JSON shapes an extra value may legally take:
// strings and numbers. Anything else marks the whole event malformed.
func toExtraString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	default:
		return "", errMalformedEvent
	}
}
