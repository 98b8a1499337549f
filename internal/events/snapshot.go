// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events

import "sort"

// normalize turns a persisted buffer into the public payload sequence:
//
//  1. Stable-sort by execution counter, then by raw timestamp, so events
//     from interleaved lifetimes line up. A restart marker always sorts to
//     the head of its counter group: its raw timestamp is an offset between
//     process start times, not comparable to the per-lifetime timestamps of
//     the events that follow it.
//  2. Drop a trailing restart marker; it carries no events behind it.
//     Interior markers are kept.
//  3. Rebase timestamps to a per-ping zero. Within a lifetime events keep
//     their relative distances. A restart marker lands at the previous
//     lifetime's base plus its own raw offset (the gap between the two
//     process start times), and later lifetimes continue from there. The
//     output is forced strictly increasing even when the wall clock stood
//     still or moved backward between lifetimes.
func normalize(events []storedEvent) []EventPayload {
	sorted := make([]storedEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ExecutionCounter != b.ExecutionCounter {
			return a.ExecutionCounter < b.ExecutionCounter
		}
		if a.isRestart() || b.isRestart() {
			// The marker opens its lifetime regardless of raw timestamp.
			return a.isRestart() && !b.isRestart()
		}
		return a.Timestamp < b.Timestamp
	})

	if last := len(sorted) - 1; last >= 0 && sorted[last].isRestart() {
		sorted = sorted[:last]
	}
	if len(sorted) == 0 {
		return nil
	}

	payload := make([]EventPayload, 0, len(sorted))

	// base is the output timestamp of the current lifetime's reference
	// point; anchor is the raw timestamp that reference point carried.
	var base, anchor, prevOut, lastCounter int64
	for i, event := range sorted {
		var out int64
		switch {
		case i == 0:
			out = 0
			anchor = event.Timestamp
			base = 0
			lastCounter = event.ExecutionCounter
		case event.ExecutionCounter != lastCounter:
			// Restart marker. Its raw timestamp is the distance
			// between the two process start times.
			out = base + event.Timestamp
			if out <= prevOut {
				out = prevOut + 1
			}
			base = out
			anchor = 0
			lastCounter = event.ExecutionCounter
		default:
			out = base + (event.Timestamp - anchor)
			if out <= prevOut {
				out = prevOut + 1
			}
		}

		prevOut = out
		payload = append(payload, event.payload(out))
	}
	return payload
}
