// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package debug holds the runtime-togglable debugging switches: routing
// pings to the debug viewer, tagging them by source, and logging assembled
// payloads locally.
package debug

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const (
	// maxSourceTags bounds how many source tags a ping may carry.
	maxSourceTags = 5
	// reservedTagPrefix may not start a source tag.
	reservedTagPrefix = "glean"
)

// debugViewTagRegex constrains debug view tags to short URL-safe names.
var debugViewTagRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{1,20}$`)

var (
	// ErrInvalidDebugViewTag is returned when a debug view tag does not
	// match the allowed shape.
	ErrInvalidDebugViewTag = errors.New("invalid debug view tag")

	// ErrInvalidSourceTags is returned when the source tag set is empty,
	// too large, or contains a malformed or reserved tag.
	ErrInvalidSourceTags = errors.New("invalid source tags")
)

// Options is the mutable set of debugging switches. Safe for concurrent
// use; readers see a consistent snapshot of each field.
type Options struct {
	mu           sync.RWMutex
	debugViewTag string
	sourceTags   []string
	logPings     bool
}

// NewOptions returns options with everything off.
func NewOptions() *Options {
	return &Options{}
}

// SetDebugViewTag routes subsequent pings to the debug viewer under tag.
func (o *Options) SetDebugViewTag(tag string) error {
	if !debugViewTagRegex.MatchString(tag) {
		return fmt.Errorf("%w: %q", ErrInvalidDebugViewTag, tag)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.debugViewTag = tag
	return nil
}

// DebugViewTag returns the current debug view tag, empty when unset.
func (o *Options) DebugViewTag() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.debugViewTag
}

// SetSourceTags attaches tags to subsequent pings. Between 1 and 5 tags,
// each matching the debug view tag shape and not starting with "glean".
func (o *Options) SetSourceTags(tags []string) error {
	if len(tags) == 0 || len(tags) > maxSourceTags {
		return fmt.Errorf("%w: want 1 to %d tags, got %d", ErrInvalidSourceTags, maxSourceTags, len(tags))
	}
	for _, tag := range tags {
		if !debugViewTagRegex.MatchString(tag) {
			return fmt.Errorf("%w: %q", ErrInvalidSourceTags, tag)
		}
		if strings.HasPrefix(tag, reservedTagPrefix) {
			return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidSourceTags, tag)
		}
	}
	copied := make([]string, len(tags))
	copy(copied, tags)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.sourceTags = copied
	return nil
}

// SourceTags returns the current source tags, nil when unset.
func (o *Options) SourceTags() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.sourceTags == nil {
		return nil
	}
	copied := make([]string, len(o.sourceTags))
	copy(copied, o.sourceTags)
	return copied
}

// SetLogPings toggles local logging of assembled ping payloads.
func (o *Options) SetLogPings(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logPings = enabled
}

// LogPings reports whether assembled pings should be logged locally.
func (o *Options) LogPings() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.logPings
}
