// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// settingsFileName is the file the watcher reads inside its directory.
const settingsFileName = "debug.json"

// settingsFile mirrors the on-disk shape of the debug settings.
type settingsFile struct {
	DebugViewTag string   `json:"debugViewTag,omitempty"`
	SourceTags   []string `json:"sourceTags,omitempty"`
	LogPings     bool     `json:"logPings,omitempty"`
}

// Watcher applies debug settings from a file and re-applies them whenever
// the file changes, so switches can be flipped on a running process.
type Watcher struct {
	logger  logr.Logger
	opts    *Options
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches dir/debug.json and applies its contents to opts. An
// existing file is applied before NewWatcher returns.
func NewWatcher(logger logr.Logger, opts *Options, dir string) (*Watcher, error) {
	watchLogger := logger.WithName("debug-watcher")

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		if closeErr := fsWatcher.Close(); closeErr != nil {
			watchLogger.Error(closeErr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		logger:  watchLogger,
		opts:    opts,
		path:    filepath.Join(dir, settingsFileName),
		watcher: fsWatcher,
		done:    make(chan struct{}),
	}

	if _, err := os.Stat(w.path); err == nil {
		w.apply()
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Close stops the watcher. Settings already applied stay in effect.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.logger.V(1).Info("debug settings changed", "file", event.Name, "op", event.Op)
		w.apply()
	}
}

func (w *Watcher) apply() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error(err, "failed to read debug settings", "path", w.path)
		return
	}

	var settings settingsFile
	if err := json.Unmarshal(data, &settings); err != nil {
		w.logger.Error(err, "failed to parse debug settings", "path", w.path)
		return
	}

	if settings.DebugViewTag != "" {
		if err := w.opts.SetDebugViewTag(settings.DebugViewTag); err != nil {
			w.logger.Error(err, "rejected debug view tag from settings file")
		}
	}
	if len(settings.SourceTags) > 0 {
		if err := w.opts.SetSourceTags(settings.SourceTags); err != nil {
			w.logger.Error(err, "rejected source tags from settings file")
		}
	}
	w.opts.SetLogPings(settings.LogPings)
}
