// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the relay config file on disk changes and hands the
// parsed, validated result to OnChange. It debounces bursts of events the
// way editors and volume mounts tend to produce them (a temp-file write
// followed by a rename onto the real path).
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*RelayConfig)
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	stop      chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher builds a Watcher over path. onChange is invoked from the
// watcher's own goroutine every time path is rewritten and reparses
// cleanly; a reload that fails validation is logged and skipped, leaving
// the relay on its last-known-good configuration.
func NewWatcher(path string, onChange func(*RelayConfig), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:      path,
		debounce:  500 * time.Millisecond,
		onChange:  onChange,
		logger:    logger.With("component", "config_watcher"),
		fsWatcher: fsw,
		stop:      make(chan struct{}),
	}, nil
}

// Start watches the config file's parent directory (not the file itself,
// since editors routinely replace a file by rename rather than in-place
// write, which would otherwise orphan an inode-based watch) and begins
// debounced reload processing.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-w.stop:
			return
		}
	}
}

// scheduleReload coalesces a burst of events for the same write into a
// single reload, firing debounce after the configured quiet period.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping last-known-good config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
