// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of events editors emit on save.
const watchDebounce = 300 * time.Millisecond

// Watch reloads the configuration whenever the file at path changes and
// hands the result to onChange. A file that reloads with errors is
// logged and skipped; the previous configuration stays in effect.
// Returns a stop function releasing the watcher.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: rename-over-save replaces the file inode, and
	// a watch on the old inode would go stale.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						logger.Warn("config reload skipped", "path", path, "error", err)
						return
					}
					logger.Info("config reloaded", "path", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
