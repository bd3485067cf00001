// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/driftlake/lake/action"
	"github.com/AleutianAI/driftlake/lake/storage"
	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// CDC config file
// -----------------------------------------------------------------------------

// configFile is the _cdc_config.json payload.
type configFile struct {
	Enabled bool `json:"enabled"`
}

// Enabled reads the table's CDC bit. A missing or corrupt config file
// reads as false.
func Enabled(ctx context.Context, store storage.ObjectStore) bool {
	data, err := store.Read(ctx, action.CDCConfigPath)
	if err != nil {
		return false
	}
	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return false
	}
	return cfg.Enabled
}

// SetEnabled persists the CDC bit. The caller is responsible for also
// emitting a Metadata action carrying delta.enableChangeDataFeed on its
// next commit.
func SetEnabled(ctx context.Context, store storage.ObjectStore, enabled bool) error {
	data, err := json.Marshal(configFile{Enabled: enabled})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "cdc.setEnabled", err, "encode config")
	}
	return store.Write(ctx, action.CDCConfigPath, data)
}

// -----------------------------------------------------------------------------
// Config watcher
// -----------------------------------------------------------------------------

// ConfigWatcher observes out-of-band changes to _cdc_config.json on a
// file-backed table, so long-lived processes see enable/disable flips
// made by other tools. Non-file backends poll on read instead; reads are
// eventually consistent with the latest write either way.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
}

// WatchConfig starts a watcher on the table root of a FileStore. The
// onChange callback runs with the new value after every observed flip.
func WatchConfig(ctx context.Context, store *storage.FileStore, logger *slog.Logger, onChange func(bool)) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "cdc.watchConfig", err, "create watcher")
	}
	if err := fsw.Add(store.Root()); err != nil {
		fsw.Close()
		return nil, errs.Wrap(errs.KindStorage, "cdc.watchConfig", err, "watch %s", store.Root())
	}

	w := &ConfigWatcher{
		watcher: fsw,
		logger:  logger,
		enabled: Enabled(ctx, store),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		target := filepath.Join(store.Root(), action.CDCConfigPath)
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Name != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				current := Enabled(context.Background(), store)
				w.mu.Lock()
				changed := current != w.enabled
				w.enabled = current
				w.mu.Unlock()
				if changed {
					w.logger.Info("cdc config changed", "enabled", current)
					if onChange != nil {
						onChange(current)
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("cdc config watcher error", "error", err.Error())
			case <-ctx.Done():
				return
			}
		}
	}()
	return w, nil
}

// Enabled returns the last observed value.
func (w *ConfigWatcher) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
