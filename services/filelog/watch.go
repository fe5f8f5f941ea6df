// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filelog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/deltarepo/pkg/debounce"
	"github.com/AleutianAI/deltarepo/services/repository"
)

// DefaultWatchDelay is how long Watch waits for writes to settle.
const DefaultWatchDelay = 100 * time.Millisecond

// ReloadHandler receives every stream after deltas.json changes.
type ReloadHandler func(groups map[string][]repository.Delta)

// Watch calls handler with the reloaded streams whenever deltas.json changes,
// coalescing bursts of file events into one reload per delay. Writes made
// through this Store are reported too. Watch blocks until ctx is done.
//
// Inputs:
//
//	ctx - Stops the watch when cancelled.
//	delay - Settle time. Zero uses DefaultWatchDelay.
//	handler - Called on a timer goroutine, never concurrently with itself.
//
// Outputs:
//
//	error - Watcher setup failure. Cancellation returns nil.
func (s *Store) Watch(ctx context.Context, delay time.Duration, handler ReloadHandler) error {
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	// A timer can fire while the previous reload is still in the handler.
	var serial sync.Mutex
	reload := debounce.New(func(struct{}) {
		serial.Lock()
		defer serial.Unlock()

		groups, err := s.LoadAll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("reload after change failed", slog.String("error", err.Error()))
			}
			return
		}
		handler(groups)
	}, delay, &debounce.Options{Name: "filelog_watch", Trailing: true})
	defer reload.Cancel()

	s.logger.Debug("watching for external changes")
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != DeltasFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload.Call(struct{}{})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
