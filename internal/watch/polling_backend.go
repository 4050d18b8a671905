// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"os"
	"time"
)

// runPolling rescans the tree on a fixed interval. Used when fsnotify
// is unavailable, explicitly requested via Config.Poll, or as a
// fallback if the event-driven backend fails to initialize.
func (w *Watcher) runPolling(ctx context.Context, out chan<- Event) error {
	known := make(map[string]int64) // path -> last observed size

	scan := func() bool {
		found, err := walkExisting(w.root)
		if err != nil && !os.IsNotExist(err) {
			w.logger.Warn("polling scan failed", "error", err)
			return true
		}

		seen := make(map[string]bool, len(found))
		for _, path := range found {
			seen[path] = true
			info, statErr := os.Stat(path)
			if statErr != nil {
				continue
			}
			size := info.Size()
			lastSize, known0 := known[path]
			if !known0 {
				known[path] = size
				if !w.emitAdded(ctx, out, path) {
					return false
				}
				continue
			}
			if size != lastSize {
				known[path] = size
				if !w.emit(ctx, out, Event{Kind: Changed, Path: path}) {
					return false
				}
			}
		}

		for path := range known {
			if !seen[path] {
				delete(known, path)
				if !w.emit(ctx, out, Event{Kind: Removed, Path: path}) {
					return false
				}
			}
		}
		return true
	}

	if !scan() {
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !scan() {
				return nil
			}
		}
	}
}
