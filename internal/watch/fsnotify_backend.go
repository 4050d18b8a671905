// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// runFsnotify watches the tree using inotify (or the platform
// equivalent). fsnotify does not recurse, so every directory discovered
// under root is added individually, and new directories are watched as
// they appear.
func (w *Watcher) runFsnotify(ctx context.Context, out chan<- Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	watchedDirs := make(map[string]bool)
	knownFiles := make(map[string]bool)

	addDir := func(dir string) {
		if watchedDirs[dir] {
			return
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
			return
		}
		watchedDirs[dir] = true
	}

	if err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != w.root && isHidden(filepath.Base(path)) {
				return filepath.SkipDir
			}
			addDir(path)
			return nil
		}
		if isSessionLog(path) {
			knownFiles[path] = true
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walking root %s: %w", w.root, err)
	}

	for path := range knownFiles {
		if !w.emitAdded(ctx, out, path) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isHidden(event.Name) {
				continue
			}

			switch {
			case event.Op.Has(fsnotify.Create):
				info, statErr := os.Stat(event.Name)
				if statErr == nil && info.IsDir() {
					addDir(event.Name)
					continue
				}
				if isSessionLog(event.Name) {
					if !knownFiles[event.Name] {
						knownFiles[event.Name] = true
						if !w.emitAdded(ctx, out, event.Name) {
							return nil
						}
					}
				}

			case event.Op.Has(fsnotify.Write):
				if isSessionLog(event.Name) && knownFiles[event.Name] {
					if !w.emit(ctx, out, Event{Kind: Changed, Path: event.Name}) {
						return nil
					}
				}

			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				if isSessionLog(event.Name) && knownFiles[event.Name] {
					delete(knownFiles, event.Name)
					if !w.emit(ctx, out, Event{Kind: Removed, Path: event.Name}) {
						return nil
					}
				}
				delete(watchedDirs, event.Name)
			}
		}
	}
}
