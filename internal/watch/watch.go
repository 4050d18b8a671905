// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch implements the directory watcher: component C3 of the
// relay. It recursively watches a root directory for files matching
// **/*.jsonl (the per-session log files an agent appends to under
// ~/.claude/projects/<project>/<session-id>.jsonl) and reports
// additions, writes, and removals.
//
// Two backends are supported: an event-driven backend built on
// fsnotify, and a polling backend for filesystems where inotify-style
// events are unavailable or unreliable (network filesystems, some
// container overlays). The polling interval floors at 1 second per
// spec's polling-backend requirement.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EventKind distinguishes why an Event was emitted.
type EventKind int

const (
	// Added reports a newly discovered *.jsonl file, whether present at
	// startup or created afterward.
	Added EventKind = iota
	// Changed reports that an already-discovered file may have new
	// bytes. The watcher does not itself track offsets — it is purely a
	// "something may have changed" signal for the tailer to act on.
	Changed
	// Removed reports that a previously discovered file no longer
	// exists.
	Removed
)

// Event is a single filesystem observation.
type Event struct {
	Kind EventKind
	Path string

	// ProjectLabel is the first path segment beneath the watched root,
	// populated for Added events. SessionID is the file's stem,
	// populated for every event.
	ProjectLabel string
	SessionID    string
}

// Config configures a Watcher.
type Config struct {
	// Root is the directory to watch recursively. Required.
	Root string

	// Poll forces the polling backend instead of fsnotify.
	Poll bool

	// PollInterval is the polling backend's scan period. Floored at 1
	// second; defaults to 2 seconds when Poll is true and this is zero.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Watcher discovers and monitors *.jsonl session log files under a root
// directory.
type Watcher struct {
	root         string
	poll         bool
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a Watcher from Config.
func New(cfg Config) *Watcher {
	if cfg.Root == "" {
		panic("watch.New: Root is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	} else if interval < time.Second {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:         cfg.Root,
		poll:         cfg.Poll,
		pollInterval: interval,
		logger:       logger.With("root", cfg.Root),
	}
}

// Run watches the root directory until ctx is cancelled, sending Events
// to out. Run first emits an Added event for every matching file already
// present, then emits Added/Changed/Removed as the tree evolves.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	if w.poll {
		return w.runPolling(ctx, out)
	}
	if err := w.runFsnotify(ctx, out); err != nil {
		w.logger.Warn("fsnotify backend failed, falling back to polling", "error", err)
		return w.runPolling(ctx, out)
	}
	return nil
}

// isHidden reports whether any path segment starts with a dot — the
// spec requires hidden files and directories to be ignored entirely.
func isHidden(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}

func isSessionLog(path string) bool {
	return strings.HasSuffix(path, ".jsonl") && !isHidden(path)
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".jsonl")
}

// projectLabel returns the first path segment beneath root.
func projectLabel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func (w *Watcher) emitAdded(ctx context.Context, out chan<- Event, path string) bool {
	ev := Event{
		Kind:         Added,
		Path:         path,
		ProjectLabel: projectLabel(w.root, path),
		SessionID:    sessionIDFromPath(path),
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	if ev.SessionID == "" {
		ev.SessionID = sessionIDFromPath(ev.Path)
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// walkExisting scans the tree once and returns every matching file,
// skipping hidden directories entirely (not just hidden files) so we
// never descend into, e.g., .git.
func walkExisting(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isSessionLog(path) {
			found = append(found, path)
		}
		return nil
	})
	return found, err
}
