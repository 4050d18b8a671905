// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package tail implements the per-file byte-offset tailer: component C2
// of the relay. A Tailer owns one log file, reads it from byte 0 once at
// startup (the "historical" backfill), then incrementally on each change
// notification or poll tick, handling truncation and partial lines, and
// emits a strictly ordered, exactly-once-per-epoch sequence of Events to
// a bounded mailbox.
//
// The tailer never writes to, truncates, or locks the file it watches —
// it opens read-only and only ever seeks forward (or back to 0 on a
// detected truncation).
package tail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/record"
)

// EventKind distinguishes the variants of Event, mirroring spec's
// TailEvent = Record(historical?) | Rotation | IoError | Terminated.
type EventKind int

const (
	EventRecord EventKind = iota
	EventRotation
	EventIOError
	EventTerminated
	EventParseError
)

// Event is a single item produced by a Tailer. At most one of Record,
// Err is meaningful, depending on Kind.
type Event struct {
	Kind   EventKind
	Record *record.Record
	Err    error
}

// Config configures a Tailer.
type Config struct {
	// Path is the absolute path of the log file to tail. Required.
	Path string

	// Mailbox receives Events in strict file-byte order. The tailer
	// blocks on send when the mailbox is full — ordering must never be
	// violated by dropping an event. The caller sizes and owns this
	// channel (default capacity 1024 per the relay's mailbox policy).
	Mailbox chan<- Event

	// PollInterval, if non-zero, makes the tailer additionally re-check
	// the file on a fixed timer rather than relying solely on external
	// change notifications pushed through Notify. At least 1 second
	// when set, per spec's polling-backend floor.
	PollInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Tailer tails a single log file and emits Events to its mailbox.
type Tailer struct {
	path         string
	mailbox      chan<- Event
	pollInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	offset  int64
	partial []byte
}

// New creates a Tailer from Config. Run must be called to start tailing.
func New(cfg Config) *Tailer {
	if cfg.Path == "" {
		panic("tail.New: Path is required")
	}
	if cfg.Mailbox == nil {
		panic("tail.New: Mailbox is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:         cfg.Path,
		mailbox:      cfg.Mailbox,
		pollInterval: cfg.PollInterval,
		clock:        c,
		logger:       logger.With("path", cfg.Path),
	}
}

// Offset returns the tailer's current byte offset. Safe to call only
// from the goroutine running Run, or after Run has returned.
func (t *Tailer) Offset() int64 { return t.offset }

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Run tails the file until ctx is cancelled, the file is removed, or an
// unrecoverable condition occurs. notify receives a signal (possibly
// coalesced; only presence matters) each time the directory watcher
// believes this file may have changed. Run also performs an initial
// backfill read before waiting on any signal.
func (t *Tailer) Run(ctx context.Context, notify <-chan struct{}) error {
	if err := t.backfill(ctx); err != nil {
		if isNotExist(err) {
			t.emit(ctx, Event{Kind: EventTerminated})
			return nil
		}
		return err
	}

	var ticker *clock.Ticker
	var tickCh <-chan time.Time
	if t.pollInterval > 0 {
		ticker = t.clock.NewTicker(t.pollInterval)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-tickCh:
		}

		err := t.checkAndRead(ctx)
		if err == nil {
			backoff = minBackoff
			continue
		}
		if isNotExist(err) {
			t.emit(ctx, Event{Kind: EventTerminated})
			return nil
		}

		t.logger.Warn("tailer io error, retrying", "error", err, "backoff", backoff)
		if !t.emit(ctx, Event{Kind: EventIOError, Err: err}) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.clock.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// backfill reads the file from offset 0 to EOF, emitting each complete
// line as a historical record. The offset ends at the end of the last
// complete line (EOF when the file ends in a newline); a trailing
// partial line stays buffered until its newline arrives.
func (t *Tailer) backfill(ctx context.Context) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	return t.readLines(ctx, file, info.Size(), true)
}

// checkAndRead stats the file and reads any new bytes since t.offset,
// handling truncation per the invariant in spec §3.1: offset is
// monotonically non-decreasing except on truncation, which resets it to
// 0 and emits a Rotation sentinel.
func (t *Tailer) checkAndRead(ctx context.Context) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if size < t.offset {
		t.logger.Info("truncation detected", "previous_offset", t.offset, "new_size", size)
		t.offset = 0
		t.partial = nil
		if !t.emit(ctx, Event{Kind: EventRotation}) {
			return nil
		}
	}

	if size == t.offset {
		return nil
	}

	return t.readLines(ctx, file, size, false)
}

// readLines reads from the file up to upTo, starting just past t.offset
// and any buffered partial line, splitting on newline boundaries,
// buffering any trailing partial line across calls, and emitting each
// complete line through the parser. On return, t.offset is advanced to
// the last newline consumed (not past a trailing partial line).
func (t *Tailer) readLines(ctx context.Context, file *os.File, upTo int64, historical bool) error {
	// The buffered partial line's bytes were already read.
	start := t.offset + int64(len(t.partial))
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek to offset %d: %w", start, err)
	}

	toRead := upTo - start
	if toRead <= 0 {
		return nil
	}

	buf := make([]byte, toRead)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read %d bytes at offset %d: %w", toRead, start, err)
	}
	buf = buf[:n]

	data := append(t.partial, buf...)
	t.partial = nil

	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1
		t.emitLine(ctx, line, historical)
	}

	if consumed < len(data) {
		t.partial = append([]byte(nil), data[consumed:]...)
	}

	t.offset += int64(consumed)
	return nil
}

func (t *Tailer) emitLine(ctx context.Context, line []byte, historical bool) {
	r, err := record.Parse(line)
	if err != nil {
		t.logger.Warn("parse error", "error", err)
		t.emit(ctx, Event{Kind: EventParseError, Err: err})
		return
	}
	if r == nil {
		return
	}
	r.Historical = historical
	t.emit(ctx, Event{Kind: EventRecord, Record: r})
}

// emit sends to the mailbox, blocking until the send succeeds or ctx is
// cancelled. Returns false if ctx was cancelled before the send
// completed — callers should treat that as "stop tailing."
func (t *Tailer) emit(ctx context.Context, ev Event) bool {
	select {
	case t.mailbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
