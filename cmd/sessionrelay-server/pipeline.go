// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"

	"github.com/sessionrelay/sessionrelay/internal/classify"
	"github.com/sessionrelay/sessionrelay/internal/record"
	"github.com/sessionrelay/sessionrelay/internal/registry"
	"github.com/sessionrelay/sessionrelay/internal/tail"
	"github.com/sessionrelay/sessionrelay/internal/wire"
	"github.com/sessionrelay/sessionrelay/internal/watch"
)

// tailMailboxSize bounds a single session's tailer->pipeline channel.
// The tailer blocks on send when full, which is the intended
// backpressure: a stalled pipeline must never cause events to be
// dropped or reordered.
const tailMailboxSize = 1024

// taggedEvent pairs a tail.Event with the session it came from, since
// tail.Event itself carries no session identity — a Tailer only ever
// knows about the one file it owns.
type taggedEvent struct {
	SessionID string
	Event     tail.Event
}

// sessionPipeline is the composition root's bookkeeping for one
// actively-tailed session: how to wake its tailer, and how to stop it.
type sessionPipeline struct {
	notify chan struct{}
	cancel context.CancelFunc
}

// runPipeline is the directory-watcher -> tailer -> registry/classifier/broker
// event loop. It owns the lifetime of every per-session tailer goroutine
// and returns only when ctx is cancelled.
func (r *relay) runPipeline(ctx context.Context) {
	watchEvents := make(chan watch.Event, 256)
	tailEvents := make(chan taggedEvent, tailMailboxSize)
	classifyIn := make(chan *record.Record, tailMailboxSize)
	classifyOut := make(chan classify.Change, 256)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.watcher.Run(ctx, watchEvents); err != nil {
			r.logger.Error("directory watcher stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.classifier.Run(ctx, classifyIn, classifyOut)
	}()

	sessions := make(map[string]*sessionPipeline)
	defer func() {
		for _, sp := range sessions {
			sp.cancel()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-watchEvents:
			r.handleWatchEvent(ctx, ev, sessions, tailEvents, &wg)

		case notification := <-r.registry.Notifications():
			r.handleRegistryNotification(ctx, notification)

		case te := <-tailEvents:
			r.handleTailEvent(ctx, te, sessions, classifyIn)

		case change := <-classifyOut:
			r.handleClassifyChange(ctx, change)
		}
	}
}

// handleWatchEvent reacts to a directory-watcher observation: Added
// registers a new session and spawns its tailer; Changed and Removed
// wake the owning tailer, which performs its own re-read or
// self-detects removal.
func (r *relay) handleWatchEvent(ctx context.Context, ev watch.Event, sessions map[string]*sessionPipeline, tailEvents chan<- taggedEvent, wg *sync.WaitGroup) {
	switch ev.Kind {
	case watch.Added:
		if _, ok := sessions[ev.SessionID]; ok {
			return
		}

		now := r.clk.Now()
		r.registry.Upsert(registry.Descriptor{
			SessionID:    ev.SessionID,
			ProjectLabel: ev.ProjectLabel,
			LogPath:      ev.Path,
			FirstSeen:    now,
			LastActivity: now,
			Status:       registry.Discovered,
		})

		r.spawnTailer(ctx, ev.SessionID, ev.Path, sessions, tailEvents, wg)

	case watch.Changed, watch.Removed:
		if sp, ok := sessions[ev.SessionID]; ok {
			select {
			case sp.notify <- struct{}{}:
			default:
			}
		}
	}
}

// spawnTailer starts a Tailer for sessionID's log file plus a
// forwarding goroutine that tags each of its events with sessionID
// before handing them to the shared aggregator channel. The forwarder
// selects on its own child context rather than ranging over the
// tailer's mailbox, since Tailer.Run never closes it on exit.
func (r *relay) spawnTailer(ctx context.Context, sessionID, path string, sessions map[string]*sessionPipeline, tailEvents chan<- taggedEvent, wg *sync.WaitGroup) {
	childCtx, cancel := context.WithCancel(ctx)
	notify := make(chan struct{}, 1)
	mailbox := make(chan tail.Event, tailMailboxSize)

	sessions[sessionID] = &sessionPipeline{notify: notify, cancel: cancel}

	tailer := tail.New(tail.Config{
		Path:    path,
		Mailbox: mailbox,
		Clock:   r.clk,
		Logger:  r.logger,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tailer.Run(childCtx, notify); err != nil {
			r.logger.Error("tailer stopped", "session_id", sessionID, "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-childCtx.Done():
				return
			case ev := <-mailbox:
				select {
				case tailEvents <- taggedEvent{SessionID: sessionID, Event: ev}:
				case <-childCtx.Done():
					return
				}
			}
		}
	}()
}

// handleTailEvent applies one tagged tailer event to the registry,
// classifier input, and broker, per event kind.
func (r *relay) handleTailEvent(ctx context.Context, te taggedEvent, sessions map[string]*sessionPipeline, classifyIn chan<- *record.Record) {
	switch te.Event.Kind {
	case tail.EventRecord:
		rec := te.Event.Record
		r.registry.MarkRecord(te.SessionID, rec)

		select {
		case classifyIn <- rec:
		case <-ctx.Done():
			return
		}

		envelope := wire.Envelope{
			Type:      wire.TypeSessionMessage,
			Timestamp: r.clk.Now(),
			Payload: wire.SessionMessagePayload{
				SessionID:  te.SessionID,
				Role:       string(rec.Role),
				Content:    rec.Content,
				ParentID:   rec.ParentID,
				Historical: rec.Historical,
			},
		}
		if r.ringHistory != nil {
			r.ringHistory.Record(te.SessionID, envelope)
		}
		r.brokerSvc.Publish(ctx, te.SessionID, envelope)

	case tail.EventParseError:
		r.registry.MarkParseError(te.SessionID)

	case tail.EventIOError:
		r.registry.MarkIOError(te.SessionID)
		r.brokerSvc.BroadcastAll(ctx, wire.Envelope{
			Type:      wire.TypeDiagnostic,
			Timestamp: r.clk.Now(),
			Payload: wire.DiagnosticPayload{
				Kind:   "tailer_io_error",
				Detail: te.Event.Err.Error(),
			},
		})

	case tail.EventRotation:
		r.logger.Info("session log rotated", "session_id", te.SessionID)

	case tail.EventTerminated:
		r.registry.MarkTerminated(te.SessionID)
		r.classifier.Forget(te.SessionID)
		if r.ringHistory != nil {
			r.ringHistory.Forget(te.SessionID)
		}
		r.brokerSvc.MarkSessionGone(ctx, te.SessionID, wire.Envelope{
			Type:      wire.TypeSessionTerminated,
			Timestamp: r.clk.Now(),
			Payload: wire.SessionTerminatedPayload{
				SessionID: te.SessionID,
				Reason:    "log file removed",
			},
		})
		if sp, ok := sessions[te.SessionID]; ok {
			sp.cancel()
			delete(sessions, te.SessionID)
		}
	}
}

// handleRegistryNotification translates a session's discovery or
// termination into broker bookkeeping and a broadcast so every
// connected client (not just a session's subscriber) can keep its
// session list current.
func (r *relay) handleRegistryNotification(ctx context.Context, n registry.Notification) {
	switch n.Kind {
	case registry.SessionDiscovered:
		r.brokerSvc.MarkSessionKnown(ctx, n.Session.SessionID)
		r.brokerSvc.BroadcastAll(ctx, wire.Envelope{
			Type:      wire.TypeSessionNotification,
			Timestamp: r.clk.Now(),
			Payload: wire.SessionNotificationPayload{
				Kind:         "discovered",
				SessionID:    n.Session.SessionID,
				ProjectLabel: n.Session.ProjectLabel,
			},
		})

	case registry.SessionTerminated:
		// MarkSessionGone on the broker was already issued from
		// handleTailEvent's EventTerminated case, which evicts the
		// session's own subscriber with a SessionTerminated envelope.
		// This broadcast is the separate, session-list-facing signal
		// for every other connected client.
		r.brokerSvc.BroadcastAll(ctx, wire.Envelope{
			Type:      wire.TypeSessionNotification,
			Timestamp: r.clk.Now(),
			Payload: wire.SessionNotificationPayload{
				Kind:         "terminated",
				SessionID:    n.Session.SessionID,
				ProjectLabel: n.Session.ProjectLabel,
			},
		})
	}
}

// handleClassifyChange maps a working/waiting/idle transition onto the
// registry's coarser discovered/active/idle/terminated status and
// publishes it to the session's subscriber, if any.
func (r *relay) handleClassifyChange(ctx context.Context, change classify.Change) {
	status := registry.Active
	if change.State == classify.Idle {
		status = registry.Idle
	}
	r.registry.SetStatus(change.SessionID, status)

	r.brokerSvc.Publish(ctx, change.SessionID, wire.Envelope{
		Type:      wire.TypeSessionState,
		Timestamp: r.clk.Now(),
		Payload: wire.SessionStatePayload{
			SessionID:    change.SessionID,
			State:        change.State.String(),
			LastActivity: change.LastActivity,
		},
	})
}
