// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the session registry: component C4 of
// the relay. It holds the authoritative map from session ID to
// SessionDescriptor, mutated by the directory watcher, the tailer, and
// the state classifier, and read by the HTTP surface and the
// subscription broker.
//
// All mutations are serialized behind a single mutex rather than a
// goroutine mailbox — the operations here are pure map edits with no
// blocking I/O, so a reader-preferring lock gives the same linearizable
// semantics as a single-writer mailbox without the extra goroutine.
package registry

import (
	"sync"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/record"
)

// Status is a SessionDescriptor's lifecycle stage.
type Status int

const (
	Discovered Status = iota
	Active
	Idle
	Terminated
)

func (s Status) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Descriptor describes a discovered session.
type Descriptor struct {
	SessionID    string
	ProjectLabel string
	LogPath      string
	FirstSeen    time.Time
	LastActivity time.Time
	RecordCount  uint64
	Status       Status

	ParseErrors uint64
	IOErrors    uint64
}

// NotificationKind distinguishes registry notifications emitted to the
// subscription broker.
type NotificationKind int

const (
	SessionDiscovered NotificationKind = iota
	SessionTerminated
)

// Notification is sent to the broker whenever a session is discovered
// or terminated, so it can announce or clean up subscriptions.
type Notification struct {
	Kind    NotificationKind
	Session Descriptor
}

// Registry is the authoritative session_id -> Descriptor map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Descriptor

	notify chan Notification
}

// New creates an empty Registry. notify receives a Notification for
// every discovery and termination; it must be drained by the caller
// (typically the broker) or notifications block. A nil notify is
// replaced with an internally created channel buffered to 256 entries
// and returned by Notifications; once it is full, Upsert and
// MarkTerminated block until it is drained.
func New(notify chan Notification) *Registry {
	if notify == nil {
		notify = make(chan Notification, 256)
	}
	return &Registry{
		sessions: make(map[string]Descriptor),
		notify:   notify,
	}
}

// Upsert inserts a new descriptor or overwrites an existing one for the
// same SessionID. Inserting a previously-unseen session emits
// SessionDiscovered.
func (r *Registry) Upsert(desc Descriptor) {
	r.mu.Lock()
	_, existed := r.sessions[desc.SessionID]
	r.sessions[desc.SessionID] = desc
	r.mu.Unlock()

	if !existed {
		r.notify <- Notification{Kind: SessionDiscovered, Session: desc}
	}
}

// MarkRecord updates last_activity and increments record_count for a
// session, and flips its status to Active if it was Discovered or Idle.
// No-op if the session is unknown (the watcher always upserts before
// the tailer can emit a record, but a race during shutdown is
// tolerated silently).
func (r *Registry) MarkRecord(sessionID string, rec *record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	desc.LastActivity = rec.CreatedAt
	desc.RecordCount++
	if desc.Status == Discovered || desc.Status == Idle {
		desc.Status = Active
	}
	r.sessions[sessionID] = desc
}

// MarkParseError increments a session's parse-error counter, surfaced
// via the HTTP session index.
func (r *Registry) MarkParseError(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	desc.ParseErrors++
	r.sessions[sessionID] = desc
}

// MarkIOError increments a session's I/O-error counter.
func (r *Registry) MarkIOError(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	desc.IOErrors++
	r.sessions[sessionID] = desc
}

// SetStatus sets a session's status directly. Used by the state
// classifier to apply working/waiting/idle transitions without
// exposing descriptor internals to it.
func (r *Registry) SetStatus(sessionID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	desc.Status = status
	r.sessions[sessionID] = desc
}

// MarkTerminated transitions a session to Terminated and emits
// SessionTerminated. No-op if the session is unknown or already
// terminated.
func (r *Registry) MarkTerminated(sessionID string) {
	r.mu.Lock()
	desc, ok := r.sessions[sessionID]
	if !ok || desc.Status == Terminated {
		r.mu.Unlock()
		return
	}
	desc.Status = Terminated
	r.sessions[sessionID] = desc
	r.mu.Unlock()

	r.notify <- Notification{Kind: SessionTerminated, Session: desc}
}

// Get returns a session's descriptor and whether it exists.
func (r *Registry) Get(sessionID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.sessions[sessionID]
	return desc, ok
}

// List returns a snapshot of every known session, in no particular
// order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.sessions))
	for _, desc := range r.sessions {
		out = append(out, desc)
	}
	return out
}

// Notifications returns the channel notifications are delivered on.
func (r *Registry) Notifications() <-chan Notification {
	return r.notify
}
