// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package classify implements the state classifier: component C5 of
// the relay. It derives a three-valued working/waiting/idle status
// per session from the role of its most recent record and the wall
// clock, and emits StateChanged events only on transitions.
//
// A session's "inactivity timeout" here is unrelated to a client's
// heartbeat liveness (internal/conn handles that); the two are
// deliberately kept as separate timers even though both guard against
// a session or client going quiet.
package classify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/record"
)

// State is a session's derived activity state.
type State int

const (
	Working State = iota
	Waiting
	Idle
)

func (s State) String() string {
	switch s {
	case Working:
		return "working"
	case Waiting:
		return "waiting"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// DefaultIdleThreshold is how long a session may go without a new
// record before it is classified idle.
const DefaultIdleThreshold = 10 * time.Minute

// DefaultTickInterval is how often idle transitions are re-evaluated
// in the absence of new records.
const DefaultTickInterval = 60 * time.Second

// Change is emitted whenever a session's derived state changes.
type Change struct {
	SessionID    string
	State        State
	LastActivity time.Time
}

// sessionState tracks what's needed to classify one session.
type sessionState struct {
	lastRole     record.Role
	lastActivity time.Time
	current      State
}

// Config configures a Classifier.
type Config struct {
	IdleThreshold time.Duration
	TickInterval  time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Classifier derives per-session working/waiting/idle state from a
// stream of records and a periodic tick. It is single-owner: all
// state is only ever touched from the goroutine running Run.
type Classifier struct {
	idleThreshold time.Duration
	tickInterval  time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	sessions map[string]*sessionState
}

// New creates a Classifier from Config.
func New(cfg Config) *Classifier {
	threshold := cfg.IdleThreshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		idleThreshold: threshold,
		tickInterval:  tick,
		clock:         c,
		logger:        logger,
		sessions:      make(map[string]*sessionState),
	}
}

// Forget drops a session's classification state, called when a
// session terminates.
func (c *Classifier) Forget(sessionID string) {
	delete(c.sessions, sessionID)
}

// observe feeds one record into the classifier, immediately
// re-evaluating that session's state and sending a Change to out if
// the state transitioned. Only called from Run's goroutine.
func (c *Classifier) observe(ctx context.Context, out chan<- Change, rec *record.Record) {
	st, ok := c.sessions[rec.SessionID]
	if !ok {
		// No state has been emitted for this session yet, so its first
		// record always produces a Change.
		st = &sessionState{current: State(-1)}
		c.sessions[rec.SessionID] = st
	}
	st.lastRole = rec.Role
	st.lastActivity = rec.CreatedAt
	c.reevaluate(ctx, out, rec.SessionID, st, c.clock.Now())
}

// tick re-evaluates every known session against the current time,
// catching idle transitions for sessions that have gone quiet.
func (c *Classifier) tick(ctx context.Context, out chan<- Change) {
	now := c.clock.Now()
	for sessionID, st := range c.sessions {
		c.reevaluate(ctx, out, sessionID, st, now)
	}
}

func (c *Classifier) reevaluate(ctx context.Context, out chan<- Change, sessionID string, st *sessionState, now time.Time) {
	next := c.derive(st, now)
	if next == st.current {
		return
	}
	st.current = next
	change := Change{SessionID: sessionID, State: next, LastActivity: st.lastActivity}
	select {
	case out <- change:
	case <-ctx.Done():
	}
}

func (c *Classifier) derive(st *sessionState, now time.Time) State {
	if now.Sub(st.lastActivity) >= c.idleThreshold {
		return Idle
	}
	if st.lastRole == record.RoleUser {
		return Working
	}
	return Waiting
}

// Run is the classifier's single-owner loop: it consumes records from
// in, re-evaluating their session's state immediately, and ticks every
// TickInterval to catch sessions that have gone idle without a new
// record. It exits when ctx is cancelled or in is closed.
func (c *Classifier) Run(ctx context.Context, in <-chan *record.Record, out chan<- Change) {
	ticker := c.clock.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			c.observe(ctx, out, rec)
		case <-ticker.C:
			c.tick(ctx, out)
		}
	}
}
